// Copyright (C) 2025 gossip-chat
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/pkg/storage"
)

type contactKey struct {
	owner   string
	contact string
}

type nameKey struct {
	owner string
	name  string
}

type seekerKey struct {
	owner   string
	contact string
	seeker  string
}

// data holds every table. Rows stored here are treated as immutable: reads
// copy out, writes store fresh copies. That makes clone a shallow map copy.
type data struct {
	profiles    map[string]*storage.UserProfile
	contacts    map[contactKey]*storage.Contact
	byName      map[nameKey]string // -> contact user id
	discussions map[contactKey]*storage.Discussion
	byDiscID    map[string]contactKey

	messages  map[int64]*storage.Message
	bySeeker  map[seekerKey]int64
	nextMsgID int64

	pendingAnn map[int64]*storage.PendingAnnouncement
	annSeen    map[string]struct{} // owner|counter
	nextAnnID  int64

	pendingCt map[int64]*storage.PendingCiphertext
	ctSeen    map[string]struct{} // owner|seeker
	nextCtID  int64
}

func newData() *data {
	return &data{
		profiles:    make(map[string]*storage.UserProfile),
		contacts:    make(map[contactKey]*storage.Contact),
		byName:      make(map[nameKey]string),
		discussions: make(map[contactKey]*storage.Discussion),
		byDiscID:    make(map[string]contactKey),
		messages:    make(map[int64]*storage.Message),
		bySeeker:    make(map[seekerKey]int64),
		pendingAnn:  make(map[int64]*storage.PendingAnnouncement),
		annSeen:     make(map[string]struct{}),
		pendingCt:   make(map[int64]*storage.PendingCiphertext),
		ctSeen:      make(map[string]struct{}),
	}
}

func (d *data) clone() *data {
	c := &data{
		profiles:    make(map[string]*storage.UserProfile, len(d.profiles)),
		contacts:    make(map[contactKey]*storage.Contact, len(d.contacts)),
		byName:      make(map[nameKey]string, len(d.byName)),
		discussions: make(map[contactKey]*storage.Discussion, len(d.discussions)),
		byDiscID:    make(map[string]contactKey, len(d.byDiscID)),
		messages:    make(map[int64]*storage.Message, len(d.messages)),
		bySeeker:    make(map[seekerKey]int64, len(d.bySeeker)),
		nextMsgID:   d.nextMsgID,
		pendingAnn:  make(map[int64]*storage.PendingAnnouncement, len(d.pendingAnn)),
		annSeen:     make(map[string]struct{}, len(d.annSeen)),
		nextAnnID:   d.nextAnnID,
		pendingCt:   make(map[int64]*storage.PendingCiphertext, len(d.pendingCt)),
		ctSeen:      make(map[string]struct{}, len(d.ctSeen)),
		nextCtID:    d.nextCtID,
	}
	for k, v := range d.profiles {
		c.profiles[k] = v
	}
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.byName {
		c.byName[k] = v
	}
	for k, v := range d.discussions {
		c.discussions[k] = v
	}
	for k, v := range d.byDiscID {
		c.byDiscID[k] = v
	}
	for k, v := range d.messages {
		c.messages[k] = v
	}
	for k, v := range d.bySeeker {
		c.bySeeker[k] = v
	}
	for k, v := range d.pendingAnn {
		c.pendingAnn[k] = v
	}
	for k := range d.annSeen {
		c.annSeen[k] = struct{}{}
	}
	for k, v := range d.pendingCt {
		c.pendingCt[k] = v
	}
	for k := range d.ctSeen {
		c.ctSeen[k] = struct{}{}
	}
	return c
}

func lowerName(name string) string { return strings.ToLower(name) }

// --- profiles ---

func (d *data) getProfile(userID string) (*storage.UserProfile, error) {
	p, ok := d.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, errs.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (d *data) putProfile(p *storage.UserProfile) error {
	cp := *p
	d.profiles[p.UserID] = &cp
	return nil
}

// --- contacts ---

func (d *data) createContact(c *storage.Contact) error {
	key := contactKey{c.OwnerUserID, c.ContactUserID}
	if _, ok := d.contacts[key]; ok {
		return fmt.Errorf("contact %s/%s: %w", c.OwnerUserID, c.ContactUserID, errs.ErrAlreadyExists)
	}
	nk := nameKey{c.OwnerUserID, lowerName(c.Name)}
	if _, ok := d.byName[nk]; ok {
		return fmt.Errorf("contact name %q: %w", c.Name, errs.ErrAlreadyExists)
	}
	cp := *c
	d.contacts[key] = &cp
	d.byName[nk] = c.ContactUserID
	return nil
}

func (d *data) getContact(owner, contact string) (*storage.Contact, error) {
	c, ok := d.contacts[contactKey{owner, contact}]
	if !ok {
		return nil, fmt.Errorf("contact %s/%s: %w", owner, contact, errs.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (d *data) getContactByName(owner, name string) (*storage.Contact, error) {
	id, ok := d.byName[nameKey{owner, lowerName(name)}]
	if !ok {
		return nil, fmt.Errorf("contact named %q: %w", name, errs.ErrNotFound)
	}
	return d.getContact(owner, id)
}

func (d *data) updateContact(c *storage.Contact) error {
	key := contactKey{c.OwnerUserID, c.ContactUserID}
	old, ok := d.contacts[key]
	if !ok {
		return fmt.Errorf("contact %s/%s: %w", c.OwnerUserID, c.ContactUserID, errs.ErrNotFound)
	}
	if lowerName(old.Name) != lowerName(c.Name) {
		nk := nameKey{c.OwnerUserID, lowerName(c.Name)}
		if _, taken := d.byName[nk]; taken {
			return fmt.Errorf("contact name %q: %w", c.Name, errs.ErrAlreadyExists)
		}
		delete(d.byName, nameKey{c.OwnerUserID, lowerName(old.Name)})
		d.byName[nk] = c.ContactUserID
	}
	cp := *c
	d.contacts[key] = &cp
	return nil
}

func (d *data) listContacts(owner string) ([]*storage.Contact, error) {
	var out []*storage.Contact
	for k, c := range d.contacts {
		if k.owner == owner {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- discussions ---

func (d *data) createDiscussion(disc *storage.Discussion) error {
	key := contactKey{disc.OwnerUserID, disc.ContactUserID}
	if _, ok := d.discussions[key]; ok {
		return fmt.Errorf("discussion %s/%s: %w", disc.OwnerUserID, disc.ContactUserID, errs.ErrAlreadyExists)
	}
	cp := *disc
	d.discussions[key] = &cp
	d.byDiscID[disc.ID] = key
	return nil
}

func (d *data) getDiscussion(owner, contact string) (*storage.Discussion, error) {
	disc, ok := d.discussions[contactKey{owner, contact}]
	if !ok {
		return nil, fmt.Errorf("discussion %s/%s: %w", owner, contact, errs.ErrNotFound)
	}
	cp := *disc
	return &cp, nil
}

func (d *data) getDiscussionByID(id string) (*storage.Discussion, error) {
	key, ok := d.byDiscID[id]
	if !ok {
		return nil, fmt.Errorf("discussion %s: %w", id, errs.ErrNotFound)
	}
	return d.getDiscussion(key.owner, key.contact)
}

func (d *data) updateDiscussion(disc *storage.Discussion) error {
	key := contactKey{disc.OwnerUserID, disc.ContactUserID}
	if _, ok := d.discussions[key]; !ok {
		return fmt.Errorf("discussion %s/%s: %w", disc.OwnerUserID, disc.ContactUserID, errs.ErrNotFound)
	}
	cp := *disc
	d.discussions[key] = &cp
	return nil
}

func (d *data) listDiscussions(owner string) ([]*storage.Discussion, error) {
	var out []*storage.Discussion
	for k, disc := range d.discussions {
		if k.owner == owner {
			cp := *disc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// --- messages ---

func (d *data) createMessage(m *storage.Message) (int64, error) {
	if len(m.Seeker) > 0 {
		sk := seekerKey{m.OwnerUserID, m.ContactUserID, storage.SeekerKey(m.Seeker)}
		if _, ok := d.bySeeker[sk]; ok {
			return 0, fmt.Errorf("message seeker %s: %w", storage.SeekerKey(m.Seeker), errs.ErrAlreadyExists)
		}
		d.nextMsgID++
		cp := *m
		cp.ID = d.nextMsgID
		d.messages[cp.ID] = &cp
		d.bySeeker[sk] = cp.ID
		return cp.ID, nil
	}
	d.nextMsgID++
	cp := *m
	cp.ID = d.nextMsgID
	d.messages[cp.ID] = &cp
	return cp.ID, nil
}

func (d *data) getMessage(id int64) (*storage.Message, error) {
	m, ok := d.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", id, errs.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (d *data) updateMessage(m *storage.Message) error {
	old, ok := d.messages[m.ID]
	if !ok {
		return fmt.Errorf("message %d: %w", m.ID, errs.ErrNotFound)
	}
	oldKey := storage.SeekerKey(old.Seeker)
	newKey := storage.SeekerKey(m.Seeker)
	if oldKey != newKey {
		if len(old.Seeker) > 0 {
			delete(d.bySeeker, seekerKey{old.OwnerUserID, old.ContactUserID, oldKey})
		}
		if len(m.Seeker) > 0 {
			sk := seekerKey{m.OwnerUserID, m.ContactUserID, newKey}
			if _, taken := d.bySeeker[sk]; taken {
				return fmt.Errorf("message seeker %s: %w", newKey, errs.ErrAlreadyExists)
			}
			d.bySeeker[sk] = m.ID
		}
	}
	cp := *m
	d.messages[m.ID] = &cp
	return nil
}

func (d *data) selectMessages(match func(*storage.Message) bool) []*storage.Message {
	var out []*storage.Message
	for _, m := range d.messages {
		if match(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) listOutgoingPending(owner, contact string) ([]*storage.Message, error) {
	return d.selectMessages(func(m *storage.Message) bool {
		return m.OwnerUserID == owner && m.ContactUserID == contact &&
			m.Direction == storage.MessageOutgoing &&
			(m.Status == storage.StatusWaitingSession || m.Status == storage.StatusReady)
	}), nil
}

func (d *data) listByStatus(owner string, status storage.MessageStatus) ([]*storage.Message, error) {
	return d.selectMessages(func(m *storage.Message) bool {
		return m.OwnerUserID == owner && m.Status == status
	}), nil
}

func (d *data) findBySeeker(owner, contact string, seeker []byte) (*storage.Message, error) {
	id, ok := d.bySeeker[seekerKey{owner, contact, storage.SeekerKey(seeker)}]
	if !ok {
		return nil, fmt.Errorf("seeker %s: %w", storage.SeekerKey(seeker), errs.ErrNotFound)
	}
	return d.getMessage(id)
}

func (d *data) findOutgoingBySeeker(owner, contact string, seeker []byte) (*storage.Message, error) {
	id, ok := d.bySeeker[seekerKey{owner, contact, storage.SeekerKey(seeker)}]
	if !ok {
		return nil, fmt.Errorf("outgoing seeker %s: %w", storage.SeekerKey(seeker), errs.ErrNotFound)
	}
	m, err := d.getMessage(id)
	if err != nil {
		return nil, err
	}
	if m.Direction != storage.MessageOutgoing {
		return nil, fmt.Errorf("seeker %s is not outgoing: %w", storage.SeekerKey(seeker), errs.ErrNotFound)
	}
	return m, nil
}

func (d *data) hasUnfinishedOutgoing(owner, contact string) (bool, error) {
	for _, m := range d.messages {
		if m.OwnerUserID == owner && m.ContactUserID == contact &&
			m.Direction == storage.MessageOutgoing &&
			m.Status != storage.StatusDelivered &&
			m.Status != storage.StatusRead &&
			m.Status != storage.StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (d *data) listConversation(owner, contact string, limit int) ([]*storage.Message, error) {
	all := d.selectMessages(func(m *storage.Message) bool {
		return m.OwnerUserID == owner && m.ContactUserID == contact
	})
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// --- pending tables ---

func (d *data) appendAnnouncements(rows []*storage.PendingAnnouncement) ([]bool, error) {
	out := make([]bool, len(rows))
	for i, r := range rows {
		seen := r.OwnerUserID + "|" + r.Counter
		if _, dup := d.annSeen[seen]; dup {
			continue
		}
		d.nextAnnID++
		cp := *r
		cp.ID = d.nextAnnID
		d.pendingAnn[cp.ID] = &cp
		d.annSeen[seen] = struct{}{}
		out[i] = true
	}
	return out, nil
}

func (d *data) listAnnouncements(owner string) ([]*storage.PendingAnnouncement, error) {
	var out []*storage.PendingAnnouncement
	for _, r := range d.pendingAnn {
		if r.OwnerUserID == owner {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) deleteAnnouncements(ids []int64) error {
	for _, id := range ids {
		if r, ok := d.pendingAnn[id]; ok {
			delete(d.annSeen, r.OwnerUserID+"|"+r.Counter)
			delete(d.pendingAnn, id)
		}
	}
	return nil
}

func (d *data) appendCiphertexts(rows []*storage.PendingCiphertext) ([]bool, error) {
	out := make([]bool, len(rows))
	for i, r := range rows {
		seen := r.OwnerUserID + "|" + storage.SeekerKey(r.Seeker)
		if _, dup := d.ctSeen[seen]; dup {
			continue
		}
		d.nextCtID++
		cp := *r
		cp.ID = d.nextCtID
		d.pendingCt[cp.ID] = &cp
		d.ctSeen[seen] = struct{}{}
		out[i] = true
	}
	return out, nil
}

func (d *data) listCiphertexts(owner string) ([]*storage.PendingCiphertext, error) {
	var out []*storage.PendingCiphertext
	for _, r := range d.pendingCt {
		if r.OwnerUserID == owner {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *data) deleteCiphertexts(ids []int64) error {
	for _, id := range ids {
		if r, ok := d.pendingCt[id]; ok {
			delete(d.ctSeen, r.OwnerUserID+"|"+storage.SeekerKey(r.Seeker))
			delete(d.pendingCt, id)
		}
	}
	return nil
}
