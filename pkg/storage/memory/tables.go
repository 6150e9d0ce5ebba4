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
	"context"

	"github.com/gossip-chat/gossip/pkg/storage"
)

type profileStore struct{ v view }

func (s profileStore) Get(ctx context.Context, userID string) (p *storage.UserProfile, err error) {
	err = s.v.read(func(d *data) error { p, err = d.getProfile(userID); return err })
	return p, err
}

func (s profileStore) Put(ctx context.Context, profile *storage.UserProfile) error {
	return s.v.write(func(d *data) error { return d.putProfile(profile) })
}

type contactStore struct{ v view }

func (s contactStore) Create(ctx context.Context, contact *storage.Contact) error {
	return s.v.write(func(d *data) error { return d.createContact(contact) })
}

func (s contactStore) Get(ctx context.Context, owner, contact string) (c *storage.Contact, err error) {
	err = s.v.read(func(d *data) error { c, err = d.getContact(owner, contact); return err })
	return c, err
}

func (s contactStore) GetByName(ctx context.Context, owner, name string) (c *storage.Contact, err error) {
	err = s.v.read(func(d *data) error { c, err = d.getContactByName(owner, name); return err })
	return c, err
}

func (s contactStore) Update(ctx context.Context, contact *storage.Contact) error {
	return s.v.write(func(d *data) error { return d.updateContact(contact) })
}

func (s contactStore) List(ctx context.Context, owner string) (cs []*storage.Contact, err error) {
	err = s.v.read(func(d *data) error { cs, err = d.listContacts(owner); return err })
	return cs, err
}

type discussionStore struct{ v view }

func (s discussionStore) Create(ctx context.Context, disc *storage.Discussion) error {
	return s.v.write(func(d *data) error { return d.createDiscussion(disc) })
}

func (s discussionStore) Get(ctx context.Context, owner, contact string) (disc *storage.Discussion, err error) {
	err = s.v.read(func(d *data) error { disc, err = d.getDiscussion(owner, contact); return err })
	return disc, err
}

func (s discussionStore) GetByID(ctx context.Context, id string) (disc *storage.Discussion, err error) {
	err = s.v.read(func(d *data) error { disc, err = d.getDiscussionByID(id); return err })
	return disc, err
}

func (s discussionStore) Update(ctx context.Context, disc *storage.Discussion) error {
	return s.v.write(func(d *data) error { return d.updateDiscussion(disc) })
}

func (s discussionStore) List(ctx context.Context, owner string) (ds []*storage.Discussion, err error) {
	err = s.v.read(func(d *data) error { ds, err = d.listDiscussions(owner); return err })
	return ds, err
}

type messageStore struct{ v view }

func (s messageStore) Create(ctx context.Context, msg *storage.Message) (id int64, err error) {
	err = s.v.write(func(d *data) error { id, err = d.createMessage(msg); return err })
	return id, err
}

func (s messageStore) Get(ctx context.Context, id int64) (m *storage.Message, err error) {
	err = s.v.read(func(d *data) error { m, err = d.getMessage(id); return err })
	return m, err
}

func (s messageStore) Update(ctx context.Context, msg *storage.Message) error {
	return s.v.write(func(d *data) error { return d.updateMessage(msg) })
}

func (s messageStore) ListOutgoingPending(ctx context.Context, owner, contact string) (ms []*storage.Message, err error) {
	err = s.v.read(func(d *data) error { ms, err = d.listOutgoingPending(owner, contact); return err })
	return ms, err
}

func (s messageStore) ListByStatus(ctx context.Context, owner string, status storage.MessageStatus) (ms []*storage.Message, err error) {
	err = s.v.read(func(d *data) error { ms, err = d.listByStatus(owner, status); return err })
	return ms, err
}

func (s messageStore) FindBySeeker(ctx context.Context, owner, contact string, seeker []byte) (m *storage.Message, err error) {
	err = s.v.read(func(d *data) error { m, err = d.findBySeeker(owner, contact, seeker); return err })
	return m, err
}

func (s messageStore) FindOutgoingBySeeker(ctx context.Context, owner, contact string, seeker []byte) (m *storage.Message, err error) {
	err = s.v.read(func(d *data) error { m, err = d.findOutgoingBySeeker(owner, contact, seeker); return err })
	return m, err
}

func (s messageStore) HasUnfinishedOutgoing(ctx context.Context, owner, contact string) (ok bool, err error) {
	err = s.v.read(func(d *data) error { ok, err = d.hasUnfinishedOutgoing(owner, contact); return err })
	return ok, err
}

func (s messageStore) List(ctx context.Context, owner, contact string, limit int) (ms []*storage.Message, err error) {
	err = s.v.read(func(d *data) error { ms, err = d.listConversation(owner, contact, limit); return err })
	return ms, err
}

type pendingStore struct{ v view }

func (s pendingStore) AppendAnnouncements(ctx context.Context, rows []*storage.PendingAnnouncement) (ok []bool, err error) {
	err = s.v.write(func(d *data) error { ok, err = d.appendAnnouncements(rows); return err })
	return ok, err
}

func (s pendingStore) ListAnnouncements(ctx context.Context, owner string) (rs []*storage.PendingAnnouncement, err error) {
	err = s.v.read(func(d *data) error { rs, err = d.listAnnouncements(owner); return err })
	return rs, err
}

func (s pendingStore) DeleteAnnouncements(ctx context.Context, ids []int64) error {
	return s.v.write(func(d *data) error { return d.deleteAnnouncements(ids) })
}

func (s pendingStore) AppendCiphertexts(ctx context.Context, rows []*storage.PendingCiphertext) (ok []bool, err error) {
	err = s.v.write(func(d *data) error { ok, err = d.appendCiphertexts(rows); return err })
	return ok, err
}

func (s pendingStore) ListCiphertexts(ctx context.Context, owner string) (rs []*storage.PendingCiphertext, err error) {
	err = s.v.read(func(d *data) error { rs, err = d.listCiphertexts(owner); return err })
	return rs, err
}

func (s pendingStore) DeleteCiphertexts(ctx context.Context, ids []int64) error {
	return s.v.write(func(d *data) error { return d.deleteCiphertexts(ids) })
}
