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

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/pkg/storage"
)

type profileStore struct{ q querier }

func (s profileStore) Get(ctx context.Context, userID string) (*storage.UserProfile, error) {
	row := s.q.QueryRow(ctx, `SELECT user_id, username, public_keys, secret_blob, session_blob,
		last_cursor, last_key_publish, created_at, updated_at
		FROM gossip_profiles WHERE user_id = $1`, userID)
	p := &storage.UserProfile{}
	err := row.Scan(&p.UserID, &p.Username, &p.PublicKeys, &p.SecretBlob, &p.SessionBlob,
		&p.LastAnnouncementCursor, &p.LastKeyPublishAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr("get profile", err)
	}
	return p, nil
}

func (s profileStore) Put(ctx context.Context, p *storage.UserProfile) error {
	_, err := s.q.Exec(ctx, `INSERT INTO gossip_profiles
		(user_id, username, public_keys, secret_blob, session_blob, last_cursor, last_key_publish, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id) DO UPDATE SET
		username=$2, public_keys=$3, secret_blob=$4, session_blob=$5, last_cursor=$6,
		last_key_publish=$7, updated_at=$9`,
		p.UserID, p.Username, p.PublicKeys, p.SecretBlob, p.SessionBlob,
		p.LastAnnouncementCursor, p.LastKeyPublishAt, p.CreatedAt, p.UpdatedAt)
	return mapErr("put profile", err)
}

type contactStore struct{ q querier }

const contactCols = `owner_user_id, contact_user_id, name, public_keys, avatar, last_seen_at, created_at, updated_at`

func scanContact(row pgx.Row) (*storage.Contact, error) {
	c := &storage.Contact{}
	err := row.Scan(&c.OwnerUserID, &c.ContactUserID, &c.Name, &c.PublicKeys, &c.Avatar,
		&c.LastSeenAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s contactStore) Create(ctx context.Context, c *storage.Contact) error {
	_, err := s.q.Exec(ctx, `INSERT INTO gossip_contacts (`+contactCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.OwnerUserID, c.ContactUserID, c.Name, c.PublicKeys, c.Avatar,
		c.LastSeenAt, c.CreatedAt, c.UpdatedAt)
	return mapErr("create contact", err)
}

func (s contactStore) Get(ctx context.Context, owner, contact string) (*storage.Contact, error) {
	c, err := scanContact(s.q.QueryRow(ctx, `SELECT `+contactCols+` FROM gossip_contacts
		WHERE owner_user_id=$1 AND contact_user_id=$2`, owner, contact))
	if err != nil {
		return nil, mapErr("get contact", err)
	}
	return c, nil
}

func (s contactStore) GetByName(ctx context.Context, owner, name string) (*storage.Contact, error) {
	c, err := scanContact(s.q.QueryRow(ctx, `SELECT `+contactCols+` FROM gossip_contacts
		WHERE owner_user_id=$1 AND lower(name)=lower($2)`, owner, name))
	if err != nil {
		return nil, mapErr("get contact by name", err)
	}
	return c, nil
}

func (s contactStore) Update(ctx context.Context, c *storage.Contact) error {
	tag, err := s.q.Exec(ctx, `UPDATE gossip_contacts SET name=$3, public_keys=$4, avatar=$5,
		last_seen_at=$6, updated_at=$7
		WHERE owner_user_id=$1 AND contact_user_id=$2`,
		c.OwnerUserID, c.ContactUserID, c.Name, c.PublicKeys, c.Avatar, c.LastSeenAt, c.UpdatedAt)
	if err != nil {
		return mapErr("update contact", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update contact: %w", errs.ErrNotFound)
	}
	return nil
}

func (s contactStore) List(ctx context.Context, owner string) ([]*storage.Contact, error) {
	rows, err := s.q.Query(ctx, `SELECT `+contactCols+` FROM gossip_contacts
		WHERE owner_user_id=$1 ORDER BY created_at, contact_user_id`, owner)
	if err != nil {
		return nil, mapErr("list contacts", err)
	}
	defer rows.Close()
	var out []*storage.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, mapErr("list contacts", err)
		}
		out = append(out, c)
	}
	return out, mapErr("list contacts", rows.Err())
}

type discussionStore struct{ q querier }

const discussionCols = `id, owner_user_id, contact_user_id, direction, status, we_accepted,
	initiation, send_ann_data, send_ann_when, ann_message, recovery, unread_count, created_at, updated_at`

func scanDiscussion(row pgx.Row) (*storage.Discussion, error) {
	d := &storage.Discussion{}
	var direction, status string
	var sendData []byte
	var sendWhen *int64
	var recovery []byte
	err := row.Scan(&d.ID, &d.OwnerUserID, &d.ContactUserID, &direction, &status, &d.WeAccepted,
		&d.InitiationAnnouncement, &sendData, &sendWhen, &d.AnnouncementMessage,
		&recovery, &d.UnreadCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Direction = storage.DiscussionDirection(direction)
	d.Status = storage.DiscussionStatus(status)
	if sendData != nil && sendWhen != nil {
		d.SendAnnouncement = &storage.QueuedAnnouncement{Data: sendData, WhenToSend: *sendWhen}
	}
	if len(recovery) > 0 {
		rec := &storage.SessionRecovery{}
		if err := json.Unmarshal(recovery, rec); err != nil {
			return nil, err
		}
		d.SessionRecovery = rec
	}
	return d, nil
}

func discussionArgs(d *storage.Discussion) ([]any, error) {
	var sendData []byte
	var sendWhen *int64
	if d.SendAnnouncement != nil {
		sendData = d.SendAnnouncement.Data
		w := d.SendAnnouncement.WhenToSend
		sendWhen = &w
	}
	var recovery []byte
	if d.SessionRecovery != nil {
		var err error
		recovery, err = json.Marshal(d.SessionRecovery)
		if err != nil {
			return nil, err
		}
	}
	return []any{
		d.ID, d.OwnerUserID, d.ContactUserID, string(d.Direction), string(d.Status), d.WeAccepted,
		d.InitiationAnnouncement, sendData, sendWhen, d.AnnouncementMessage,
		recovery, d.UnreadCount, d.CreatedAt, d.UpdatedAt,
	}, nil
}

func (s discussionStore) Create(ctx context.Context, d *storage.Discussion) error {
	args, err := discussionArgs(d)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `INSERT INTO gossip_discussions (`+discussionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, args...)
	return mapErr("create discussion", err)
}

func (s discussionStore) Get(ctx context.Context, owner, contact string) (*storage.Discussion, error) {
	d, err := scanDiscussion(s.q.QueryRow(ctx, `SELECT `+discussionCols+` FROM gossip_discussions
		WHERE owner_user_id=$1 AND contact_user_id=$2`, owner, contact))
	if err != nil {
		return nil, mapErr("get discussion", err)
	}
	return d, nil
}

func (s discussionStore) GetByID(ctx context.Context, id string) (*storage.Discussion, error) {
	d, err := scanDiscussion(s.q.QueryRow(ctx, `SELECT `+discussionCols+` FROM gossip_discussions
		WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr("get discussion by id", err)
	}
	return d, nil
}

func (s discussionStore) Update(ctx context.Context, d *storage.Discussion) error {
	args, err := discussionArgs(d)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `UPDATE gossip_discussions SET
		id=$1, direction=$4, status=$5, we_accepted=$6, initiation=$7,
		send_ann_data=$8, send_ann_when=$9, ann_message=$10, recovery=$11,
		unread_count=$12, created_at=$13, updated_at=$14
		WHERE owner_user_id=$2 AND contact_user_id=$3`, args...)
	if err != nil {
		return mapErr("update discussion", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update discussion: %w", errs.ErrNotFound)
	}
	return nil
}

func (s discussionStore) List(ctx context.Context, owner string) ([]*storage.Discussion, error) {
	rows, err := s.q.Query(ctx, `SELECT `+discussionCols+` FROM gossip_discussions
		WHERE owner_user_id=$1 ORDER BY created_at, contact_user_id`, owner)
	if err != nil {
		return nil, mapErr("list discussions", err)
	}
	defer rows.Close()
	var out []*storage.Discussion
	for rows.Next() {
		d, err := scanDiscussion(rows)
		if err != nil {
			return nil, mapErr("list discussions", err)
		}
		out = append(out, d)
	}
	return out, mapErr("list discussions", rows.Err())
}

type messageStore struct{ q querier }

const messageCols = `id, owner_user_id, contact_user_id, direction, type, status, content,
	seeker, encrypted_message, when_to_send, send_attempts, ts, created_at, updated_at`

func scanMessage(row pgx.Row) (*storage.Message, error) {
	m := &storage.Message{}
	var direction, typ, status string
	err := row.Scan(&m.ID, &m.OwnerUserID, &m.ContactUserID, &direction, &typ, &status,
		&m.Content, &m.Seeker, &m.EncryptedMessage, &m.WhenToSend, &m.SendAttempts,
		&m.Timestamp, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Direction = storage.MessageDirection(direction)
	m.Type = storage.MessageType(typ)
	m.Status = storage.MessageStatus(status)
	return m, nil
}

func (s messageStore) Create(ctx context.Context, m *storage.Message) (int64, error) {
	var seeker []byte
	if len(m.Seeker) > 0 {
		seeker = m.Seeker
	}
	var id int64
	err := s.q.QueryRow(ctx, `INSERT INTO gossip_messages
		(owner_user_id, contact_user_id, direction, type, status, content, seeker,
		encrypted_message, when_to_send, send_attempts, ts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING id`,
		m.OwnerUserID, m.ContactUserID, string(m.Direction), string(m.Type), string(m.Status),
		m.Content, seeker, m.EncryptedMessage, m.WhenToSend, m.SendAttempts,
		m.Timestamp, m.CreatedAt, m.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, mapErr("create message", err)
	}
	return id, nil
}

func (s messageStore) Get(ctx context.Context, id int64) (*storage.Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageCols+` FROM gossip_messages
		WHERE id=$1`, id))
	if err != nil {
		return nil, mapErr("get message", err)
	}
	return m, nil
}

func (s messageStore) Update(ctx context.Context, m *storage.Message) error {
	var seeker []byte
	if len(m.Seeker) > 0 {
		seeker = m.Seeker
	}
	tag, err := s.q.Exec(ctx, `UPDATE gossip_messages SET
		direction=$2, type=$3, status=$4, content=$5, seeker=$6, encrypted_message=$7,
		when_to_send=$8, send_attempts=$9, ts=$10, updated_at=$11
		WHERE id=$1`,
		m.ID, string(m.Direction), string(m.Type), string(m.Status), m.Content, seeker,
		m.EncryptedMessage, m.WhenToSend, m.SendAttempts, m.Timestamp, m.UpdatedAt)
	if err != nil {
		return mapErr("update message", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update message: %w", errs.ErrNotFound)
	}
	return nil
}

func (s messageStore) queryMessages(ctx context.Context, sql string, args ...any) ([]*storage.Message, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("query messages", err)
	}
	defer rows.Close()
	var out []*storage.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr("query messages", err)
		}
		out = append(out, m)
	}
	return out, mapErr("query messages", rows.Err())
}

func (s messageStore) ListOutgoingPending(ctx context.Context, owner, contact string) ([]*storage.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageCols+` FROM gossip_messages
		WHERE owner_user_id=$1 AND contact_user_id=$2 AND direction=$3 AND status = ANY($4)
		ORDER BY ts, id`,
		owner, contact, string(storage.MessageOutgoing),
		[]string{string(storage.StatusWaitingSession), string(storage.StatusReady)})
}

func (s messageStore) ListByStatus(ctx context.Context, owner string, status storage.MessageStatus) ([]*storage.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageCols+` FROM gossip_messages
		WHERE owner_user_id=$1 AND status=$2 ORDER BY ts, id`, owner, string(status))
}

func (s messageStore) FindBySeeker(ctx context.Context, owner, contact string, seeker []byte) (*storage.Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageCols+` FROM gossip_messages
		WHERE owner_user_id=$1 AND contact_user_id=$2 AND seeker=$3`,
		owner, contact, seeker))
	if err != nil {
		return nil, mapErr("find by seeker", err)
	}
	return m, nil
}

func (s messageStore) FindOutgoingBySeeker(ctx context.Context, owner, contact string, seeker []byte) (*storage.Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageCols+` FROM gossip_messages
		WHERE owner_user_id=$1 AND contact_user_id=$2 AND direction=$3 AND seeker=$4`,
		owner, contact, string(storage.MessageOutgoing), seeker))
	if err != nil {
		return nil, mapErr("find outgoing by seeker", err)
	}
	return m, nil
}

func (s messageStore) HasUnfinishedOutgoing(ctx context.Context, owner, contact string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gossip_messages
		WHERE owner_user_id=$1 AND contact_user_id=$2 AND direction=$3
		AND status NOT IN ($4,$5,$6))`,
		owner, contact, string(storage.MessageOutgoing),
		string(storage.StatusDelivered), string(storage.StatusRead), string(storage.StatusFailed)).Scan(&exists)
	if err != nil {
		return false, mapErr("has unfinished outgoing", err)
	}
	return exists, nil
}

func (s messageStore) List(ctx context.Context, owner, contact string, limit int) ([]*storage.Message, error) {
	if limit <= 0 {
		return s.queryMessages(ctx, `SELECT `+messageCols+` FROM gossip_messages
			WHERE owner_user_id=$1 AND contact_user_id=$2 ORDER BY ts, id`, owner, contact)
	}
	msgs, err := s.queryMessages(ctx, `SELECT * FROM (
		SELECT `+messageCols+` FROM gossip_messages
		WHERE owner_user_id=$1 AND contact_user_id=$2 ORDER BY ts DESC, id DESC LIMIT $3
	) latest ORDER BY ts, id`, owner, contact, limit)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

type pendingStore struct{ q querier }

func (s pendingStore) AppendAnnouncements(ctx context.Context, rows []*storage.PendingAnnouncement) ([]bool, error) {
	out := make([]bool, len(rows))
	for i, r := range rows {
		tag, err := s.q.Exec(ctx, `INSERT INTO gossip_pending_announcements
			(owner_user_id, counter, data, received_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (owner_user_id, counter) DO NOTHING`,
			r.OwnerUserID, r.Counter, r.Data, r.ReceivedAt)
		if err != nil {
			return out, mapErr("append pending announcement", err)
		}
		out[i] = tag.RowsAffected() > 0
	}
	return out, nil
}

func (s pendingStore) ListAnnouncements(ctx context.Context, owner string) ([]*storage.PendingAnnouncement, error) {
	rows, err := s.q.Query(ctx, `SELECT id, owner_user_id, counter, data, received_at
		FROM gossip_pending_announcements WHERE owner_user_id=$1 ORDER BY id`, owner)
	if err != nil {
		return nil, mapErr("list pending announcements", err)
	}
	defer rows.Close()
	var out []*storage.PendingAnnouncement
	for rows.Next() {
		r := &storage.PendingAnnouncement{}
		if err := rows.Scan(&r.ID, &r.OwnerUserID, &r.Counter, &r.Data, &r.ReceivedAt); err != nil {
			return nil, mapErr("list pending announcements", err)
		}
		out = append(out, r)
	}
	return out, mapErr("list pending announcements", rows.Err())
}

func (s pendingStore) DeleteAnnouncements(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `DELETE FROM gossip_pending_announcements WHERE id = ANY($1)`, ids)
	return mapErr("delete pending announcements", err)
}

func (s pendingStore) AppendCiphertexts(ctx context.Context, rows []*storage.PendingCiphertext) ([]bool, error) {
	out := make([]bool, len(rows))
	for i, r := range rows {
		tag, err := s.q.Exec(ctx, `INSERT INTO gossip_pending_ciphertexts
			(owner_user_id, seeker, ciphertext, received_at) VALUES ($1,$2,$3,$4)
			ON CONFLICT (owner_user_id, seeker) DO NOTHING`,
			r.OwnerUserID, r.Seeker, r.Ciphertext, r.ReceivedAt)
		if err != nil {
			return out, mapErr("append pending ciphertext", err)
		}
		out[i] = tag.RowsAffected() > 0
	}
	return out, nil
}

func (s pendingStore) ListCiphertexts(ctx context.Context, owner string) ([]*storage.PendingCiphertext, error) {
	rows, err := s.q.Query(ctx, `SELECT id, owner_user_id, seeker, ciphertext, received_at
		FROM gossip_pending_ciphertexts WHERE owner_user_id=$1 ORDER BY id`, owner)
	if err != nil {
		return nil, mapErr("list pending ciphertexts", err)
	}
	defer rows.Close()
	var out []*storage.PendingCiphertext
	for rows.Next() {
		r := &storage.PendingCiphertext{}
		if err := rows.Scan(&r.ID, &r.OwnerUserID, &r.Seeker, &r.Ciphertext, &r.ReceivedAt); err != nil {
			return nil, mapErr("list pending ciphertexts", err)
		}
		out = append(out, r)
	}
	return out, mapErr("list pending ciphertexts", rows.Err())
}

func (s pendingStore) DeleteCiphertexts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `DELETE FROM gossip_pending_ciphertexts WHERE id = ANY($1)`, ids)
	return mapErr("delete pending ciphertexts", err)
}
