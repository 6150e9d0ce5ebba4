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

// Package memory implements storage.Store with in-memory tables.
// Transactions run against a cloned table set that is swapped in on commit,
// so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sync"

	"github.com/gossip-chat/gossip/pkg/storage"
)

// Store implements the storage.Store interface with in-memory tables.
type Store struct {
	mu sync.RWMutex
	d  *data
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{d: newData()}
}

// Profiles returns the profile table.
func (s *Store) Profiles() storage.ProfileStore { return profileStore{s} }

// Contacts returns the contact table.
func (s *Store) Contacts() storage.ContactStore { return contactStore{s} }

// Discussions returns the discussion table.
func (s *Store) Discussions() storage.DiscussionStore { return discussionStore{s} }

// Messages returns the message table.
func (s *Store) Messages() storage.MessageStore { return messageStore{s} }

// Pending returns the staging tables.
func (s *Store) Pending() storage.PendingStore { return pendingStore{s} }

// RunInTx clones the table set, applies fn to the clone and swaps it in on
// success. Rows are never mutated in place, so a shallow map clone is enough.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(&txStore{d: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close releases nothing for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) read(fn func(d *data) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.d)
}

func (s *Store) write(fn func(d *data) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.d)
}

// txStore is the view handed to RunInTx callbacks. It operates on the cloned
// table set without locking; the outer Store holds the write lock for the
// whole transaction.
type txStore struct {
	d *data
}

func (t *txStore) Profiles() storage.ProfileStore       { return profileStore{t} }
func (t *txStore) Contacts() storage.ContactStore       { return contactStore{t} }
func (t *txStore) Discussions() storage.DiscussionStore { return discussionStore{t} }
func (t *txStore) Messages() storage.MessageStore       { return messageStore{t} }
func (t *txStore) Pending() storage.PendingStore        { return pendingStore{t} }

// RunInTx joins the outer transaction.
func (t *txStore) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return nil }
func (t *txStore) Close() error                   { return nil }

func (t *txStore) read(fn func(d *data) error) error  { return fn(t.d) }
func (t *txStore) write(fn func(d *data) error) error { return fn(t.d) }

// view is what substores run against: the locked Store or an open txStore.
type view interface {
	read(fn func(d *data) error) error
	write(fn func(d *data) error) error
}
