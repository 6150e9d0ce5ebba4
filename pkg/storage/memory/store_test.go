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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/pkg/storage"
)

const owner = "gossip1owner"

func TestContacts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	c := &storage.Contact{OwnerUserID: owner, ContactUserID: "gossip1bob", Name: "Bob", CreatedAt: 1}
	require.NoError(t, s.Contacts().Create(ctx, c))

	t.Run("duplicate id rejected", func(t *testing.T) {
		err := s.Contacts().Create(ctx, &storage.Contact{OwnerUserID: owner, ContactUserID: "gossip1bob", Name: "Other"})
		require.True(t, errors.Is(err, errs.ErrAlreadyExists))
	})

	t.Run("name unique case-insensitively", func(t *testing.T) {
		err := s.Contacts().Create(ctx, &storage.Contact{OwnerUserID: owner, ContactUserID: "gossip1carol", Name: "bOb"})
		require.True(t, errors.Is(err, errs.ErrAlreadyExists))
	})

	t.Run("lookup by name", func(t *testing.T) {
		got, err := s.Contacts().GetByName(ctx, owner, "BOB")
		require.NoError(t, err)
		require.Equal(t, "gossip1bob", got.ContactUserID)
	})

	t.Run("rename frees the old name", func(t *testing.T) {
		c.Name = "Bobby"
		require.NoError(t, s.Contacts().Update(ctx, c))
		_, err := s.Contacts().GetByName(ctx, owner, "Bob")
		require.True(t, errors.Is(err, errs.ErrNotFound))
		require.NoError(t, s.Contacts().Create(ctx,
			&storage.Contact{OwnerUserID: owner, ContactUserID: "gossip1carol", Name: "Bob", CreatedAt: 2}))
	})

	t.Run("returned rows are copies", func(t *testing.T) {
		got, err := s.Contacts().Get(ctx, owner, "gossip1bob")
		require.NoError(t, err)
		got.Name = "Mutated"
		again, err := s.Contacts().Get(ctx, owner, "gossip1bob")
		require.NoError(t, err)
		require.Equal(t, "Bobby", again.Name)
	})
}

func TestDiscussions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	d := &storage.Discussion{
		ID: "disc-1", OwnerUserID: owner, ContactUserID: "gossip1bob",
		Direction: storage.DirectionInitiated, Status: storage.DiscussionPending,
	}
	require.NoError(t, s.Discussions().Create(ctx, d))

	err := s.Discussions().Create(ctx, &storage.Discussion{ID: "disc-2", OwnerUserID: owner, ContactUserID: "gossip1bob"})
	require.True(t, errors.Is(err, errs.ErrAlreadyExists))

	byID, err := s.Discussions().GetByID(ctx, "disc-1")
	require.NoError(t, err)
	require.Equal(t, "gossip1bob", byID.ContactUserID)

	d.Status = storage.DiscussionActive
	require.NoError(t, s.Discussions().Update(ctx, d))
	got, err := s.Discussions().Get(ctx, owner, "gossip1bob")
	require.NoError(t, err)
	require.Equal(t, storage.DiscussionActive, got.Status)
}

func TestMessages_SeekerUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	seeker := []byte{1, 2, 3}
	first := &storage.Message{
		OwnerUserID: owner, ContactUserID: "gossip1bob",
		Direction: storage.MessageIncoming, Type: storage.TypeText,
		Status: storage.StatusDelivered, Seeker: seeker, Timestamp: 10,
	}
	id, err := s.Messages().Create(ctx, first)
	require.NoError(t, err)
	require.Positive(t, id)

	_, err = s.Messages().Create(ctx, &storage.Message{
		OwnerUserID: owner, ContactUserID: "gossip1bob",
		Direction: storage.MessageIncoming, Seeker: seeker, Timestamp: 11,
	})
	require.True(t, errors.Is(err, errs.ErrAlreadyExists))

	// The same seeker under another contact is fine.
	_, err = s.Messages().Create(ctx, &storage.Message{
		OwnerUserID: owner, ContactUserID: "gossip1carol",
		Direction: storage.MessageIncoming, Seeker: seeker, Timestamp: 12,
	})
	require.NoError(t, err)
}

func TestMessages_QueueOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	mk := func(ts int64, status storage.MessageStatus) int64 {
		id, err := s.Messages().Create(ctx, &storage.Message{
			OwnerUserID: owner, ContactUserID: "gossip1bob",
			Direction: storage.MessageOutgoing, Type: storage.TypeText,
			Status: status, Timestamp: ts,
		})
		require.NoError(t, err)
		return id
	}

	mk(30, storage.StatusReady)
	mk(10, storage.StatusWaitingSession)
	mk(20, storage.StatusWaitingSession)
	mk(5, storage.StatusSent) // not pending

	queue, err := s.Messages().ListOutgoingPending(ctx, owner, "gossip1bob")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	require.Equal(t, int64(10), queue[0].Timestamp)
	require.Equal(t, int64(20), queue[1].Timestamp)
	require.Equal(t, int64(30), queue[2].Timestamp)

	busy, err := s.Messages().HasUnfinishedOutgoing(ctx, owner, "gossip1bob")
	require.NoError(t, err)
	require.True(t, busy)
}

func TestRunInTx_Atomicity(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Profiles().Put(ctx, &storage.UserProfile{UserID: owner, Username: "me"}))

	err := s.RunInTx(ctx, func(tx storage.Store) error {
		if err := tx.Contacts().Create(ctx, &storage.Contact{
			OwnerUserID: owner, ContactUserID: "gossip1bob", Name: "Bob",
		}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, err = s.Contacts().Get(ctx, owner, "gossip1bob")
	require.True(t, errors.Is(err, errs.ErrNotFound))

	t.Run("commit keeps both writes", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx storage.Store) error {
			if err := tx.Contacts().Create(ctx, &storage.Contact{
				OwnerUserID: owner, ContactUserID: "gossip1bob", Name: "Bob",
			}); err != nil {
				return err
			}
			return tx.Discussions().Create(ctx, &storage.Discussion{
				ID: "d1", OwnerUserID: owner, ContactUserID: "gossip1bob",
			})
		})
		require.NoError(t, err)
		_, err = s.Contacts().Get(ctx, owner, "gossip1bob")
		require.NoError(t, err)
		_, err = s.Discussions().Get(ctx, owner, "gossip1bob")
		require.NoError(t, err)
	})

	t.Run("nested tx joins", func(t *testing.T) {
		err := s.RunInTx(ctx, func(tx storage.Store) error {
			return tx.RunInTx(ctx, func(inner storage.Store) error {
				return inner.Profiles().Put(ctx, &storage.UserProfile{UserID: owner, Username: "renamed"})
			})
		})
		require.NoError(t, err)
		p, err := s.Profiles().Get(ctx, owner)
		require.NoError(t, err)
		require.Equal(t, "renamed", p.Username)
	})
}

func TestPendingTables(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rows := []*storage.PendingAnnouncement{
		{OwnerUserID: owner, Counter: "1", Data: []byte("a")},
		{OwnerUserID: owner, Counter: "2", Data: []byte("b")},
		{OwnerUserID: owner, Counter: "1", Data: []byte("a-again")},
	}
	inserted, err := s.Pending().AppendAnnouncements(ctx, rows)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false}, inserted)

	listed, err := s.Pending().ListAnnouncements(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "1", listed[0].Counter)
	require.Equal(t, "2", listed[1].Counter)

	require.NoError(t, s.Pending().DeleteAnnouncements(ctx, []int64{listed[0].ID}))
	listed, err = s.Pending().ListAnnouncements(ctx, owner)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	t.Run("ciphertexts dedup by seeker", func(t *testing.T) {
		ct := []*storage.PendingCiphertext{
			{OwnerUserID: owner, Seeker: []byte{9}, Ciphertext: []byte("x")},
			{OwnerUserID: owner, Seeker: []byte{9}, Ciphertext: []byte("x")},
		}
		inserted, err := s.Pending().AppendCiphertexts(ctx, ct)
		require.NoError(t, err)
		require.Equal(t, []bool{true, false}, inserted)
	})
}
