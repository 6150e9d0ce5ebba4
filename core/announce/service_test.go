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

package announce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/storage/memory"
	"github.com/gossip-chat/gossip/pkg/transport"
)

// fakeCrypto is a scripted SessionManager.
type fakeCrypto struct {
	statuses       map[string]ratchet.PeerStatus
	feeds          map[string]*ratchet.IncomingAnnouncement
	feedErr        map[string]error
	establishCalls int
	establishAnn   []byte
	// onEstablish lets a test flip statuses when the handshake answer goes out.
	onEstablish func()
}

func newFakeCrypto() *fakeCrypto {
	return &fakeCrypto{
		statuses:     make(map[string]ratchet.PeerStatus),
		feeds:        make(map[string]*ratchet.IncomingAnnouncement),
		feedErr:      make(map[string]error),
		establishAnn: []byte("handshake-announcement"),
	}
}

func (f *fakeCrypto) key(peerID []byte) string { return storage.SeekerKey(peerID) }

func (f *fakeCrypto) EstablishOutgoingSession(peerPublicKeys, userData []byte) ([]byte, error) {
	f.establishCalls++
	if f.onEstablish != nil {
		f.onEstablish()
	}
	return f.establishAnn, nil
}

func (f *fakeCrypto) FeedIncomingAnnouncement(data []byte) (*ratchet.IncomingAnnouncement, error) {
	if err := f.feedErr[string(data)]; err != nil {
		return nil, err
	}
	return f.feeds[string(data)], nil
}

func (f *fakeCrypto) SendMessage(peerID, plaintext []byte) (*ratchet.Sealed, error) {
	return nil, nil
}

func (f *fakeCrypto) FeedIncomingMessageBoardRead(seeker, ciphertext []byte) (*ratchet.Opened, error) {
	return nil, nil
}

func (f *fakeCrypto) MessageBoardReadKeys() [][]byte               { return nil }
func (f *fakeCrypto) PeerSessionStatus(p []byte) ratchet.PeerStatus { return f.statuses[f.key(p)] }
func (f *fakeCrypto) Refresh() [][]byte                             { return nil }
func (f *fakeCrypto) ToEncryptedBlob(key []byte) ([]byte, error)    { return []byte("blob"), nil }

// fakeRelay is a scripted MessageProtocol.
type fakeRelay struct {
	nextCounter int
	sendErr     error
	sent        [][]byte
	board       []transport.Announcement
}

func (f *fakeRelay) SendAnnouncement(ctx context.Context, data []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextCounter++
	f.sent = append(f.sent, data)
	return strconv.Itoa(f.nextCounter), nil
}

func (f *fakeRelay) FetchAnnouncements(ctx context.Context, limit int, cursor string) ([]transport.Announcement, error) {
	var out []transport.Announcement
	for _, a := range f.board {
		if cursor == "" || transport.CompareCounters(a.Counter, cursor) > 0 {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRelay) SendMessage(ctx context.Context, seeker, ciphertext []byte) error { return nil }
func (f *fakeRelay) FetchMessages(ctx context.Context, seekers [][]byte) ([]transport.BoardMessage, error) {
	return nil, nil
}
func (f *fakeRelay) FetchPublicKeyByUserID(ctx context.Context, userID []byte) (string, error) {
	return "", fmt.Errorf("no key: %w", errs.ErrNotFound)
}
func (f *fakeRelay) PostPublicKey(ctx context.Context, publicKey string) (string, error) {
	return "hash", nil
}

type fixture struct {
	owner   string
	store   *memory.Store
	crypto  *fakeCrypto
	relay   *fakeRelay
	emitter *events.Emitter
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ownerID := make([]byte, identifier.UserIDSize)
	ownerID[0] = 0xaa
	owner := identifier.MustEncodeUserID(ownerID)

	store := memory.NewStore()
	require.NoError(t, store.Profiles().Put(context.Background(), &storage.UserProfile{
		UserID: owner, Username: "me",
	}))

	crypto := newFakeCrypto()
	relay := &fakeRelay{}
	emitter := events.NewEmitter()
	svc := NewService(owner, store, crypto, relay, emitter, logger.Nop(), metrics.NewCollector(), Config{
		FetchLimit:      100,
		BrokenThreshold: 30 * time.Minute,
	})
	return &fixture{owner: owner, store: store, crypto: crypto, relay: relay, emitter: emitter, svc: svc}
}

// announcer fabricates an incoming announcement from a fresh peer.
func (fx *fixture) announcer(t *testing.T, seed byte, userData string) ([]byte, string, []byte) {
	t.Helper()
	peerID := make([]byte, identifier.UserIDSize)
	peerID[0] = seed
	peerID[1] = 0x01
	encoded := identifier.MustEncodeUserID(peerID)
	data := []byte("announcement-" + strconv.Itoa(int(seed)))
	fx.crypto.feeds[string(data)] = &ratchet.IncomingAnnouncement{
		AnnouncerPublicKeys: []byte("peer-keys"),
		AnnouncerUserID:     peerID,
		TimestampMs:         time.Now().UnixMilli(),
		UserData:            []byte(userData),
	}
	return peerID, encoded, data
}

func (fx *fixture) stage(t *testing.T, counter string, data []byte) {
	t.Helper()
	_, err := fx.store.Pending().AppendAnnouncements(context.Background(), []*storage.PendingAnnouncement{
		{OwnerUserID: fx.owner, Counter: counter, Data: data},
	})
	require.NoError(t, err)
}

func TestProcess_NewContactIsNotAutoAccepted(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	peerID, encoded, data := fx.announcer(t, 1, `{"u":"alice","m":"Hi"}`)
	fx.crypto.statuses[fx.crypto.key(peerID)] = ratchet.PeerRequested
	fx.stage(t, "5", data)

	var requests []events.Event
	fx.emitter.Subscribe(events.DiscussionRequest, func(ev events.Event) { requests = append(requests, ev) })

	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	contact, err := fx.store.Contacts().Get(ctx, fx.owner, encoded)
	require.NoError(t, err)
	require.Equal(t, "alice", contact.Name)

	disc, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
	require.NoError(t, err)
	require.Equal(t, storage.DirectionReceived, disc.Direction)
	require.Equal(t, storage.DiscussionPending, disc.Status)
	require.False(t, disc.WeAccepted)
	require.Equal(t, "Hi", disc.AnnouncementMessage)

	// The user has to accept; no handshake goes out on its own.
	require.Zero(t, fx.crypto.establishCalls)
	require.Len(t, requests, 1)

	t.Run("pending row deleted and cursor advanced", func(t *testing.T) {
		rows, err := fx.store.Pending().ListAnnouncements(ctx, fx.owner)
		require.NoError(t, err)
		require.Empty(t, rows)
		profile, err := fx.store.Profiles().Get(ctx, fx.owner)
		require.NoError(t, err)
		require.Equal(t, "5", profile.LastAnnouncementCursor)
	})
}

func TestProcess_KnownContactAutoAccepts(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	peerID, encoded, data := fx.announcer(t, 2, `{"u":"alice"}`)
	now := time.Now().UnixMilli()
	require.NoError(t, fx.store.Contacts().Create(ctx, &storage.Contact{
		OwnerUserID: fx.owner, ContactUserID: encoded, Name: "alice", CreatedAt: now,
	}))
	require.NoError(t, fx.store.Discussions().Create(ctx, &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: encoded,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionPending,
		WeAccepted: true, CreatedAt: now, UpdatedAt: now,
	}))

	fx.crypto.statuses[fx.crypto.key(peerID)] = ratchet.PeerRequested
	fx.crypto.onEstablish = func() {
		fx.crypto.statuses[fx.crypto.key(peerID)] = ratchet.Active
	}
	fx.stage(t, "9", data)

	var became []events.Event
	fx.emitter.Subscribe(events.SessionBecameActive, func(ev events.Event) { became = append(became, ev) })

	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	require.Equal(t, 1, fx.crypto.establishCalls)
	require.Len(t, fx.relay.sent, 1)
	require.Len(t, became, 1)

	disc, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
	require.NoError(t, err)
	require.Equal(t, storage.DiscussionActive, disc.Status)
	require.True(t, disc.WeAccepted)
}

func TestProcess_DuplicateAnnouncement(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	peerID, _, data := fx.announcer(t, 3, `{"u":"alice"}`)
	fx.crypto.statuses[fx.crypto.key(peerID)] = ratchet.PeerRequested

	// Once via the staging table, once via the board.
	fx.stage(t, "3", data)
	fx.relay.board = []transport.Announcement{{Counter: "4", Data: data}}

	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))
	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	contacts, err := fx.store.Contacts().List(ctx, fx.owner)
	require.NoError(t, err)
	require.Len(t, contacts, 1)

	discussions, err := fx.store.Discussions().List(ctx, fx.owner)
	require.NoError(t, err)
	require.Len(t, discussions, 1)

	profile, err := fx.store.Profiles().Get(ctx, fx.owner)
	require.NoError(t, err)
	require.Equal(t, "4", profile.LastAnnouncementCursor)
}

func TestProcess_NotForUsAndErrors(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	foreign := []byte("foreign-announcement")
	failing := []byte("failing-announcement")
	fx.crypto.feedErr[string(failing)] = fmt.Errorf("corrupt state: %w", errs.ErrCrypto)

	fx.stage(t, "1", foreign)
	fx.stage(t, "2", failing)

	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	rows, err := fx.store.Pending().ListAnnouncements(ctx, fx.owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "2", rows[0].Counter)

	// Cursor still advanced over the foreign row.
	profile, err := fx.store.Profiles().Get(ctx, fx.owner)
	require.NoError(t, err)
	require.Equal(t, "1", profile.LastAnnouncementCursor)
}

func TestProcess_FallbackNames(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	p1, _, d1 := fx.announcer(t, 4, "")
	p2, _, d2 := fx.announcer(t, 5, "")
	fx.crypto.statuses[fx.crypto.key(p1)] = ratchet.PeerRequested
	fx.crypto.statuses[fx.crypto.key(p2)] = ratchet.PeerRequested
	fx.stage(t, "1", d1)
	fx.stage(t, "2", d2)

	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	_, err := fx.store.Contacts().GetByName(ctx, fx.owner, "New Request 1")
	require.NoError(t, err)
	_, err = fx.store.Contacts().GetByName(ctx, fx.owner, "New Request 2")
	require.NoError(t, err)
}

func TestCursorMonotonicity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.svc.advanceCursor(ctx, "10"))
	require.NoError(t, fx.svc.advanceCursor(ctx, "7"))

	profile, err := fx.store.Profiles().Get(ctx, fx.owner)
	require.NoError(t, err)
	require.Equal(t, "10", profile.LastAnnouncementCursor)
}

func TestReentrancyGuard(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, _, data := fx.announcer(t, 6, "")
	fx.stage(t, "1", data)

	fx.svc.processing.Store(true)
	require.NoError(t, fx.svc.FetchAndProcessAnnouncements(ctx))

	// Nothing was processed while the guard was held.
	rows, err := fx.store.Pending().ListAnnouncements(ctx, fx.owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	fx.svc.processing.Store(false)
}

func TestResendAnnouncements(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	peerID := make([]byte, identifier.UserIDSize)
	peerID[0] = 7
	encoded := identifier.MustEncodeUserID(peerID)
	now := time.Now().UnixMilli()

	require.NoError(t, fx.store.Contacts().Create(ctx, &storage.Contact{
		OwnerUserID: fx.owner, ContactUserID: encoded, Name: "bob", CreatedAt: now,
	}))
	disc := &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: encoded,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionSendFailed,
		WeAccepted:             true,
		InitiationAnnouncement: []byte("initiation"),
		SendAnnouncement:       &storage.QueuedAnnouncement{Data: []byte("queued"), WhenToSend: now - 1000},
		CreatedAt:              now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.Discussions().Create(ctx, disc))

	t.Run("success maps self-requested to pending", func(t *testing.T) {
		fx.crypto.statuses[fx.crypto.key(peerID)] = ratchet.SelfRequested
		fx.svc.ResendAnnouncements(ctx, []*storage.Discussion{disc})

		fresh, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
		require.NoError(t, err)
		require.Equal(t, storage.DiscussionPending, fresh.Status)
		require.Nil(t, fresh.SendAnnouncement)
		require.Len(t, fx.relay.sent, 1)
	})

	t.Run("transport failure reschedules", func(t *testing.T) {
		disc.SendAnnouncement = &storage.QueuedAnnouncement{Data: []byte("queued"), WhenToSend: now - 1000}
		require.NoError(t, fx.store.Discussions().Update(ctx, disc))
		fx.relay.sendErr = fmt.Errorf("relay down: %w", errs.ErrNetwork)

		fx.svc.ResendAnnouncements(ctx, []*storage.Discussion{disc})

		fresh, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
		require.NoError(t, err)
		require.NotNil(t, fresh.SendAnnouncement)
		require.Greater(t, fresh.SendAnnouncement.WhenToSend, now)
		fx.relay.sendErr = nil
	})

	t.Run("stale discussion asks for renewal", func(t *testing.T) {
		stale := time.Now().Add(-time.Hour).UnixMilli()
		disc.SendAnnouncement = &storage.QueuedAnnouncement{Data: []byte("queued"), WhenToSend: stale}
		disc.UpdatedAt = stale
		require.NoError(t, fx.store.Discussions().Update(ctx, disc))

		var renewals []events.Event
		fx.emitter.Subscribe(events.SessionRenewalNeeded, func(ev events.Event) { renewals = append(renewals, ev) })

		reloaded, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
		require.NoError(t, err)
		fx.svc.ResendAnnouncements(ctx, []*storage.Discussion{reloaded})

		require.Len(t, renewals, 1)
		fresh, err := fx.store.Discussions().Get(ctx, fx.owner, encoded)
		require.NoError(t, err)
		require.Empty(t, fresh.InitiationAnnouncement)
	})
}

func TestEstablishSession(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	t.Run("success", func(t *testing.T) {
		res, err := fx.svc.EstablishSession(ctx, []byte("peer-keys"), EncodePayload("me", "hello"))
		require.NoError(t, err)
		require.True(t, res.Sent)
		require.Equal(t, []byte("handshake-announcement"), res.Announcement)
	})

	t.Run("empty announcement is a crypto failure", func(t *testing.T) {
		fx.crypto.establishAnn = nil
		defer func() { fx.crypto.establishAnn = []byte("handshake-announcement") }()
		_, err := fx.svc.EstablishSession(ctx, []byte("peer-keys"), nil)
		require.Error(t, err)
		require.True(t, errors.Is(err, errs.ErrCrypto))
	})

	t.Run("transport failure still returns the announcement", func(t *testing.T) {
		fx.relay.sendErr = fmt.Errorf("down: %w", errs.ErrNetwork)
		defer func() { fx.relay.sendErr = nil }()
		res, err := fx.svc.EstablishSession(ctx, []byte("peer-keys"), nil)
		require.Error(t, err)
		require.NotNil(t, res)
		require.False(t, res.Sent)
		require.NotEmpty(t, res.Announcement)
	})
}
