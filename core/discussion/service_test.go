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

package discussion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossip-chat/gossip/core/announce"
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

type fakeCrypto struct {
	statuses       map[string]ratchet.PeerStatus
	establishCalls int
	onEstablish    func()
}

func (f *fakeCrypto) key(p []byte) string { return storage.SeekerKey(p) }

func (f *fakeCrypto) EstablishOutgoingSession(peerPublicKeys, userData []byte) ([]byte, error) {
	f.establishCalls++
	if f.onEstablish != nil {
		f.onEstablish()
	}
	return []byte("announcement"), nil
}

func (f *fakeCrypto) FeedIncomingAnnouncement(data []byte) (*ratchet.IncomingAnnouncement, error) {
	return nil, nil
}

func (f *fakeCrypto) SendMessage(peerID, plaintext []byte) (*ratchet.Sealed, error) {
	return nil, nil
}

func (f *fakeCrypto) FeedIncomingMessageBoardRead(seeker, ciphertext []byte) (*ratchet.Opened, error) {
	return nil, nil
}

func (f *fakeCrypto) MessageBoardReadKeys() [][]byte                { return nil }
func (f *fakeCrypto) PeerSessionStatus(p []byte) ratchet.PeerStatus { return f.statuses[f.key(p)] }
func (f *fakeCrypto) Refresh() [][]byte                             { return nil }
func (f *fakeCrypto) ToEncryptedBlob(key []byte) ([]byte, error)    { return []byte("blob"), nil }

type fakeRelay struct {
	sendErr error
	sent    int
}

func (f *fakeRelay) SendAnnouncement(ctx context.Context, data []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent++
	return "1", nil
}

func (f *fakeRelay) FetchAnnouncements(ctx context.Context, limit int, cursor string) ([]transport.Announcement, error) {
	return nil, nil
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
	peerID  []byte
	contact string
	store   *memory.Store
	crypto  *fakeCrypto
	relay   *fakeRelay
	emitter *events.Emitter
	svc     *Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ownerID := make([]byte, identifier.UserIDSize)
	ownerID[0] = 0xaa
	peerID := make([]byte, identifier.UserIDSize)
	peerID[0] = 0xbb

	fx := &fixture{
		owner:   identifier.MustEncodeUserID(ownerID),
		peerID:  peerID,
		contact: identifier.MustEncodeUserID(peerID),
		store:   memory.NewStore(),
		crypto:  &fakeCrypto{statuses: make(map[string]ratchet.PeerStatus)},
		relay:   &fakeRelay{},
		emitter: events.NewEmitter(),
		clock:   time.Now(),
	}
	ctx := context.Background()
	require.NoError(t, fx.store.Profiles().Put(ctx, &storage.UserProfile{UserID: fx.owner, Username: "me"}))
	require.NoError(t, fx.store.Contacts().Create(ctx, &storage.Contact{
		OwnerUserID: fx.owner, ContactUserID: fx.contact, Name: "bob",
		PublicKeys: []byte("bob-keys"), CreatedAt: fx.clock.UnixMilli(),
	}))

	log := logger.Nop()
	met := metrics.NewCollector()
	ann := announce.NewService(fx.owner, fx.store, fx.crypto, fx.relay, fx.emitter, log, met, announce.Config{
		FetchLimit: 100, BrokenThreshold: 30 * time.Minute,
	})
	fx.svc = NewService(fx.owner, fx.store, fx.crypto, ann, fx.emitter, log, met, Config{
		KilledRetryDelay:    60 * time.Second,
		SaturatedRetryDelay: 60 * time.Second,
		Jitter:              2 * time.Second,
	})
	fx.svc.SetClock(func() time.Time { return fx.clock }, func() time.Duration { return 0 })
	return fx
}

func (fx *fixture) advance(d time.Duration) { fx.clock = fx.clock.Add(d) }

func (fx *fixture) discussion(t *testing.T) *storage.Discussion {
	t.Helper()
	d, err := fx.store.Discussions().Get(context.Background(), fx.owner, fx.contact)
	require.NoError(t, err)
	return d
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	res, err := fx.svc.Initialize(ctx, fx.contact, &InitializeOptions{Greeting: "Hi"})
	require.NoError(t, err)
	require.NotEmpty(t, res.DiscussionID)
	require.Equal(t, []byte("announcement"), res.Announcement)
	require.Equal(t, 1, fx.relay.sent)

	disc := fx.discussion(t)
	require.Equal(t, storage.DirectionInitiated, disc.Direction)
	require.Equal(t, storage.DiscussionPending, disc.Status)
	require.True(t, disc.WeAccepted)
	require.Equal(t, []byte("announcement"), disc.InitiationAnnouncement)
	require.Equal(t, "Hi", disc.AnnouncementMessage)

	t.Run("second initialize conflicts", func(t *testing.T) {
		_, err := fx.svc.Initialize(ctx, fx.contact, nil)
		require.True(t, errors.Is(err, errs.ErrAlreadyExists))
	})

	t.Run("unknown contact", func(t *testing.T) {
		_, err := fx.svc.Initialize(ctx, "gossip1nobody", nil)
		require.True(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestInitialize_TransportFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.relay.sendErr = fmt.Errorf("down: %w", errs.ErrNetwork)

	res, err := fx.svc.Initialize(ctx, fx.contact, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Announcement)

	disc := fx.discussion(t)
	require.Equal(t, storage.DiscussionSendFailed, disc.Status)
	require.NotNil(t, disc.SendAnnouncement)
	require.Equal(t, []byte("announcement"), disc.SendAnnouncement.Data)
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	require.NoError(t, fx.store.Discussions().Create(ctx, &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionReceived, Status: storage.DiscussionPending,
		CreatedAt: now, UpdatedAt: now,
	}))
	fx.crypto.statuses[fx.crypto.key(fx.peerID)] = ratchet.PeerRequested
	fx.crypto.onEstablish = func() {
		fx.crypto.statuses[fx.crypto.key(fx.peerID)] = ratchet.Active
	}

	var became []events.Event
	fx.emitter.Subscribe(events.SessionBecameActive, func(ev events.Event) { became = append(became, ev) })

	ann, err := fx.svc.Accept(ctx, fx.contact)
	require.NoError(t, err)
	require.Equal(t, []byte("announcement"), ann)

	disc := fx.discussion(t)
	require.True(t, disc.WeAccepted)
	require.Equal(t, storage.DiscussionActive, disc.Status)
	require.Len(t, became, 1)

	t.Run("accept again rejected", func(t *testing.T) {
		_, err := fx.svc.Accept(ctx, fx.contact)
		require.True(t, errors.Is(err, errs.ErrValidation))
	})
}

func TestAccept_RequiresPeerRequested(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	require.NoError(t, fx.store.Discussions().Create(ctx, &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionReceived, Status: storage.DiscussionPending,
		CreatedAt: now, UpdatedAt: now,
	}))
	fx.crypto.statuses[fx.crypto.key(fx.peerID)] = ratchet.NoSession

	_, err := fx.svc.Accept(ctx, fx.contact)
	require.True(t, errors.Is(err, errs.ErrValidation))
	require.Zero(t, fx.crypto.establishCalls)
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	require.NoError(t, fx.store.Discussions().Create(ctx, &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionActive,
		WeAccepted: true, CreatedAt: now, UpdatedAt: now,
	}))

	mk := func(status storage.MessageStatus, seeker string) int64 {
		id, err := fx.store.Messages().Create(ctx, &storage.Message{
			OwnerUserID: fx.owner, ContactUserID: fx.contact,
			Direction: storage.MessageOutgoing, Type: storage.TypeText,
			Status: status, Content: "c", Seeker: []byte(seeker),
			EncryptedMessage: []byte("ct"), Timestamp: now,
		})
		require.NoError(t, err)
		return id
	}
	sentID := mk(storage.StatusSent, "s-sent")
	deliveredID := mk(storage.StatusDelivered, "s-del")

	t.Run("prior active becomes reconnecting", func(t *testing.T) {
		fx.crypto.statuses[fx.crypto.key(fx.peerID)] = ratchet.SelfRequested
		ann, err := fx.svc.Renew(ctx, fx.contact)
		require.NoError(t, err)
		require.NotEmpty(t, ann)

		disc := fx.discussion(t)
		require.Equal(t, storage.DiscussionReconnecting, disc.Status)

		sent, err := fx.store.Messages().Get(ctx, sentID)
		require.NoError(t, err)
		require.Equal(t, storage.StatusWaitingSession, sent.Status)
		require.Empty(t, sent.Seeker)

		delivered, err := fx.store.Messages().Get(ctx, deliveredID)
		require.NoError(t, err)
		require.Equal(t, storage.StatusDelivered, delivered.Status)
		require.Equal(t, []byte("s-del"), delivered.Seeker)
	})

	t.Run("active crypto maps to active", func(t *testing.T) {
		fx.crypto.statuses[fx.crypto.key(fx.peerID)] = ratchet.Active
		_, err := fx.svc.Renew(ctx, fx.contact)
		require.NoError(t, err)
		require.Equal(t, storage.DiscussionActive, fx.discussion(t).Status)
	})

	t.Run("transport failure maps to send_failed", func(t *testing.T) {
		fx.relay.sendErr = fmt.Errorf("down: %w", errs.ErrNetwork)
		defer func() { fx.relay.sendErr = nil }()
		_, err := fx.svc.Renew(ctx, fx.contact)
		require.NoError(t, err)
		disc := fx.discussion(t)
		require.Equal(t, storage.DiscussionSendFailed, disc.Status)
		require.NotNil(t, disc.SendAnnouncement)
	})
}

func TestHandleSessionStatus_ActiveClearsRecovery(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	disc := &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionActive,
		WeAccepted:      true,
		SessionRecovery: &storage.SessionRecovery{KilledNextRetryAt: now + 1000},
		CreatedAt:       now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.Discussions().Create(ctx, disc))

	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Active))
	require.Nil(t, fx.discussion(t).SessionRecovery)
}

func TestHandleSessionStatus_KilledBackoff(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	disc := &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionActive,
		WeAccepted: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.Discussions().Create(ctx, disc))

	// First observation recovers immediately and schedules the next retry.
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Killed))
	require.Equal(t, 1, fx.crypto.establishCalls)
	rec := fx.discussion(t).SessionRecovery
	require.NotNil(t, rec)
	require.Equal(t, fx.clock.UnixMilli()+60_000, rec.KilledNextRetryAt)

	// Observations inside the backoff window do nothing.
	for _, offset := range []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second} {
		fx.advance(offset)
		disc = fx.discussion(t)
		require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Killed))
		require.Equal(t, 1, fx.crypto.establishCalls)
	}

	// Past the deadline, exactly one more attempt.
	fx.advance(15 * time.Second)
	disc = fx.discussion(t)
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Killed))
	require.Equal(t, 2, fx.crypto.establishCalls)

	t.Run("not accepted means no recovery", func(t *testing.T) {
		disc := fx.discussion(t)
		disc.WeAccepted = false
		require.NoError(t, fx.store.Discussions().Update(ctx, disc))
		require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Killed))
		require.Equal(t, 2, fx.crypto.establishCalls)
	})
}

func TestHandleSessionStatus_Saturated(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	now := fx.clock.UnixMilli()
	disc := &storage.Discussion{
		ID: "d1", OwnerUserID: fx.owner, ContactUserID: fx.contact,
		Direction: storage.DirectionInitiated, Status: storage.DiscussionActive,
		WeAccepted: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, fx.store.Discussions().Create(ctx, disc))

	// First observation only schedules.
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Saturated))
	require.Zero(t, fx.crypto.establishCalls)
	rec := fx.discussion(t).SessionRecovery
	require.NotNil(t, rec)
	require.Equal(t, now+60_000, rec.SaturatedRetryAt)
	require.False(t, rec.SaturatedRetryDone)

	// Before the deadline: nothing.
	fx.advance(30 * time.Second)
	disc = fx.discussion(t)
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Saturated))
	require.Zero(t, fx.crypto.establishCalls)

	// Past the deadline: exactly one attempt, then done.
	fx.advance(31 * time.Second)
	disc = fx.discussion(t)
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Saturated))
	require.Equal(t, 1, fx.crypto.establishCalls)
	require.True(t, fx.discussion(t).SessionRecovery.SaturatedRetryDone)

	disc = fx.discussion(t)
	require.NoError(t, fx.svc.HandleSessionStatus(ctx, disc, ratchet.Saturated))
	require.Equal(t, 1, fx.crypto.establishCalls)
}
