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

// Package announce ingests announcement-board traffic and establishes
// outgoing sessions.
package announce

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/transport"
)

// Config bounds announcement processing.
type Config struct {
	FetchLimit      int
	BrokenThreshold time.Duration
	ResendDelay     time.Duration
}

// Service is the announcement subsystem for one owner.
type Service struct {
	owner   string
	store   storage.Store
	crypto  ratchet.SessionManager
	relay   transport.MessageProtocol
	emitter *events.Emitter
	log     logger.Logger
	met     *metrics.Collector
	cfg     Config

	// persist, when set, is called after the crypto layer mutates session
	// state so the encrypted blob lands next to the relational rows.
	persist func(ctx context.Context) error

	processing atomic.Bool
	now        func() time.Time
}

// NewService creates the announcement service.
func NewService(owner string, store storage.Store, crypto ratchet.SessionManager,
	relay transport.MessageProtocol, emitter *events.Emitter,
	log logger.Logger, met *metrics.Collector, cfg Config) *Service {
	if cfg.ResendDelay == 0 {
		cfg.ResendDelay = 30 * time.Second
	}
	return &Service{
		owner:   owner,
		store:   store,
		crypto:  crypto,
		relay:   relay,
		emitter: emitter,
		log:     log.WithFields(logger.String("service", "announce")),
		met:     met,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetPersistHook registers the session-state persistence callback.
func (s *Service) SetPersistHook(fn func(ctx context.Context) error) { s.persist = fn }

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

// SendAnnouncement writes one announcement to the relay and returns the
// assigned counter.
func (s *Service) SendAnnouncement(ctx context.Context, data []byte) (string, error) {
	counter, err := s.relay.SendAnnouncement(ctx, data)
	if err != nil {
		s.met.TransportErrors.Inc()
		return "", err
	}
	s.met.AnnouncementsSent.Inc()
	return counter, nil
}

// EstablishResult reports what EstablishSession accomplished.
type EstablishResult struct {
	Announcement []byte
	Sent         bool
}

// EstablishSession asks the crypto layer for an announcement targeting the
// peer, persists the session state, and sends the announcement. A transport
// failure still returns the announcement so the caller can queue a resend.
func (s *Service) EstablishSession(ctx context.Context, peerPublicKeys, userData []byte) (*EstablishResult, error) {
	ann, err := s.crypto.EstablishOutgoingSession(peerPublicKeys, userData)
	if err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}
	if len(ann) == 0 {
		return nil, fmt.Errorf("establish session: crypto returned no announcement: %w", errs.ErrCrypto)
	}
	if s.persist != nil {
		if err := s.persist(ctx); err != nil {
			return nil, fmt.Errorf("persist session state: %w", err)
		}
	}
	if _, err := s.SendAnnouncement(ctx, ann); err != nil {
		return &EstablishResult{Announcement: ann, Sent: false}, err
	}
	return &EstablishResult{Announcement: ann, Sent: true}, nil
}

// FetchAndProcessAnnouncements drains the pending staging table, then pages
// the announcement board from the stored cursor. Only one invocation runs
// at a time; overlapping calls are successful no-ops.
func (s *Service) FetchAndProcessAnnouncements(ctx context.Context) error {
	if !s.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.processing.Store(false)

	profile, err := s.store.Profiles().Get(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	cursor := profile.LastAnnouncementCursor

	pending, err := s.store.Pending().ListAnnouncements(ctx, s.owner)
	if err != nil {
		return fmt.Errorf("list pending announcements: %w", err)
	}
	if len(pending) > 0 {
		maxCounter := cursor
		var done []int64
		for _, row := range pending {
			if err := s.processOne(ctx, row.Data); err != nil {
				s.log.Warn("pending announcement kept for retry",
					logger.String("counter", row.Counter), logger.Error(err))
				continue
			}
			done = append(done, row.ID)
			if row.Counter != "" && transport.CompareCounters(row.Counter, maxCounter) > 0 {
				maxCounter = row.Counter
			}
		}
		if len(done) > 0 {
			if err := s.store.Pending().DeleteAnnouncements(ctx, done); err != nil {
				return fmt.Errorf("delete pending announcements: %w", err)
			}
		}
		return s.advanceCursor(ctx, maxCounter)
	}

	fetched, err := s.relay.FetchAnnouncements(ctx, s.cfg.FetchLimit, cursor)
	if err != nil {
		s.met.TransportErrors.Inc()
		return err
	}
	maxCounter := cursor
	for _, a := range fetched {
		if err := s.processOne(ctx, a.Data); err != nil {
			s.log.Warn("announcement processing stopped",
				logger.String("counter", a.Counter), logger.Error(err))
			break
		}
		if transport.CompareCounters(a.Counter, maxCounter) > 0 {
			maxCounter = a.Counter
		}
	}
	return s.advanceCursor(ctx, maxCounter)
}

// advanceCursor persists the announcement cursor. It never moves backwards.
func (s *Service) advanceCursor(ctx context.Context, counter string) error {
	if counter == "" {
		return nil
	}
	return s.store.RunInTx(ctx, func(tx storage.Store) error {
		profile, err := tx.Profiles().Get(ctx, s.owner)
		if err != nil {
			return err
		}
		if profile.LastAnnouncementCursor != "" &&
			transport.CompareCounters(counter, profile.LastAnnouncementCursor) <= 0 {
			return nil
		}
		profile.LastAnnouncementCursor = counter
		profile.UpdatedAt = s.nowMs()
		return tx.Profiles().Put(ctx, profile)
	})
}

// processOne feeds a single announcement through the crypto layer and
// applies the contact/discussion upsert rules. Announcements not addressed
// to us are a successful no-op.
func (s *Service) processOne(ctx context.Context, data []byte) error {
	inc, err := s.crypto.FeedIncomingAnnouncement(data)
	if err != nil {
		return fmt.Errorf("feed announcement: %w", err)
	}
	if inc == nil {
		return nil
	}
	s.met.AnnouncementsProcessed.Inc()
	if s.persist != nil {
		if err := s.persist(ctx); err != nil {
			return fmt.Errorf("persist session state: %w", err)
		}
	}

	username, greeting := DecodePayload(inc.UserData)
	contactID, err := identifier.EncodeUserID(inc.AnnouncerUserID)
	if err != nil {
		return fmt.Errorf("announcer id: %w", err)
	}
	contactLog := s.log.WithFields(logger.String("contact", contactID))

	existedBefore := true
	if _, err := s.store.Contacts().Get(ctx, s.owner, contactID); err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		existedBefore = false
	}

	var disc *storage.Discussion
	err = s.store.RunInTx(ctx, func(tx storage.Store) error {
		now := s.nowMs()
		if !existedBefore {
			if err := s.createContact(ctx, tx, contactID, username, inc.AnnouncerPublicKeys, now); err != nil {
				return err
			}
		} else {
			contact, err := tx.Contacts().Get(ctx, s.owner, contactID)
			if err != nil {
				return err
			}
			contact.PublicKeys = inc.AnnouncerPublicKeys
			contact.LastSeenAt = now
			contact.UpdatedAt = now
			if err := tx.Contacts().Update(ctx, contact); err != nil {
				return err
			}
		}

		existing, err := tx.Discussions().Get(ctx, s.owner, contactID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			disc = &storage.Discussion{
				ID:                  newDiscussionID(),
				OwnerUserID:         s.owner,
				ContactUserID:       contactID,
				Direction:           storage.DirectionReceived,
				Status:              storage.DiscussionPending,
				AnnouncementMessage: greeting,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			return tx.Discussions().Create(ctx, disc)
		case err != nil:
			return err
		}

		disc = existing
		if disc.Direction == storage.DirectionInitiated && disc.Status == storage.DiscussionPending {
			s.changeStatus(disc, storage.DiscussionActive)
		}
		if greeting != "" {
			disc.AnnouncementMessage = greeting
		}
		disc.UpdatedAt = now
		return tx.Discussions().Update(ctx, disc)
	})
	if err != nil {
		return err
	}

	s.emitter.Emit(events.Event{
		Type:          events.DiscussionRequest,
		OwnerUserID:   s.owner,
		ContactUserID: contactID,
		Discussion:    disc,
	})

	// Auto-accept only applies to contacts that predate this announcement:
	// a known peer re-announcing is session recovery, a brand-new contact
	// must be accepted by the user.
	if s.crypto.PeerSessionStatus(inc.AnnouncerUserID) == ratchet.PeerRequested &&
		existedBefore && disc.WeAccepted {
		contactLog.Info("auto-accepting recovery announcement")
		if err := s.answerAnnouncement(ctx, disc, inc.AnnouncerPublicKeys); err != nil {
			contactLog.Warn("auto-accept failed", logger.Error(err))
		}
	}

	if s.crypto.PeerSessionStatus(inc.AnnouncerUserID) == ratchet.Active {
		s.emitter.Emit(events.Event{
			Type:          events.SessionBecameActive,
			OwnerUserID:   s.owner,
			ContactUserID: contactID,
			Discussion:    disc,
		})
	}
	return nil
}

// answerAnnouncement sends our half of the handshake for an already
// accepted discussion.
func (s *Service) answerAnnouncement(ctx context.Context, disc *storage.Discussion, peerKeys []byte) error {
	profile, err := s.store.Profiles().Get(ctx, s.owner)
	if err != nil {
		return err
	}
	res, err := s.EstablishSession(ctx, peerKeys, EncodePayload(profile.Username, ""))
	if err != nil && res == nil {
		return err
	}

	return s.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, txErr := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
		if txErr != nil {
			return txErr
		}
		now := s.nowMs()
		fresh.WeAccepted = true
		if res.Sent {
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
			if s.crypto.PeerSessionStatus(mustDecode(disc.ContactUserID)) == ratchet.Active {
				s.changeStatus(fresh, storage.DiscussionActive)
			}
		} else {
			s.changeStatus(fresh, storage.DiscussionSendFailed)
			fresh.SendAnnouncement = &storage.QueuedAnnouncement{
				Data:       res.Announcement,
				WhenToSend: now + s.cfg.ResendDelay.Milliseconds(),
			}
		}
		fresh.UpdatedAt = now
		*disc = *fresh
		return tx.Discussions().Update(ctx, fresh)
	})
}

// ResendAnnouncements retries every queued announcement that is due.
func (s *Service) ResendAnnouncements(ctx context.Context, discussions []*storage.Discussion) {
	now := s.nowMs()
	for _, disc := range discussions {
		if disc.SendAnnouncement == nil || disc.SendAnnouncement.WhenToSend > now {
			continue
		}
		s.resendOne(ctx, disc)
	}
}

func (s *Service) resendOne(ctx context.Context, disc *storage.Discussion) {
	contactLog := s.log.WithFields(logger.String("contact", disc.ContactUserID))
	stale := s.cfg.BrokenThreshold > 0 &&
		s.nowMs()-disc.UpdatedAt > s.cfg.BrokenThreshold.Milliseconds()

	if _, err := s.SendAnnouncement(ctx, disc.SendAnnouncement.Data); err != nil {
		contactLog.Warn("announcement resend failed", logger.Error(err))
		if err := s.store.RunInTx(ctx, func(tx storage.Store) error {
			fresh, txErr := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
			if txErr != nil {
				return txErr
			}
			if fresh.SendAnnouncement != nil {
				fresh.SendAnnouncement.WhenToSend = s.nowMs() + s.cfg.ResendDelay.Milliseconds()
			}
			return tx.Discussions().Update(ctx, fresh)
		}); err != nil {
			contactLog.Warn("announcement retry reschedule failed", logger.Error(err))
		}
		return
	}

	err := s.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, txErr := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
		if txErr != nil {
			return txErr
		}
		fresh.SendAnnouncement = nil
		switch s.crypto.PeerSessionStatus(mustDecode(disc.ContactUserID)) {
		case ratchet.Active:
			s.changeStatus(fresh, storage.DiscussionActive)
		case ratchet.SelfRequested:
			s.changeStatus(fresh, storage.DiscussionPending)
		}
		fresh.UpdatedAt = s.nowMs()
		*disc = *fresh
		return tx.Discussions().Update(ctx, fresh)
	})
	if err != nil {
		contactLog.Warn("announcement resend bookkeeping failed", logger.Error(err))
		return
	}

	if stale && len(disc.InitiationAnnouncement) > 0 {
		if err := s.store.RunInTx(ctx, func(tx storage.Store) error {
			fresh, txErr := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
			if txErr != nil {
				return txErr
			}
			fresh.InitiationAnnouncement = nil
			fresh.UpdatedAt = s.nowMs()
			return tx.Discussions().Update(ctx, fresh)
		}); err != nil {
			contactLog.Warn("stale initiation cleanup failed", logger.Error(err))
			return
		}
		s.emitter.Emit(events.Event{
			Type:          events.SessionRenewalNeeded,
			OwnerUserID:   s.owner,
			ContactUserID: disc.ContactUserID,
			Discussion:    disc,
		})
	}
}

// changeStatus flips a discussion status and emits the change event.
func (s *Service) changeStatus(disc *storage.Discussion, to storage.DiscussionStatus) {
	if disc.Status == to {
		return
	}
	old := disc.Status
	disc.Status = to
	s.emitter.Emit(events.Event{
		Type:          events.DiscussionStatusChanged,
		OwnerUserID:   disc.OwnerUserID,
		ContactUserID: disc.ContactUserID,
		Discussion:    disc,
		OldStatus:     old,
		NewStatus:     to,
	})
}

// createContact inserts a contact for the announcer, falling back to a
// generated "New Request N" name on conflicts or missing usernames.
func (s *Service) createContact(ctx context.Context, tx storage.Store, contactID, username string, publicKeys []byte, now int64) error {
	name := strings.TrimSpace(username)
	if name != "" {
		_, err := tx.Contacts().GetByName(ctx, s.owner, name)
		switch {
		case err == nil:
			// Taken; fall through to a generated name.
			name = ""
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
	}
	if name == "" {
		var err error
		name, err = s.nextRequestName(ctx, tx)
		if err != nil {
			return err
		}
	}
	return tx.Contacts().Create(ctx, &storage.Contact{
		OwnerUserID:   s.owner,
		ContactUserID: contactID,
		Name:          name,
		PublicKeys:    publicKeys,
		LastSeenAt:    now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

const requestNamePrefix = "New Request "

// nextRequestName picks the smallest unused "New Request N".
func (s *Service) nextRequestName(ctx context.Context, tx storage.Store) (string, error) {
	contacts, err := tx.Contacts().List(ctx, s.owner)
	if err != nil {
		return "", err
	}
	used := make(map[int]bool)
	for _, c := range contacts {
		if !strings.HasPrefix(c.Name, requestNamePrefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(c.Name, requestNamePrefix)); err == nil && n > 0 {
			used[n] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return requestNamePrefix + strconv.Itoa(n), nil
}

func mustDecode(encoded string) []byte {
	raw, err := identifier.DecodeUserID(encoded)
	if err != nil {
		panic(fmt.Sprintf("stored user id %q is invalid: %v", encoded, err))
	}
	return raw
}

func newDiscussionID() string {
	return identifier.NewID()
}
