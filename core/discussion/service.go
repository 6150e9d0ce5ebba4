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

// Package discussion binds a contact to a session lifecycle: opening,
// accepting and renewing conversations, and reconciling discussion status
// with the crypto layer's session status every tick.
package discussion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gossip-chat/gossip/core/announce"
	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/message"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/backoff"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// Config bounds session recovery.
type Config struct {
	KilledRetryDelay    time.Duration
	SaturatedRetryDelay time.Duration
	Jitter              time.Duration
	ResendDelay         time.Duration
}

// Service is the discussion subsystem for one owner.
type Service struct {
	owner   string
	store   storage.Store
	crypto  ratchet.SessionManager
	ann     *announce.Service
	emitter *events.Emitter
	log     logger.Logger
	met     *metrics.Collector
	cfg     Config
	now     func() time.Time
	jitter  func() time.Duration
}

// NewService creates the discussion service.
func NewService(owner string, store storage.Store, crypto ratchet.SessionManager,
	ann *announce.Service, emitter *events.Emitter,
	log logger.Logger, met *metrics.Collector, cfg Config) *Service {
	if cfg.ResendDelay == 0 {
		cfg.ResendDelay = 30 * time.Second
	}
	s := &Service{
		owner:   owner,
		store:   store,
		crypto:  crypto,
		ann:     ann,
		emitter: emitter,
		log:     log.WithFields(logger.String("service", "discussion")),
		met:     met,
		cfg:     cfg,
		now:     time.Now,
	}
	s.jitter = func() time.Duration { return backoff.Jitter(cfg.Jitter) }
	return s
}

// SetClock overrides the time and jitter sources. Tests only.
func (s *Service) SetClock(now func() time.Time, jitter func() time.Duration) {
	s.now = now
	if jitter != nil {
		s.jitter = jitter
	}
}

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

// InitializeOptions carries the optional self-introduction.
type InitializeOptions struct {
	Username string
	Greeting string
}

// InitializeResult reports a created discussion.
type InitializeResult struct {
	DiscussionID string
	Announcement []byte
}

// Initialize opens a conversation with an existing contact: creates the
// discussion, establishes the outgoing session and sends the announcement.
// A transport failure leaves the discussion in send_failed with the
// announcement queued for the refresh driver.
func (s *Service) Initialize(ctx context.Context, contactUserID string, opts *InitializeOptions) (*InitializeResult, error) {
	contact, err := s.store.Contacts().Get(ctx, s.owner, contactUserID)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if _, err := s.store.Discussions().Get(ctx, s.owner, contactUserID); err == nil {
		return nil, fmt.Errorf("initialize %s: discussion %w", contactUserID, errs.ErrAlreadyExists)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	username, greeting := s.introduction(ctx, opts)
	res, err := s.ann.EstablishSession(ctx, contact.PublicKeys, announce.EncodePayload(username, greeting))
	if err != nil && res == nil {
		return nil, fmt.Errorf("initialize %s: %w", contactUserID, err)
	}

	now := s.nowMs()
	disc := &storage.Discussion{
		ID:                  identifier.NewID(),
		OwnerUserID:         s.owner,
		ContactUserID:       contactUserID,
		Direction:           storage.DirectionInitiated,
		Status:              storage.DiscussionPending,
		WeAccepted:          true,
		AnnouncementMessage: greeting,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if res.Sent {
		disc.InitiationAnnouncement = res.Announcement
	} else {
		disc.Status = storage.DiscussionSendFailed
		disc.SendAnnouncement = &storage.QueuedAnnouncement{
			Data:       res.Announcement,
			WhenToSend: now + s.cfg.ResendDelay.Milliseconds(),
		}
	}
	if err := s.store.Discussions().Create(ctx, disc); err != nil {
		return nil, err
	}
	s.emitStatus(disc, "", disc.Status)
	return &InitializeResult{DiscussionID: disc.ID, Announcement: res.Announcement}, nil
}

// Accept answers a peer-requested discussion with our half of the
// handshake.
func (s *Service) Accept(ctx context.Context, contactUserID string) ([]byte, error) {
	disc, err := s.store.Discussions().Get(ctx, s.owner, contactUserID)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	if disc.Status != storage.DiscussionPending && disc.Status != storage.DiscussionReceived {
		return nil, fmt.Errorf("accept %s: status is %s: %w", contactUserID, disc.Status, errs.ErrValidation)
	}
	peerID, err := identifier.DecodeUserID(contactUserID)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	if st := s.crypto.PeerSessionStatus(peerID); st != ratchet.PeerRequested {
		return nil, fmt.Errorf("accept %s: session is %s: %w", contactUserID, st, errs.ErrValidation)
	}
	contact, err := s.store.Contacts().Get(ctx, s.owner, contactUserID)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}

	username, _ := s.introduction(ctx, nil)
	res, err := s.ann.EstablishSession(ctx, contact.PublicKeys, announce.EncodePayload(username, ""))
	if err != nil && res == nil {
		return nil, fmt.Errorf("accept %s: %w", contactUserID, err)
	}

	err = s.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, txErr := tx.Discussions().Get(ctx, s.owner, contactUserID)
		if txErr != nil {
			return txErr
		}
		now := s.nowMs()
		fresh.WeAccepted = true
		old := fresh.Status
		if res.Sent {
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
			if s.crypto.PeerSessionStatus(peerID) == ratchet.Active {
				fresh.Status = storage.DiscussionActive
			}
		} else {
			fresh.Status = storage.DiscussionSendFailed
			fresh.SendAnnouncement = &storage.QueuedAnnouncement{
				Data:       res.Announcement,
				WhenToSend: now + s.cfg.ResendDelay.Milliseconds(),
			}
		}
		fresh.UpdatedAt = now
		*disc = *fresh
		if old != fresh.Status {
			s.emitStatus(fresh, old, fresh.Status)
		}
		return tx.Discussions().Update(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	if disc.Status == storage.DiscussionActive {
		s.emitter.Emit(events.Event{
			Type:          events.SessionBecameActive,
			OwnerUserID:   s.owner,
			ContactUserID: contactUserID,
			Discussion:    disc,
		})
	}
	return res.Announcement, nil
}

// Renew forces a fresh outgoing session even over an active one. Every
// outgoing message not yet delivered goes back to waiting_session with its
// ciphertext cleared; delivered and read rows are untouched.
func (s *Service) Renew(ctx context.Context, contactUserID string) ([]byte, error) {
	disc, err := s.store.Discussions().Get(ctx, s.owner, contactUserID)
	if err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}
	contact, err := s.store.Contacts().Get(ctx, s.owner, contactUserID)
	if err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}
	peerID, err := identifier.DecodeUserID(contactUserID)
	if err != nil {
		return nil, fmt.Errorf("renew: %w", err)
	}
	priorStatus := disc.Status

	username, _ := s.introduction(ctx, nil)
	res, err := s.ann.EstablishSession(ctx, contact.PublicKeys, announce.EncodePayload(username, ""))
	if err != nil && res == nil {
		return nil, fmt.Errorf("renew %s: %w", contactUserID, err)
	}

	err = s.store.RunInTx(ctx, func(tx storage.Store) error {
		now := s.nowMs()
		if txErr := message.ResetQueueForRenewal(ctx, tx, s.owner, contactUserID, now); txErr != nil {
			return txErr
		}
		fresh, txErr := tx.Discussions().Get(ctx, s.owner, contactUserID)
		if txErr != nil {
			return txErr
		}
		old := fresh.Status
		fresh.WeAccepted = true
		fresh.SessionRecovery = nil
		switch {
		case !res.Sent:
			fresh.Status = storage.DiscussionSendFailed
			fresh.SendAnnouncement = &storage.QueuedAnnouncement{
				Data:       res.Announcement,
				WhenToSend: now + s.cfg.ResendDelay.Milliseconds(),
			}
		case s.crypto.PeerSessionStatus(peerID) == ratchet.Active:
			fresh.Status = storage.DiscussionActive
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
		case priorStatus == storage.DiscussionActive:
			fresh.Status = storage.DiscussionReconnecting
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
		default:
			fresh.Status = storage.DiscussionPending
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
		}
		fresh.UpdatedAt = now
		*disc = *fresh
		if old != fresh.Status {
			s.emitStatus(fresh, old, fresh.Status)
		}
		return tx.Discussions().Update(ctx, fresh)
	})
	if err != nil {
		return nil, err
	}
	return res.Announcement, nil
}

// introduction resolves the username/greeting pair to announce with.
func (s *Service) introduction(ctx context.Context, opts *InitializeOptions) (string, string) {
	username, greeting := "", ""
	if opts != nil {
		username, greeting = opts.Username, opts.Greeting
	}
	if username == "" {
		if profile, err := s.store.Profiles().Get(ctx, s.owner); err == nil {
			username = profile.Username
		}
	}
	return username, greeting
}

func (s *Service) emitStatus(disc *storage.Discussion, from, to storage.DiscussionStatus) {
	s.emitter.Emit(events.Event{
		Type:          events.DiscussionStatusChanged,
		OwnerUserID:   s.owner,
		ContactUserID: disc.ContactUserID,
		Discussion:    disc,
		OldStatus:     from,
		NewStatus:     to,
	})
}
