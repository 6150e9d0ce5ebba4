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

// Package message owns the outgoing queue state machine and the incoming
// reception loop.
//
// Outgoing rows move waiting_session -> ready -> sending -> sent ->
// delivered -> read, with failed reserved for permanent encryption
// refusals. Encryption happens once, at send time; retries reuse the
// ciphertext. A session renewal pushes undelivered rows back to
// waiting_session with their ciphertext cleared.
package message

import (
	"context"
	"fmt"
	"time"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/backoff"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/transport"
)

// Config bounds the queue and the reception loop.
type Config struct {
	RetryDelay         time.Duration
	RetryMaxDelay      time.Duration
	MaxFetchIterations int
}

// Service is the message subsystem for one owner.
type Service struct {
	owner   string
	store   storage.Store
	crypto  ratchet.SessionManager
	relay   transport.MessageProtocol
	log     logger.Logger
	met     *metrics.Collector
	cfg     Config
	persist func(ctx context.Context) error
	now     func() time.Time
}

// NewService creates the message service.
func NewService(owner string, store storage.Store, crypto ratchet.SessionManager,
	relay transport.MessageProtocol, log logger.Logger, met *metrics.Collector, cfg Config) *Service {
	return &Service{
		owner:  owner,
		store:  store,
		crypto: crypto,
		relay:  relay,
		log:    log.WithFields(logger.String("service", "message")),
		met:    met,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetPersistHook registers the session-state persistence callback.
func (s *Service) SetPersistHook(fn func(ctx context.Context) error) { s.persist = fn }

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) nowMs() int64 { return s.now().UnixMilli() }

func (s *Service) persistSessions(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	return s.persist(ctx)
}

// Send enqueues one outgoing text message. The row waits for the session
// regardless of its current state; the pipeline picks it up once Active.
func (s *Service) Send(ctx context.Context, contactUserID, content string) (*storage.Message, error) {
	if _, err := s.store.Discussions().Get(ctx, s.owner, contactUserID); err != nil {
		return nil, fmt.Errorf("send to %s: %w", contactUserID, err)
	}
	now := s.nowMs()
	msg := &storage.Message{
		OwnerUserID:   s.owner,
		ContactUserID: contactUserID,
		Direction:     storage.MessageOutgoing,
		Type:          storage.TypeText,
		Status:        storage.StatusWaitingSession,
		Content:       content,
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	id, err := s.store.Messages().Create(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// EnqueueKeepAlive adds a zero-content outgoing row for the peer unless
// something outgoing is already pending or unacknowledged.
func (s *Service) EnqueueKeepAlive(ctx context.Context, contactUserID string) (bool, error) {
	busy, err := s.store.Messages().HasUnfinishedOutgoing(ctx, s.owner, contactUserID)
	if err != nil {
		return false, err
	}
	if busy {
		return false, nil
	}
	now := s.nowMs()
	_, err = s.store.Messages().Create(ctx, &storage.Message{
		OwnerUserID:   s.owner,
		ContactUserID: contactUserID,
		Direction:     storage.MessageOutgoing,
		Type:          storage.TypeKeepAlive,
		Status:        storage.StatusWaitingSession,
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return false, err
	}
	s.met.KeepAlivesEnqueued.Inc()
	return true, nil
}

// ProcessSendQueue walks the per-peer queue in order: encrypts
// waiting_session rows, sends due ready rows, and stops at the first
// transport failure so the peer never observes reordering.
func (s *Service) ProcessSendQueue(ctx context.Context, contactUserID string) error {
	peerID, err := identifier.DecodeUserID(contactUserID)
	if err != nil {
		return fmt.Errorf("contact id: %w", err)
	}
	if s.crypto.PeerSessionStatus(peerID) != ratchet.Active {
		return nil
	}

	queue, err := s.store.Messages().ListOutgoingPending(ctx, s.owner, contactUserID)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}

	for _, msg := range queue {
		cont, err := s.processQueued(ctx, peerID, msg)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// processQueued advances one row. The bool result says whether the pipeline
// may move on to the next row.
func (s *Service) processQueued(ctx context.Context, peerID []byte, msg *storage.Message) (bool, error) {
	now := s.nowMs()

	if msg.Status == storage.StatusWaitingSession {
		sealed, err := s.crypto.SendMessage(peerID, []byte(msg.Content))
		if err != nil {
			// Permanent refusal: the row leaves the queue as failed.
			s.log.Error("encryption refused", logger.Any("message_id", msg.ID), logger.Error(err))
			msg.Status = storage.StatusFailed
			msg.UpdatedAt = now
			if updateErr := s.store.Messages().Update(ctx, msg); updateErr != nil {
				return false, updateErr
			}
			s.met.MessagesFailed.Inc()
			return true, nil
		}
		if sealed == nil {
			// Session not ready after all; retry next tick.
			return false, nil
		}
		if err := s.persistSessions(ctx); err != nil {
			return false, err
		}
		msg.Seeker = sealed.Seeker
		msg.EncryptedMessage = sealed.Ciphertext
		msg.Status = storage.StatusReady
		msg.WhenToSend = now
		msg.UpdatedAt = now
		if err := s.store.Messages().Update(ctx, msg); err != nil {
			return false, err
		}
	}

	if msg.WhenToSend > now {
		// A delayed row means its last attempt failed; later rows wait so
		// the peer never observes reordering.
		return false, nil
	}

	msg.Status = storage.StatusSending
	msg.UpdatedAt = now
	if err := s.store.Messages().Update(ctx, msg); err != nil {
		return false, err
	}

	if err := s.relay.SendMessage(ctx, msg.Seeker, msg.EncryptedMessage); err != nil {
		s.met.TransportErrors.Inc()
		if !errs.Retryable(err) {
			return false, err
		}
		delay := backoff.JitterFrac(
			backoff.Exponential(s.cfg.RetryDelay, msg.SendAttempts, s.cfg.RetryMaxDelay), 0.1)
		msg.Status = storage.StatusReady
		msg.SendAttempts++
		msg.WhenToSend = s.nowMs() + delay.Milliseconds()
		msg.UpdatedAt = s.nowMs()
		if updateErr := s.store.Messages().Update(ctx, msg); updateErr != nil {
			return false, updateErr
		}
		s.log.Warn("message send failed",
			logger.Any("message_id", msg.ID),
			logger.Int("attempts", msg.SendAttempts),
			logger.Duration("retry_in", delay),
			logger.Error(err))
		return false, nil
	}

	msg.Status = storage.StatusSent
	msg.UpdatedAt = s.nowMs()
	if err := s.store.Messages().Update(ctx, msg); err != nil {
		return false, err
	}
	s.met.MessagesSent.Inc()
	return true, nil
}

// ResetSendingMessages pushes rows stranded in sending back to
// waiting_session. The refresh driver calls it at the start of every tick,
// so rows stranded by a crash are reset on the first tick after restart:
// the ciphertext may or may not have reached the relay, and re-encrypting
// is safe because the receiver deduplicates by seeker.
func (s *Service) ResetSendingMessages(ctx context.Context) error {
	stranded, err := s.store.Messages().ListByStatus(ctx, s.owner, storage.StatusSending)
	if err != nil {
		return err
	}
	for _, msg := range stranded {
		msg.Status = storage.StatusWaitingSession
		msg.Seeker = nil
		msg.EncryptedMessage = nil
		msg.WhenToSend = 0
		msg.SendAttempts = 0
		msg.UpdatedAt = s.nowMs()
		if err := s.store.Messages().Update(ctx, msg); err != nil {
			return err
		}
	}
	if len(stranded) > 0 {
		s.log.Info("reset stranded messages", logger.Int("count", len(stranded)))
	}
	return nil
}

// ResetQueueForRenewal moves every not-yet-delivered outgoing row for the
// contact back to waiting_session and clears its ciphertext, inside the
// caller's transaction. Delivered and read rows are never touched.
func ResetQueueForRenewal(ctx context.Context, tx storage.Store, owner, contact string, now int64) error {
	for _, status := range []storage.MessageStatus{
		storage.StatusSending, storage.StatusReady, storage.StatusSent, storage.StatusFailed,
	} {
		rows, err := tx.Messages().ListByStatus(ctx, owner, status)
		if err != nil {
			return err
		}
		for _, msg := range rows {
			if msg.ContactUserID != contact || msg.Direction != storage.MessageOutgoing {
				continue
			}
			msg.Status = storage.StatusWaitingSession
			msg.Seeker = nil
			msg.EncryptedMessage = nil
			msg.WhenToSend = 0
			msg.SendAttempts = 0
			msg.UpdatedAt = now
			if err := tx.Messages().Update(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarkRead promotes one delivered row to read.
func (s *Service) MarkRead(ctx context.Context, messageID int64) error {
	msg, err := s.store.Messages().Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != storage.StatusDelivered {
		return fmt.Errorf("message %d is %s, not delivered: %w", messageID, msg.Status, errs.ErrValidation)
	}
	msg.Status = storage.StatusRead
	msg.UpdatedAt = s.nowMs()
	return s.store.Messages().Update(ctx, msg)
}

// MarkDiscussionRead zeroes the unread counter of a discussion.
func (s *Service) MarkDiscussionRead(ctx context.Context, contactUserID string) error {
	return s.store.RunInTx(ctx, func(tx storage.Store) error {
		disc, err := tx.Discussions().Get(ctx, s.owner, contactUserID)
		if err != nil {
			return err
		}
		if disc.UnreadCount == 0 {
			return nil
		}
		disc.UnreadCount = 0
		disc.UpdatedAt = s.nowMs()
		return tx.Discussions().Update(ctx, disc)
	})
}
