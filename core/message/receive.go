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

package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// FetchMessages drains the pending-ciphertext inbox, then polls the message
// board for every seeker the crypto layer is listening on. The seeker set
// shifts as messages are consumed, so the board poll iterates until the set
// is fixed or MaxFetchIterations is reached.
func (s *Service) FetchMessages(ctx context.Context) error {
	if err := s.drainPendingCiphertexts(ctx); err != nil {
		return err
	}

	fetched := make(map[string]bool)
	for iter := 0; iter < s.cfg.MaxFetchIterations; iter++ {
		var wanted [][]byte
		for _, seeker := range s.crypto.MessageBoardReadKeys() {
			if !fetched[storage.SeekerKey(seeker)] {
				wanted = append(wanted, seeker)
			}
		}
		if len(wanted) == 0 {
			return nil
		}

		msgs, err := s.relay.FetchMessages(ctx, wanted)
		if err != nil {
			s.met.TransportErrors.Inc()
			return err
		}
		for _, seeker := range wanted {
			fetched[storage.SeekerKey(seeker)] = true
		}
		if len(msgs) == 0 {
			return nil
		}

		decrypted := 0
		for _, m := range msgs {
			ok, err := s.handleBoardMessage(ctx, m.Seeker, m.Ciphertext)
			if err != nil {
				return err
			}
			if ok {
				decrypted++
			}
		}
		if decrypted == 0 {
			return nil
		}
	}
	return nil
}

// drainPendingCiphertexts processes the staged board entries in FIFO order,
// deduplicated by seeker. A row is kept for a later tick when handling it
// returns an error (such as a crypto feed error or a store failure); every other
// outcome deletes it, including an undecryptable ciphertext, which is stale
// or tampered and will never improve.
func (s *Service) drainPendingCiphertexts(ctx context.Context) error {
	rows, err := s.store.Pending().ListCiphertexts(ctx, s.owner)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var done []int64
	for _, row := range rows {
		key := storage.SeekerKey(row.Seeker)
		if !seen[key] {
			seen[key] = true
			if _, err := s.handleBoardMessage(ctx, row.Seeker, row.Ciphertext); err != nil {
				s.log.Warn("pending ciphertext kept for retry", logger.Error(err))
				continue
			}
		}
		done = append(done, row.ID)
	}
	if len(done) == 0 {
		return nil
	}
	return s.store.Pending().DeleteCiphertexts(ctx, done)
}

// handleBoardMessage decrypts one board entry and applies its effects: a
// new incoming row (unless it is a keep-alive or a replay) and the ack set.
// The bool result says whether the entry decrypted.
func (s *Service) handleBoardMessage(ctx context.Context, seeker, ciphertext []byte) (bool, error) {
	opened, err := s.crypto.FeedIncomingMessageBoardRead(seeker, ciphertext)
	if err != nil {
		return false, fmt.Errorf("feed board read: %w", err)
	}
	if opened == nil {
		// Stale, tampered or someone else's ciphertext.
		return false, nil
	}
	if err := s.persistSessions(ctx); err != nil {
		return true, err
	}

	senderID, err := identifier.EncodeUserID(opened.SenderUserID)
	if err != nil {
		return true, fmt.Errorf("sender id: %w", err)
	}

	if _, err := s.store.Discussions().Get(ctx, s.owner, senderID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.log.Debug("dropped message from unknown sender", logger.String("sender", senderID))
			return true, nil
		}
		return true, err
	}

	keepAlive := len(opened.Plaintext) == 0

	err = s.store.RunInTx(ctx, func(tx storage.Store) error {
		now := s.nowMs()

		if !keepAlive {
			if _, err := tx.Messages().FindBySeeker(ctx, s.owner, senderID, seeker); err == nil {
				// Replay; the first copy already did everything.
				return nil
			} else if !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			_, createErr := tx.Messages().Create(ctx, &storage.Message{
				OwnerUserID:   s.owner,
				ContactUserID: senderID,
				Direction:     storage.MessageIncoming,
				Type:          storage.TypeText,
				Status:        storage.StatusDelivered,
				Content:       string(opened.Plaintext),
				Seeker:        seeker,
				Timestamp:     opened.TimestampMs,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			if createErr != nil {
				return createErr
			}
			s.met.MessagesReceived.Inc()

			disc, err := tx.Discussions().Get(ctx, s.owner, senderID)
			if err != nil {
				return err
			}
			disc.UnreadCount++
			disc.UpdatedAt = now
			if err := tx.Discussions().Update(ctx, disc); err != nil {
				return err
			}
		}

		return s.applyAcks(ctx, tx, senderID, opened.AcknowledgedSeekers, now)
	})
	if err != nil {
		return true, err
	}
	return true, nil
}

// applyAcks flips acknowledged outgoing rows to delivered. Seekers that
// match nothing (or rows already past sent) are ignored, so replayed ack
// sets are no-ops.
func (s *Service) applyAcks(ctx context.Context, tx storage.Store, contactUserID string, acked [][]byte, now int64) error {
	for _, seeker := range acked {
		msg, err := tx.Messages().FindOutgoingBySeeker(ctx, s.owner, contactUserID, seeker)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if msg.Status != storage.StatusSent && msg.Status != storage.StatusSending &&
			msg.Status != storage.StatusReady {
			continue
		}
		msg.Status = storage.StatusDelivered
		msg.EncryptedMessage = nil
		msg.WhenToSend = 0
		msg.SendAttempts = 0
		msg.UpdatedAt = now
		if err := tx.Messages().Update(ctx, msg); err != nil {
			return err
		}
		s.met.MessagesDelivered.Inc()
	}
	return nil
}
