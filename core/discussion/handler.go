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

	"github.com/gossip-chat/gossip/core/announce"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// HandleSessionStatus reconciles one discussion with the crypto layer's
// view, once per tick. Session status is authoritative: recovery is
// scheduled here, with persisted backoff so restarts do not reset timers.
func (s *Service) HandleSessionStatus(ctx context.Context, disc *storage.Discussion, status ratchet.PeerStatus) error {
	switch status {
	case ratchet.Active:
		if disc.SessionRecovery == nil {
			return nil
		}
		return s.store.RunInTx(ctx, func(tx storage.Store) error {
			fresh, err := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
			if err != nil {
				return err
			}
			fresh.SessionRecovery = nil
			fresh.UpdatedAt = s.nowMs()
			*disc = *fresh
			return tx.Discussions().Update(ctx, fresh)
		})

	case ratchet.SelfRequested, ratchet.PeerRequested, ratchet.NoSession, ratchet.UnknownPeer:
		return nil

	case ratchet.Killed:
		if !disc.WeAccepted {
			return nil
		}
		now := s.nowMs()
		rec := disc.SessionRecovery
		if rec != nil && now < rec.KilledNextRetryAt {
			return nil
		}
		s.log.Info("recovering killed session", logger.String("contact", disc.ContactUserID))
		s.met.SessionRecoveries.Inc()
		if err := s.createSessionForContact(ctx, disc); err != nil {
			s.log.Warn("killed-session recovery failed",
				logger.String("contact", disc.ContactUserID), logger.Error(err))
		}
		return s.scheduleRecovery(ctx, disc, func(rec *storage.SessionRecovery) {
			rec.KilledNextRetryAt = s.nowMs() + s.cfg.KilledRetryDelay.Milliseconds() + s.jitter().Milliseconds()
		})

	case ratchet.Saturated:
		if !disc.WeAccepted {
			return nil
		}
		now := s.nowMs()
		rec := disc.SessionRecovery
		if rec == nil || rec.SaturatedRetryAt == 0 {
			return s.scheduleRecovery(ctx, disc, func(rec *storage.SessionRecovery) {
				rec.SaturatedRetryAt = now + s.cfg.SaturatedRetryDelay.Milliseconds() + s.jitter().Milliseconds()
				rec.SaturatedRetryDone = false
			})
		}
		if now >= rec.SaturatedRetryAt && !rec.SaturatedRetryDone {
			s.log.Info("renewing saturated session", logger.String("contact", disc.ContactUserID))
			s.met.SessionRecoveries.Inc()
			if err := s.createSessionForContact(ctx, disc); err != nil {
				s.log.Warn("saturated-session renewal failed",
					logger.String("contact", disc.ContactUserID), logger.Error(err))
			}
			return s.scheduleRecovery(ctx, disc, func(rec *storage.SessionRecovery) {
				rec.SaturatedRetryDone = true
			})
		}
		return nil
	}
	return nil
}

// scheduleRecovery persists a mutation of the discussion's recovery record.
func (s *Service) scheduleRecovery(ctx context.Context, disc *storage.Discussion, mutate func(*storage.SessionRecovery)) error {
	return s.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, err := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
		if err != nil {
			return err
		}
		if fresh.SessionRecovery == nil {
			fresh.SessionRecovery = &storage.SessionRecovery{}
		}
		mutate(fresh.SessionRecovery)
		fresh.UpdatedAt = s.nowMs()
		*disc = *fresh
		return tx.Discussions().Update(ctx, fresh)
	})
}

// createSessionForContact re-establishes an outgoing session as part of
// recovery. Transport failures queue the announcement for the resend path.
func (s *Service) createSessionForContact(ctx context.Context, disc *storage.Discussion) error {
	contact, err := s.store.Contacts().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
	if err != nil {
		return err
	}
	username, _ := s.introduction(ctx, nil)
	res, err := s.ann.EstablishSession(ctx, contact.PublicKeys, announce.EncodePayload(username, ""))
	if err != nil && res == nil {
		return err
	}

	return s.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, txErr := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
		if txErr != nil {
			return txErr
		}
		now := s.nowMs()
		old := fresh.Status
		if res.Sent {
			fresh.InitiationAnnouncement = res.Announcement
			fresh.SendAnnouncement = nil
			if old == storage.DiscussionActive {
				fresh.Status = storage.DiscussionReconnecting
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
}
