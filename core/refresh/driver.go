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

// Package refresh drives the engine: one reentrancy-guarded tick that
// ingests boards, reconciles session lifecycles, drains send queues and
// emits keep-alives. Everything the engine does between user actions
// happens inside StateUpdate.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gossip-chat/gossip/core/announce"
	"github.com/gossip-chat/gossip/core/discussion"
	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/message"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/transport"
)

// Config bounds the driver.
type Config struct {
	KeyRepublishInterval time.Duration
}

// Driver runs the periodic tick for one owner.
type Driver struct {
	owner   string
	store   storage.Store
	crypto  ratchet.SessionManager
	relay   transport.MessageProtocol
	ann     *announce.Service
	msg     *message.Service
	disc    *discussion.Service
	emitter *events.Emitter
	log     logger.Logger
	met     *metrics.Collector
	cfg     Config

	updating atomic.Bool
	now      func() time.Time
}

// NewDriver creates the refresh driver.
func NewDriver(owner string, store storage.Store, crypto ratchet.SessionManager,
	relay transport.MessageProtocol, ann *announce.Service, msg *message.Service,
	disc *discussion.Service, emitter *events.Emitter,
	log logger.Logger, met *metrics.Collector, cfg Config) *Driver {
	return &Driver{
		owner:   owner,
		store:   store,
		crypto:  crypto,
		relay:   relay,
		ann:     ann,
		msg:     msg,
		disc:    disc,
		emitter: emitter,
		log:     log.WithFields(logger.String("service", "refresh")),
		met:     met,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (d *Driver) SetClock(now func() time.Time) { d.now = now }

// StateUpdate performs one tick. Overlapping calls return immediately with
// no work done. Retryable failures are logged and the tick moves on;
// invariant violations escape so the caller can stop the driver.
func (d *Driver) StateUpdate(ctx context.Context) error {
	if !d.updating.CompareAndSwap(false, true) {
		return nil
	}
	defer d.updating.Store(false)

	started := d.now()
	defer func() { d.met.ObserveTick(d.now().Sub(started)) }()

	if err := d.msg.ResetSendingMessages(ctx); err != nil {
		if stop := d.classify("reset sending", err); stop != nil {
			return stop
		}
	}

	if err := d.ann.FetchAndProcessAnnouncements(ctx); err != nil {
		if stop := d.classify("fetch announcements", err); stop != nil {
			return stop
		}
	}

	if err := d.msg.FetchMessages(ctx); err != nil {
		if stop := d.classify("fetch messages", err); stop != nil {
			return stop
		}
	}

	discussions, err := d.store.Discussions().List(ctx, d.owner)
	if err != nil {
		// Nothing downstream can run without the discussion list.
		return d.classify("list discussions", err)
	}

	for _, disc := range discussions {
		peerID, err := identifier.DecodeUserID(disc.ContactUserID)
		if err != nil {
			return fmt.Errorf("discussion %s has a bad contact id: %w", disc.ID, errs.ErrInvariant)
		}
		status := d.crypto.PeerSessionStatus(peerID)
		if err := d.disc.HandleSessionStatus(ctx, disc, status); err != nil {
			if stop := d.classify("session status handler", err); stop != nil {
				return stop
			}
		}
	}

	var queued []*storage.Discussion
	for _, disc := range discussions {
		if disc.SendAnnouncement != nil {
			queued = append(queued, disc)
		}
	}
	if len(queued) > 0 {
		d.ann.ResendAnnouncements(ctx, queued)
	}

	for _, disc := range discussions {
		if disc.Status != storage.DiscussionActive {
			continue
		}
		if err := d.msg.ProcessSendQueue(ctx, disc.ContactUserID); err != nil {
			if stop := d.classify("send queue", err); stop != nil {
				return stop
			}
		}
	}

	if err := d.keepAlives(ctx, discussions); err != nil {
		return err
	}

	if err := d.republishKey(ctx); err != nil {
		if stop := d.classify("key republish", err); stop != nil {
			return stop
		}
	}
	return nil
}

// keepAlives enqueues and sends keep-alives for the peers the crypto layer
// flags, and applies the active-but-killed failsafe.
func (d *Driver) keepAlives(ctx context.Context, discussions []*storage.Discussion) error {
	needing := d.crypto.Refresh()
	byContact := make(map[string]bool, len(needing))
	for _, peerID := range needing {
		encoded, err := identifier.EncodeUserID(peerID)
		if err != nil {
			continue
		}
		byContact[encoded] = true
	}

	for _, disc := range discussions {
		if byContact[disc.ContactUserID] && disc.Status == storage.DiscussionActive {
			created, err := d.msg.EnqueueKeepAlive(ctx, disc.ContactUserID)
			if err != nil {
				if stop := d.classify("enqueue keep-alive", err); stop != nil {
					return stop
				}
				continue
			}
			if created {
				if err := d.msg.ProcessSendQueue(ctx, disc.ContactUserID); err != nil {
					if stop := d.classify("send keep-alive", err); stop != nil {
						return stop
					}
				}
			}
		}

		// Failsafe: Refresh may have killed a session this tick, after the
		// status-handler pass already ran.
		if disc.Status != storage.DiscussionActive {
			continue
		}
		peerID, err := identifier.DecodeUserID(disc.ContactUserID)
		if err != nil {
			continue
		}
		if d.crypto.PeerSessionStatus(peerID) != ratchet.Killed {
			continue
		}
		if err := d.markBroken(ctx, disc); err != nil {
			if stop := d.classify("mark broken", err); stop != nil {
				return stop
			}
		}
	}
	return nil
}

func (d *Driver) markBroken(ctx context.Context, disc *storage.Discussion) error {
	return d.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, err := tx.Discussions().Get(ctx, disc.OwnerUserID, disc.ContactUserID)
		if err != nil {
			return err
		}
		if fresh.Status == storage.DiscussionBroken {
			return nil
		}
		old := fresh.Status
		fresh.Status = storage.DiscussionBroken
		fresh.UpdatedAt = d.now().UnixMilli()
		*disc = *fresh
		if err := tx.Discussions().Update(ctx, fresh); err != nil {
			return err
		}
		d.emitter.Emit(events.Event{
			Type:          events.DiscussionStatusChanged,
			OwnerUserID:   d.owner,
			ContactUserID: disc.ContactUserID,
			Discussion:    fresh,
			OldStatus:     old,
			NewStatus:     storage.DiscussionBroken,
		})
		return nil
	})
}

// republishKey posts the public-key blob to the relay at most once per
// republish interval.
func (d *Driver) republishKey(ctx context.Context) error {
	if d.cfg.KeyRepublishInterval <= 0 {
		return nil
	}
	profile, err := d.store.Profiles().Get(ctx, d.owner)
	if err != nil {
		return err
	}
	now := d.now().UnixMilli()
	if profile.LastKeyPublishAt != 0 &&
		now-profile.LastKeyPublishAt < d.cfg.KeyRepublishInterval.Milliseconds() {
		return nil
	}
	if _, err := d.relay.PostPublicKey(ctx, identifier.EncodeBlob(profile.PublicKeys)); err != nil {
		return err
	}
	return d.store.RunInTx(ctx, func(tx storage.Store) error {
		fresh, err := tx.Profiles().Get(ctx, d.owner)
		if err != nil {
			return err
		}
		fresh.LastKeyPublishAt = now
		fresh.UpdatedAt = now
		return tx.Profiles().Put(ctx, fresh)
	})
}

// classify decides whether an error ends the tick. Invariant violations
// stop the driver; everything recoverable is logged and swallowed.
func (d *Driver) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errs.ErrInvariant) {
		d.log.Error("tick aborted", logger.String("op", op), logger.Error(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	d.log.Warn("tick step failed", logger.String("op", op), logger.Error(err))
	return nil
}
