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

// Package core wires the engine together for one logged-in identity: the
// crypto session layer, the relay transport, the store, and the four
// services that orchestrate them.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gossip-chat/gossip/config"
	"github.com/gossip-chat/gossip/core/announce"
	"github.com/gossip-chat/gossip/core/discussion"
	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/core/message"
	"github.com/gossip-chat/gossip/core/ratchet"
	"github.com/gossip-chat/gossip/core/refresh"
	"github.com/gossip-chat/gossip/crypto/keys"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/transport"
)

// Options configures Open.
type Options struct {
	Identity *keys.Identity
	Store    storage.Store
	Relay    transport.MessageProtocol
	Config   *config.Config

	// Username is used when the profile does not exist yet.
	Username string

	// BlobKey seals the persisted crypto session state.
	BlobKey []byte

	// Crypto overrides the session layer; when nil the reference engine is
	// used, restored from the profile's session blob when one exists.
	Crypto ratchet.SessionManager

	Logger  logger.Logger
	Metrics *metrics.Collector
}

// Client is the engine facade for one owner.
type Client struct {
	owner    string
	identity *keys.Identity
	store    storage.Store
	crypto   ratchet.SessionManager
	relay    transport.MessageProtocol
	emitter  *events.Emitter
	log      logger.Logger
	met      *metrics.Collector
	blobKey  []byte

	ann    *announce.Service
	msg    *message.Service
	disc   *discussion.Service
	driver *refresh.Driver

	tickInterval time.Duration
}

func (o *Options) validate() error {
	if o.Identity == nil {
		return fmt.Errorf("identity is required: %w", errs.ErrValidation)
	}
	if o.Store == nil {
		return fmt.Errorf("store is required: %w", errs.ErrValidation)
	}
	if o.Relay == nil {
		return fmt.Errorf("relay is required: %w", errs.ErrValidation)
	}
	return nil
}

// Open builds a client: ensures the profile row, restores or creates the
// crypto engine, and wires the services.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.NewCollector()
	}

	owner, err := identifier.EncodeUserID(opts.Identity.UserID())
	if err != nil {
		return nil, err
	}
	log = log.WithFields(logger.String("owner", owner))

	c := &Client{
		owner:        owner,
		identity:     opts.Identity,
		store:        opts.Store,
		relay:        opts.Relay,
		emitter:      events.NewEmitter(),
		log:          log,
		met:          met,
		blobKey:      opts.BlobKey,
		tickInterval: cfg.Refresh.Interval.D(),
	}

	profile, err := c.ensureProfile(ctx, opts.Username)
	if err != nil {
		return nil, err
	}

	c.crypto = opts.Crypto
	if c.crypto == nil {
		if len(profile.SessionBlob) > 0 {
			engine, err := ratchet.FromEncryptedBlob(profile.SessionBlob, c.blobKey, opts.Identity, ratchet.DefaultConfig())
			if err != nil {
				return nil, fmt.Errorf("restore session state: %w", err)
			}
			c.crypto = engine
		} else {
			c.crypto = ratchet.NewEngine(opts.Identity, ratchet.DefaultConfig())
		}
	}

	c.ann = announce.NewService(owner, c.store, c.crypto, c.relay, c.emitter, log, met, announce.Config{
		FetchLimit:      cfg.Announcements.FetchLimit,
		BrokenThreshold: cfg.Announcements.BrokenThreshold.D(),
	})
	c.msg = message.NewService(owner, c.store, c.crypto, c.relay, log, met, message.Config{
		RetryDelay:         cfg.Messages.RetryDelay.D(),
		RetryMaxDelay:      cfg.Messages.RetryMaxDelay.D(),
		MaxFetchIterations: cfg.Messages.MaxFetchIterations,
	})
	c.disc = discussion.NewService(owner, c.store, c.crypto, c.ann, c.emitter, log, met, discussion.Config{
		KilledRetryDelay:    cfg.SessionRecovery.KilledRetryDelay.D(),
		SaturatedRetryDelay: cfg.SessionRecovery.SaturatedRetryDelay.D(),
		Jitter:              cfg.SessionRecovery.Jitter.D(),
	})
	c.driver = refresh.NewDriver(owner, c.store, c.crypto, c.relay, c.ann, c.msg, c.disc, c.emitter, log, met, refresh.Config{
		KeyRepublishInterval: cfg.Profile.KeyRepublishInterval.D(),
	})

	c.ann.SetPersistHook(c.persistSessions)
	c.msg.SetPersistHook(c.persistSessions)

	return c, nil
}

func (c *Client) ensureProfile(ctx context.Context, username string) (*storage.UserProfile, error) {
	profile, err := c.store.Profiles().Get(ctx, c.owner)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	secret, err := c.identity.SealWithKey(c.blobKey)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	profile = &storage.UserProfile{
		UserID:     c.owner,
		Username:   username,
		PublicKeys: c.identity.PublicBlob(),
		SecretBlob: secret,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.store.Profiles().Put(ctx, profile); err != nil {
		return nil, err
	}
	c.log.Info("profile created", logger.String("username", username))
	return profile, nil
}

// persistSessions writes the encrypted crypto state next to the profile.
func (c *Client) persistSessions(ctx context.Context) error {
	blob, err := c.crypto.ToEncryptedBlob(c.blobKey)
	if err != nil {
		return err
	}
	return c.store.RunInTx(ctx, func(tx storage.Store) error {
		profile, err := tx.Profiles().Get(ctx, c.owner)
		if err != nil {
			return err
		}
		profile.SessionBlob = blob
		profile.UpdatedAt = time.Now().UnixMilli()
		return tx.Profiles().Put(ctx, profile)
	})
}

// Owner returns the encoded owner user id.
func (c *Client) Owner() string { return c.owner }

// Events returns the emitter for subscriptions.
func (c *Client) Events() *events.Emitter { return c.emitter }

// Store exposes the underlying store for read access.
func (c *Client) Store() storage.Store { return c.store }

// StateUpdate runs one refresh tick.
func (c *Client) StateUpdate(ctx context.Context) error {
	return c.driver.StateUpdate(ctx)
}

// Run ticks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()
	for {
		if err := c.StateUpdate(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// AddContact registers a peer's public keys under a display name.
func (c *Client) AddContact(ctx context.Context, name string, publicKeys []byte) (*storage.Contact, error) {
	parsed, err := keys.ParsePublicKeys(publicKeys)
	if err != nil {
		return nil, err
	}
	contactID, err := identifier.EncodeUserID(parsed.UserID())
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	contact := &storage.Contact{
		OwnerUserID:   c.owner,
		ContactUserID: contactID,
		Name:          name,
		PublicKeys:    publicKeys,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.Contacts().Create(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// LookupContactKeys fetches a peer's published public keys from the relay.
func (c *Client) LookupContactKeys(ctx context.Context, userID []byte) ([]byte, error) {
	encoded, err := c.relay.FetchPublicKeyByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return identifier.DecodeBlob(encoded)
}

// Initialize opens a discussion with a contact.
func (c *Client) Initialize(ctx context.Context, contactUserID string, opts *discussion.InitializeOptions) (*discussion.InitializeResult, error) {
	return c.disc.Initialize(ctx, contactUserID, opts)
}

// Accept answers a peer-requested discussion.
func (c *Client) Accept(ctx context.Context, contactUserID string) ([]byte, error) {
	return c.disc.Accept(ctx, contactUserID)
}

// Renew forces a new session with a contact.
func (c *Client) Renew(ctx context.Context, contactUserID string) ([]byte, error) {
	return c.disc.Renew(ctx, contactUserID)
}

// SendText enqueues one outgoing text message.
func (c *Client) SendText(ctx context.Context, contactUserID, content string) (*storage.Message, error) {
	return c.msg.Send(ctx, contactUserID, content)
}

// MarkRead promotes a delivered message to read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.msg.MarkRead(ctx, messageID)
}

// MarkDiscussionRead clears a discussion's unread counter.
func (c *Client) MarkDiscussionRead(ctx context.Context, contactUserID string) error {
	return c.msg.MarkDiscussionRead(ctx, contactUserID)
}
