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

// Package ws is the background collector: it subscribes to the relay's push
// feed and appends frames to the pending staging tables. The engine drains
// those tables on every tick, before any cursor fetch, so frames collected
// while the engine was absent are never skipped.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/internal/backoff"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/pkg/storage"
)

const (
	pingInterval     = 30 * time.Second
	reconnectBase    = time.Second
	reconnectMax     = time.Minute
	readDeadlineSlop = 2 * pingInterval
)

// Collector keeps one websocket subscription alive and stages every frame.
type Collector struct {
	url    string
	owner  string
	store  storage.Store
	log    logger.Logger
	dialer *websocket.Dialer
	now    func() time.Time
}

// NewCollector creates a collector for the owner's push feed.
func NewCollector(url, ownerUserID string, store storage.Store, log logger.Logger) *Collector {
	return &Collector{
		url:    url,
		owner:  ownerUserID,
		store:  store,
		log:    log,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
	}
}

type frame struct {
	Type       string `json:"type"`
	Counter    string `json:"counter,omitempty"`
	Data       string `json:"data,omitempty"`
	Seeker     string `json:"seeker,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
}

// Run connects and stages frames until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Collector) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := c.runConn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			delay := backoff.Exponential(reconnectBase, attempt-1, reconnectMax)
			c.log.Warn("collector connection lost",
				logger.Error(err),
				logger.Duration("reconnect_in", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

func (c *Collector) runConn(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.log.Info("collector connected", logger.String("url", c.url))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for {
			conn.SetReadDeadline(time.Now().Add(readDeadlineSlop))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				c.log.Warn("collector dropped malformed frame", logger.Error(err))
				continue
			}
			if err := c.stage(gctx, f); err != nil {
				c.log.Warn("collector failed to stage frame", logger.Error(err))
			}
		}
	})

	// Unblock the reader when the context ends.
	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	return g.Wait()
}

func (c *Collector) stage(ctx context.Context, f frame) error {
	switch f.Type {
	case "announcement":
		data, err := identifier.DecodeBlob(f.Data)
		if err != nil {
			return err
		}
		_, err = c.store.Pending().AppendAnnouncements(ctx, []*storage.PendingAnnouncement{{
			OwnerUserID: c.owner,
			Counter:     f.Counter,
			Data:        data,
			ReceivedAt:  c.now().UnixMilli(),
		}})
		return err
	case "message":
		seeker, err := identifier.DecodeBlob(f.Seeker)
		if err != nil {
			return err
		}
		ct, err := identifier.DecodeBlob(f.Ciphertext)
		if err != nil {
			return err
		}
		_, err = c.store.Pending().AppendCiphertexts(ctx, []*storage.PendingCiphertext{{
			OwnerUserID: c.owner,
			Seeker:      seeker,
			Ciphertext:  ct,
			ReceivedAt:  c.now().UnixMilli(),
		}})
		return err
	default:
		c.log.Debug("collector ignored frame", logger.String("type", f.Type))
		return nil
	}
}
