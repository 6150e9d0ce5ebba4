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

// Package http implements transport.MessageProtocol against the relay's
// REST surface.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/pkg/transport"
	"github.com/gossip-chat/gossip/pkg/version"
)

// fetchBatchSize bounds one message-board fetch request.
const fetchBatchSize = 64

// Client talks to the relay over HTTP(S).
type Client struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	retryAttempts int
	tokens        *tokenSource
}

var _ transport.MessageProtocol = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetryAttempts sets how many times a retryable request is attempted.
func WithRetryAttempts(n int) Option {
	return func(c *Client) { c.retryAttempts = n }
}

// WithTokenSigner makes the client attach a bearer token minted with the
// identity signing key.
func WithTokenSigner(signer TokenSigner) Option {
	return func(c *Client) { c.tokens = newTokenSource(signer) }
}

// NewClient creates a relay client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:       baseURL,
		timeout:       10 * time.Second,
		retryAttempts: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

func netErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, err, errs.ErrNetwork)
}

// do runs one JSON request with timeout, auth and retry. A nil out skips
// response decoding. Retries apply only to network-class failures; the relay
// surface is idempotent by construction (counters are server-assigned on the
// announcement board, message posts are keyed by seeker).
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return netErr(method+" "+path, ctx.Err())
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		lastErr = c.doOnce(ctx, method, path, body, out)
		if lastErr == nil || !errs.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if c.tokens != nil {
		token, err := c.tokens.token()
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return netErr(method+" "+path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, errs.ErrNotFound)
	case resp.StatusCode >= 500:
		return netErr(method+" "+path, fmt.Errorf("relay returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: relay returned %d: %w", method, path, resp.StatusCode, errs.ErrValidation)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type announcementWire struct {
	Counter string `json:"counter"`
	Data    string `json:"data"`
}

type boardMessageWire struct {
	Seeker     string `json:"seeker"`
	Ciphertext string `json:"ciphertext"`
}

// SendAnnouncement appends one entry to the announcement board.
func (c *Client) SendAnnouncement(ctx context.Context, data []byte) (string, error) {
	var resp struct {
		Counter string `json:"counter"`
	}
	req := map[string]string{"data": identifier.EncodeBlob(data)}
	if err := c.do(ctx, http.MethodPost, "/announcements", req, &resp); err != nil {
		return "", err
	}
	return resp.Counter, nil
}

// FetchAnnouncements pages the announcement board above cursor.
func (c *Client) FetchAnnouncements(ctx context.Context, limit int, cursor string) ([]transport.Announcement, error) {
	path := "/announcements?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		path += "&cursor=" + cursor
	}
	var resp struct {
		Announcements []announcementWire `json:"announcements"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]transport.Announcement, 0, len(resp.Announcements))
	for _, a := range resp.Announcements {
		data, err := identifier.DecodeBlob(a.Data)
		if err != nil {
			return nil, fmt.Errorf("announcement %s: %w", a.Counter, err)
		}
		out = append(out, transport.Announcement{Counter: a.Counter, Data: data})
	}
	return out, nil
}

// SendMessage stores ciphertext under seeker on the message board.
func (c *Client) SendMessage(ctx context.Context, seeker, ciphertext []byte) error {
	req := boardMessageWire{
		Seeker:     identifier.EncodeBlob(seeker),
		Ciphertext: identifier.EncodeBlob(ciphertext),
	}
	return c.do(ctx, http.MethodPost, "/messages", req, nil)
}

// FetchMessages queries the board for the given seekers, batched and in
// parallel.
func (c *Client) FetchMessages(ctx context.Context, seekers [][]byte) ([]transport.BoardMessage, error) {
	if len(seekers) == 0 {
		return nil, nil
	}

	var batches [][][]byte
	for len(seekers) > fetchBatchSize {
		batches = append(batches, seekers[:fetchBatchSize])
		seekers = seekers[fetchBatchSize:]
	}
	batches = append(batches, seekers)

	results := make([][]transport.BoardMessage, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		g.Go(func() error {
			msgs, err := c.fetchBatch(gctx, batch)
			if err != nil {
				return err
			}
			results[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []transport.BoardMessage
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, seekers [][]byte) ([]transport.BoardMessage, error) {
	req := struct {
		Seekers []string `json:"seekers"`
	}{}
	for _, s := range seekers {
		req.Seekers = append(req.Seekers, identifier.EncodeBlob(s))
	}
	var resp struct {
		Messages []boardMessageWire `json:"messages"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages/fetch", req, &resp); err != nil {
		return nil, err
	}
	out := make([]transport.BoardMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		seeker, err := identifier.DecodeBlob(m.Seeker)
		if err != nil {
			return nil, err
		}
		ct, err := identifier.DecodeBlob(m.Ciphertext)
		if err != nil {
			return nil, err
		}
		out = append(out, transport.BoardMessage{Seeker: seeker, Ciphertext: ct})
	}
	return out, nil
}

// FetchPublicKeyByUserID resolves a published public-key blob.
func (c *Client) FetchPublicKeyByUserID(ctx context.Context, userID []byte) (string, error) {
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.do(ctx, http.MethodGet, "/keys/"+identifier.EncodeBlob(userID), nil, &resp); err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}

// PostPublicKey publishes our public-key blob.
func (c *Client) PostPublicKey(ctx context.Context, publicKey string) (string, error) {
	var resp struct {
		Hash string `json:"hash"`
	}
	req := map[string]string{"publicKey": publicKey}
	if err := c.do(ctx, http.MethodPost, "/keys", req, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}
