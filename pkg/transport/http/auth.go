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

package http

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gossip-chat/gossip/core/identifier"
)

// tokenLifetime is how long a minted relay token stays valid. The relay
// only uses it for rate limiting; short lifetimes limit replay value.
const tokenLifetime = 5 * time.Minute

// TokenSigner provides the key material for relay bearer tokens.
// *keys.Identity satisfies it.
type TokenSigner interface {
	UserID() []byte
	SigningKey() ed25519.PrivateKey
}

type tokenSource struct {
	mu          sync.Mutex
	signer      TokenSigner
	cachedToken string
	expiresAt   time.Time
}

func newTokenSource(signer TokenSigner) *tokenSource {
	return &tokenSource{signer: signer}
}

func (ts *tokenSource) token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if ts.cachedToken != "" && now.Before(ts.expiresAt.Add(-time.Minute)) {
		return ts.cachedToken, nil
	}

	sub, err := identifier.EncodeUserID(ts.signer.UserID())
	if err != nil {
		return "", fmt.Errorf("encode user id: %w", err)
	}
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ts.signer.SigningKey())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	ts.cachedToken = signed
	ts.expiresAt = now.Add(tokenLifetime)
	return signed, nil
}
