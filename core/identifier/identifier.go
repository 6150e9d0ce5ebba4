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

// Package identifier maps 32-byte user ids to human strings and back, and
// carries the byte/string helpers used on the relay wire.
package identifier

import (
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/google/uuid"
	"github.com/gossip-chat/gossip/core/errs"
	"github.com/mr-tron/base58"
)

// HRP is the human-readable prefix of encoded user ids.
const HRP = "gossip"

// UserIDSize is the raw user id length in bytes.
const UserIDSize = 32

// EncodeUserID renders a 32-byte user id as a bech32 string with the
// "gossip" prefix.
func EncodeUserID(id []byte) (string, error) {
	if len(id) != UserIDSize {
		return "", fmt.Errorf("user id must be %d bytes, got %d: %w", UserIDSize, len(id), errs.ErrValidation)
	}
	conv, err := bech32.ConvertBits(id, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	s, err := bech32.Encode(HRP, conv)
	if err != nil {
		return "", fmt.Errorf("bech32 encode: %w", err)
	}
	return s, nil
}

// DecodeUserID parses an encoded user id, rejecting bad checksums, foreign
// prefixes and wrong lengths.
func DecodeUserID(s string) ([]byte, error) {
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return nil, fmt.Errorf("bech32 decode: %w: %w", err, errs.ErrValidation)
	}
	if hrp != HRP {
		return nil, fmt.Errorf("unexpected prefix %q: %w", hrp, errs.ErrValidation)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert bits: %w: %w", err, errs.ErrValidation)
	}
	if len(raw) != UserIDSize {
		return nil, fmt.Errorf("user id must be %d bytes, got %d: %w", UserIDSize, len(raw), errs.ErrValidation)
	}
	return raw, nil
}

// MustEncodeUserID is EncodeUserID for ids already known to be well-formed.
func MustEncodeUserID(id []byte) string {
	s, err := EncodeUserID(id)
	if err != nil {
		panic(err)
	}
	return s
}

// EncodeBlob renders announcement payload bytes for the HTTP surface.
func EncodeBlob(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBlob parses base64url payload bytes from the HTTP surface.
func DecodeBlob(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64url decode: %w: %w", err, errs.ErrValidation)
	}
	return b, nil
}

// NewID returns a random identifier for local rows.
func NewID() string {
	return uuid.NewString()
}

// Fingerprint renders a short display handle for a public key blob.
func Fingerprint(publicKeys []byte) string {
	if len(publicKeys) == 0 {
		return ""
	}
	n := 8
	if len(publicKeys) < n {
		n = len(publicKeys)
	}
	return base58.Encode(publicKeys[:n])
}
