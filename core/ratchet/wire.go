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

package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	announceMagic = "GSPA"
	seekerSize    = 32
	chainKeySize  = 32
)

func hkdfExpand(secret []byte, info string, size int) []byte {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf: %v", err))
	}
	return out
}

// announceRoot derives the per-announcement root from the classical and
// post-quantum shared secrets.
func announceRoot(ssDH, ssKEM []byte) []byte {
	secret := make([]byte, 0, len(ssDH)+len(ssKEM))
	secret = append(secret, ssDH...)
	secret = append(secret, ssKEM...)
	return hkdfExpand(secret, "gossip/announce-root", chainKeySize)
}

// combinedRoot merges both sides' announcement roots. Inputs are sorted so
// both parties derive the same value regardless of who announced first.
func combinedRoot(a, b []byte) []byte {
	lo, hi := a, b
	for i := range lo {
		if lo[i] != hi[i] {
			if lo[i] > hi[i] {
				lo, hi = hi, lo
			}
			break
		}
	}
	secret := make([]byte, 0, len(lo)+len(hi))
	secret = append(secret, lo...)
	secret = append(secret, hi...)
	return hkdfExpand(secret, "gossip/combined-root", chainKeySize)
}

// chainBase derives the directional chain key for traffic sent by senderID.
func chainBase(root, senderID []byte) []byte {
	return hkdfExpand(append(append([]byte(nil), root...), senderID...), "gossip/chain", chainKeySize)
}

func chainMAC(base []byte, label string, n uint32) []byte {
	mac := hmac.New(sha256.New, base)
	mac.Write([]byte(label))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], n)
	mac.Write(idx[:])
	return mac.Sum(nil)
}

// seekerAt derives the board identifier for message n on a chain.
func seekerAt(base []byte, n uint32) []byte {
	return chainMAC(base, "seek", n)[:seekerSize]
}

// messageKeyAt derives the sealing key for message n on a chain.
func messageKeyAt(base []byte, n uint32) []byte {
	return chainMAC(base, "key", n)[:chacha20poly1305.KeySize]
}

func messageNonce(n uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, "gspm")
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], n)
	return nonce
}

func seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

func dh(priv, pub [32]byte) ([]byte, error) {
	ss, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return ss, nil
}
