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
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/crypto/keys"
)

const blobMagic = "GSPB"

type sessionState struct {
	PeerID      []byte   `json:"peerId"`
	PeerKeys    []byte   `json:"peerKeys"`
	LocalRoot   []byte   `json:"localRoot,omitempty"`
	RemoteRoot  []byte   `json:"remoteRoot,omitempty"`
	Status      int      `json:"status"`
	SendN       uint32   `json:"sendN"`
	RecvLow     uint32   `json:"recvLow"`
	Consumed    []uint32 `json:"consumed,omitempty"`
	PendingAcks [][]byte `json:"pendingAcks,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	LastIn      int64    `json:"lastIn"`
	LastOut     int64    `json:"lastOut"`
}

type engineState struct {
	Sessions []sessionState `json:"sessions"`
}

func deriveBlobKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// ToEncryptedBlob serializes the session state sealed under key with
// Argon2id and XChaCha20-Poly1305.
func (e *Engine) ToEncryptedBlob(key []byte) ([]byte, error) {
	e.mu.Lock()
	state := engineState{}
	for _, s := range e.sessions {
		ss := sessionState{
			PeerID:      s.peerID,
			PeerKeys:    s.peerKeys,
			LocalRoot:   s.localRoot,
			RemoteRoot:  s.remoteRoot,
			Status:      int(s.status),
			SendN:       s.sendN,
			RecvLow:     s.recvLow,
			PendingAcks: s.pendingAcks,
			CreatedAt:   s.createdAt,
			LastIn:      s.lastInbound,
			LastOut:     s.lastOutbound,
		}
		for n := range s.consumed {
			ss.Consumed = append(ss.Consumed, n)
		}
		state.Sessions = append(state.Sessions, ss)
	}
	e.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveBlobKey(key, salt))
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	out := make([]byte, 0, len(blobMagic)+len(salt)+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, blobMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, raw, []byte(blobMagic))
	return out, nil
}

// FromEncryptedBlob restores an engine serialized with ToEncryptedBlob.
// The identity is held outside the blob and must be supplied again.
func FromEncryptedBlob(data, key []byte, id *keys.Identity, cfg Config) (*Engine, error) {
	headerSize := len(blobMagic) + 16
	if len(data) < headerSize+chacha20poly1305.NonceSizeX || string(data[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("session blob malformed: %w", errs.ErrValidation)
	}
	salt := data[len(blobMagic):headerSize]
	nonce := data[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	sealed := data[headerSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveBlobKey(key, salt))
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	raw, err := aead.Open(nil, nonce, sealed, []byte(blobMagic))
	if err != nil {
		return nil, fmt.Errorf("open session blob: %w: %w", err, errs.ErrCrypto)
	}

	var state engineState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("parse session blob: %w: %w", err, errs.ErrValidation)
	}

	e := NewEngine(id, cfg)
	for _, ss := range state.Sessions {
		parsed, err := keys.ParsePublicKeys(ss.PeerKeys)
		if err != nil {
			return nil, fmt.Errorf("restore peer keys: %w", err)
		}
		s := &session{
			peerID:       ss.PeerID,
			peerKeys:     ss.PeerKeys,
			parsed:       parsed,
			localRoot:    ss.LocalRoot,
			remoteRoot:   ss.RemoteRoot,
			status:       PeerStatus(ss.Status),
			pendingAcks:  ss.PendingAcks,
			createdAt:    ss.CreatedAt,
			lastInbound:  ss.LastIn,
			lastOutbound: ss.LastOut,
			consumed:     make(map[uint32]bool),
		}
		if s.localRoot != nil && s.remoteRoot != nil {
			root := combinedRoot(s.localRoot, s.remoteRoot)
			s.sendBase = chainBase(root, id.UserID())
			s.recvBase = chainBase(root, s.peerID)
		}
		s.sendN = ss.SendN
		s.recvLow = ss.RecvLow
		for _, n := range ss.Consumed {
			s.consumed[n] = true
		}
		e.sessions[peerKey(s.peerID)] = s
	}
	return e, nil
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}
