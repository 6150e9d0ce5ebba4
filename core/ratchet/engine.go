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
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/crypto/keys"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// session is the per-peer state. Chains are derived from the two
// announcement roots; counters index into them.
type session struct {
	peerID   []byte
	peerKeys []byte
	parsed   *keys.PublicKeys

	localRoot  []byte
	remoteRoot []byte
	status     PeerStatus

	sendBase []byte
	sendN    uint32
	recvBase []byte
	recvLow  uint32
	consumed map[uint32]bool

	pendingAcks [][]byte

	createdAt    int64
	lastInbound  int64
	lastOutbound int64
}

// Engine is the reference SessionManager implementation.
type Engine struct {
	mu       sync.Mutex
	id       *keys.Identity
	cfg      Config
	sessions map[string]*session
	now      func() time.Time
}

var _ SessionManager = (*Engine)(nil)

// NewEngine creates an engine around the given identity.
func NewEngine(id *keys.Identity, cfg Config) *Engine {
	if cfg.ReadWindow == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		id:       id,
		cfg:      cfg,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

func peerKey(peerID []byte) string { return storage.SeekerKey(peerID) }

// rekey recomputes both chains once both roots are present.
func (e *Engine) rekey(s *session) {
	if s.localRoot == nil || s.remoteRoot == nil {
		return
	}
	root := combinedRoot(s.localRoot, s.remoteRoot)
	s.sendBase = chainBase(root, e.id.UserID())
	s.recvBase = chainBase(root, s.peerID)
	s.sendN = 0
	s.recvLow = 0
	s.consumed = make(map[uint32]bool)
	s.status = Active
}

// EstablishOutgoingSession builds an announcement for the peer and rekeys
// the local session state.
func (e *Engine) EstablishOutgoingSession(peerPublicKeys, userData []byte) ([]byte, error) {
	parsed, err := keys.ParsePublicKeys(peerPublicKeys)
	if err != nil {
		return nil, fmt.Errorf("peer keys: %w: %w", err, errs.ErrCrypto)
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w: %w", err, errs.ErrCrypto)
	}
	ssDH, err := dh(ephPriv, parsed.Exchange)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w: %w", err, errs.ErrCrypto)
	}
	kemCt, ssKEM, err := keys.KEMScheme.Encapsulate(parsed.KEM)
	if err != nil {
		return nil, fmt.Errorf("encapsulate: %w: %w", err, errs.ErrCrypto)
	}
	root := announceRoot(ssDH, ssKEM)

	header := make([]byte, 0, len(announceMagic)+1+len(e.id.PublicBlob())+len(ephPub)+len(kemCt))
	header = append(header, announceMagic...)
	header = append(header, 0x01)
	header = append(header, e.id.PublicBlob()...)
	header = append(header, ephPub...)
	header = append(header, kemCt...)

	plaintext := make([]byte, 8, 8+len(userData))
	binary.BigEndian.PutUint64(plaintext, uint64(e.nowMs()))
	plaintext = append(plaintext, userData...)

	sealed, err := seal(hkdfExpand(root, "gossip/announce-key", chainKeySize), messageNonce(0), plaintext, header)
	if err != nil {
		return nil, fmt.Errorf("seal announcement: %w: %w", err, errs.ErrCrypto)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := peerKey(parsed.UserID())
	s, ok := e.sessions[key]
	if !ok {
		s = &session{
			peerID:    parsed.UserID(),
			createdAt: e.nowMs(),
		}
		e.sessions[key] = s
	}
	s.peerKeys = append([]byte(nil), peerPublicKeys...)
	s.parsed = parsed
	s.localRoot = root
	if s.remoteRoot != nil {
		e.rekey(s)
	} else {
		s.status = SelfRequested
	}

	return append(header, sealed...), nil
}

// FeedIncomingAnnouncement processes one announcement-board entry. Entries
// not addressed to us (or malformed) yield (nil, nil).
func (e *Engine) FeedIncomingAnnouncement(data []byte) (*IncomingAnnouncement, error) {
	blobSize := keys.VerifyKeySize + keys.KEMScheme.PublicKeySize()
	headerSize := len(announceMagic) + 1 + blobSize + 32 + keys.KEMScheme.CiphertextSize()
	if len(data) <= headerSize || string(data[:len(announceMagic)]) != announceMagic || data[len(announceMagic)] != 0x01 {
		return nil, nil
	}
	off := len(announceMagic) + 1
	senderBlob := data[off : off+blobSize]
	off += blobSize
	var ephPub [32]byte
	copy(ephPub[:], data[off:off+32])
	off += 32
	kemCt := data[off : off+keys.KEMScheme.CiphertextSize()]
	off += keys.KEMScheme.CiphertextSize()
	header := data[:off]
	sealed := data[off:]

	ssDH, err := dh(e.id.ExchangePrivate(), ephPub)
	if err != nil {
		return nil, nil
	}
	ssKEM, err := keys.KEMScheme.Decapsulate(e.id.KEMPrivate(), kemCt)
	if err != nil {
		return nil, nil
	}
	root := announceRoot(ssDH, ssKEM)

	plaintext, err := open(hkdfExpand(root, "gossip/announce-key", chainKeySize), messageNonce(0), sealed, header)
	if err != nil {
		// Not addressed to us.
		return nil, nil
	}
	ts := int64(binary.BigEndian.Uint64(plaintext[:8]))
	userData := plaintext[8:]

	parsed, err := keys.ParsePublicKeys(senderBlob)
	if err != nil {
		return nil, nil
	}
	senderID := parsed.UserID()
	if bytes.Equal(senderID, e.id.UserID()) {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := peerKey(senderID)
	s, ok := e.sessions[key]
	if !ok {
		s = &session{
			peerID:    senderID,
			createdAt: e.nowMs(),
		}
		e.sessions[key] = s
	}
	s.peerKeys = append([]byte(nil), senderBlob...)
	s.parsed = parsed
	s.remoteRoot = root
	s.lastInbound = e.nowMs()
	if s.localRoot != nil {
		e.rekey(s)
	} else {
		s.status = PeerRequested
	}

	return &IncomingAnnouncement{
		AnnouncerPublicKeys: append([]byte(nil), senderBlob...),
		AnnouncerUserID:     senderID,
		TimestampMs:         ts,
		UserData:            append([]byte(nil), userData...),
	}, nil
}

type messagePayload struct {
	Timestamp int64    `json:"t"`
	Body      []byte   `json:"b"`
	Acks      [][]byte `json:"a,omitempty"`
}

// SendMessage encrypts plaintext for the peer under the next send-chain
// slot. Returns (nil, nil) while the session is not keyed.
func (e *Engine) SendMessage(peerID, plaintext []byte) (*Sealed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[peerKey(peerID)]
	if !ok || s.status != Active {
		return nil, nil
	}
	if s.sendN >= e.cfg.MaxMessages {
		s.status = Saturated
		return nil, nil
	}

	payload := messagePayload{
		Timestamp: e.nowMs(),
		Body:      plaintext,
		Acks:      s.pendingAcks,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	seeker := seekerAt(s.sendBase, s.sendN)
	ct, err := seal(messageKeyAt(s.sendBase, s.sendN), messageNonce(s.sendN), raw, seeker)
	if err != nil {
		return nil, fmt.Errorf("seal message: %w: %w", err, errs.ErrCrypto)
	}
	s.sendN++
	s.lastOutbound = e.nowMs()
	s.pendingAcks = nil

	return &Sealed{Seeker: seeker, Ciphertext: ct}, nil
}

// FeedIncomingMessageBoardRead tries every keyed session's receive window
// against the seeker. Undecryptable entries yield (nil, nil).
func (e *Engine) FeedIncomingMessageBoardRead(seeker, ciphertext []byte) (*Opened, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.sessions {
		if s.recvBase == nil || (s.status != Active && s.status != Saturated) {
			continue
		}
		for n := s.recvLow; n < s.recvLow+e.cfg.ReadWindow; n++ {
			if s.consumed[n] || !bytes.Equal(seekerAt(s.recvBase, n), seeker) {
				continue
			}
			raw, err := open(messageKeyAt(s.recvBase, n), messageNonce(n), ciphertext, seeker)
			if err != nil {
				return nil, nil
			}
			var payload messagePayload
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, nil
			}

			s.consumed[n] = true
			for s.consumed[s.recvLow] {
				delete(s.consumed, s.recvLow)
				s.recvLow++
			}
			s.pendingAcks = append(s.pendingAcks, append([]byte(nil), seeker...))
			if len(s.pendingAcks) > e.cfg.MaxPendingAcks {
				s.pendingAcks = s.pendingAcks[len(s.pendingAcks)-e.cfg.MaxPendingAcks:]
			}
			s.lastInbound = e.nowMs()

			return &Opened{
				Plaintext:           payload.Body,
				TimestampMs:         payload.Timestamp,
				SenderUserID:        append([]byte(nil), s.peerID...),
				AcknowledgedSeekers: payload.Acks,
			}, nil
		}
	}
	return nil, nil
}

// MessageBoardReadKeys enumerates the receive-window seekers of every keyed
// session.
func (e *Engine) MessageBoardReadKeys() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out [][]byte
	for _, s := range e.sessions {
		if s.recvBase == nil || (s.status != Active && s.status != Saturated) {
			continue
		}
		for n := s.recvLow; n < s.recvLow+e.cfg.ReadWindow; n++ {
			if !s.consumed[n] {
				out = append(out, seekerAt(s.recvBase, n))
			}
		}
	}
	return out
}

// PeerSessionStatus reports the session state for one peer.
func (e *Engine) PeerSessionStatus(peerID []byte) PeerStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[peerKey(peerID)]
	if !ok {
		return UnknownPeer
	}
	return s.status
}

// Refresh kills idle sessions and returns the peers owed a keep-alive.
func (e *Engine) Refresh() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.nowMs()
	var out [][]byte
	for _, s := range e.sessions {
		if s.status == Active {
			last := s.lastInbound
			if last == 0 {
				last = s.createdAt
			}
			if e.cfg.KillAfter > 0 && now-last > e.cfg.KillAfter.Milliseconds() {
				s.status = Killed
				continue
			}
		}
		if s.status != Active {
			continue
		}
		if len(s.pendingAcks) > 0 ||
			(s.lastOutbound > 0 && e.cfg.KeepAliveAfter > 0 && now-s.lastOutbound > e.cfg.KeepAliveAfter.Milliseconds()) {
			out = append(out, append([]byte(nil), s.peerID...))
		}
	}
	return out
}
