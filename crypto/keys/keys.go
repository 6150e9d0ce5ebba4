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

// Package keys holds the long-lived identity key material: an Ed25519
// signing key whose curve point doubles as the X25519 exchange key, and an
// ML-KEM-768 key pair for the post-quantum half of session establishment.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/gossip-chat/gossip/core/errs"
)

// KEMScheme is the KEM used for announcements.
var KEMScheme = mlkem768.Scheme()

// Layout of the serialized public-keys blob: Ed25519 verify key followed by
// the ML-KEM public key. The X25519 exchange key is derived, not carried.
const (
	VerifyKeySize = ed25519.PublicKeySize
	ExchangeSize  = 32
)

// Identity is the local long-lived key material.
type Identity struct {
	signingSeed []byte // 32 bytes
	signing     ed25519.PrivateKey
	kemSeed     []byte // KEMScheme.SeedSize()
	kemPub      kem.PublicKey
	kemPriv     kem.PrivateKey

	exchangePriv [ExchangeSize]byte
	exchangePub  [ExchangeSize]byte
}

// PublicKeys is a parsed peer key blob.
type PublicKeys struct {
	Verify   ed25519.PublicKey
	Exchange [ExchangeSize]byte
	KEM      kem.PublicKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	signingSeed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(signingSeed); err != nil {
		return nil, fmt.Errorf("read signing seed: %w", err)
	}
	kemSeed := make([]byte, KEMScheme.SeedSize())
	if _, err := rand.Read(kemSeed); err != nil {
		return nil, fmt.Errorf("read kem seed: %w", err)
	}
	return fromSeeds(signingSeed, kemSeed)
}

func fromSeeds(signingSeed, kemSeed []byte) (*Identity, error) {
	if len(signingSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes: %w", ed25519.SeedSize, errs.ErrValidation)
	}
	if len(kemSeed) != KEMScheme.SeedSize() {
		return nil, fmt.Errorf("kem seed must be %d bytes: %w", KEMScheme.SeedSize(), errs.ErrValidation)
	}
	id := &Identity{
		signingSeed: append([]byte(nil), signingSeed...),
		signing:     ed25519.NewKeyFromSeed(signingSeed),
		kemSeed:     append([]byte(nil), kemSeed...),
	}
	id.kemPub, id.kemPriv = KEMScheme.DeriveKeyPair(kemSeed)

	id.exchangePriv = exchangePrivFromSeed(signingSeed)
	pub, err := ExchangeFromVerify(id.signing.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	id.exchangePub = pub
	return id, nil
}

// exchangePrivFromSeed derives the X25519 scalar from the Ed25519 seed the
// same way Ed25519 itself does.
func exchangePrivFromSeed(seed []byte) [ExchangeSize]byte {
	h := sha512.Sum512(seed)
	var out [ExchangeSize]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// ExchangeFromVerify converts an Ed25519 verify key to its X25519
// (Montgomery) form.
func ExchangeFromVerify(verify ed25519.PublicKey) ([ExchangeSize]byte, error) {
	var out [ExchangeSize]byte
	p, err := new(edwards25519.Point).SetBytes(verify)
	if err != nil {
		return out, fmt.Errorf("invalid verify key: %w: %w", err, errs.ErrValidation)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// UserID is the 32-byte identifier other participants know us by: the
// X25519 form of the verify key.
func (id *Identity) UserID() []byte {
	out := make([]byte, ExchangeSize)
	copy(out, id.exchangePub[:])
	return out
}

// ExchangePrivate returns the X25519 scalar.
func (id *Identity) ExchangePrivate() [ExchangeSize]byte { return id.exchangePriv }

// ExchangePublic returns the X25519 public key.
func (id *Identity) ExchangePublic() [ExchangeSize]byte { return id.exchangePub }

// VerifyKey returns the Ed25519 verify key.
func (id *Identity) VerifyKey() ed25519.PublicKey {
	return id.signing.Public().(ed25519.PublicKey)
}

// Sign signs msg with the identity signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signing, msg)
}

// SigningKey returns the Ed25519 private key, for callers that mint
// credentials (e.g. relay auth tokens).
func (id *Identity) SigningKey() ed25519.PrivateKey { return id.signing }

// KEMPrivate returns the ML-KEM decapsulation key.
func (id *Identity) KEMPrivate() kem.PrivateKey { return id.kemPriv }

// PublicBlob serializes the public key material for the wire.
func (id *Identity) PublicBlob() []byte {
	kemBytes, err := id.kemPub.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("marshal kem public key: %v", err))
	}
	out := make([]byte, 0, VerifyKeySize+len(kemBytes))
	out = append(out, id.VerifyKey()...)
	out = append(out, kemBytes...)
	return out
}

// ParsePublicKeys parses a peer's public-keys blob.
func ParsePublicKeys(blob []byte) (*PublicKeys, error) {
	want := VerifyKeySize + KEMScheme.PublicKeySize()
	if len(blob) != want {
		return nil, fmt.Errorf("public keys blob must be %d bytes, got %d: %w", want, len(blob), errs.ErrValidation)
	}
	verify := ed25519.PublicKey(append([]byte(nil), blob[:VerifyKeySize]...))
	exchange, err := ExchangeFromVerify(verify)
	if err != nil {
		return nil, err
	}
	kemPub, err := KEMScheme.UnmarshalBinaryPublicKey(blob[VerifyKeySize:])
	if err != nil {
		return nil, fmt.Errorf("parse kem public key: %w: %w", err, errs.ErrValidation)
	}
	return &PublicKeys{Verify: verify, Exchange: exchange, KEM: kemPub}, nil
}

// UserID returns the 32-byte identifier for the parsed keys.
func (pk *PublicKeys) UserID() []byte {
	out := make([]byte, ExchangeSize)
	copy(out, pk.Exchange[:])
	return out
}

type identityJSON struct {
	SigningSeed []byte `json:"signingSeed"`
	KEMSeed     []byte `json:"kemSeed"`
}

// Marshal serializes the secret identity material.
func (id *Identity) Marshal() ([]byte, error) {
	return json.Marshal(identityJSON{SigningSeed: id.signingSeed, KEMSeed: id.kemSeed})
}

// Unmarshal restores an identity serialized with Marshal.
func Unmarshal(data []byte) (*Identity, error) {
	var j identityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse identity: %w: %w", err, errs.ErrValidation)
	}
	return fromSeeds(j.SigningSeed, j.KEMSeed)
}
