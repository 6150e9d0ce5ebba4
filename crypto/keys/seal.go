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

package keys

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/gossip-chat/gossip/core/errs"
)

const sealMagic = "GSPI"

func sealKey(key, salt []byte) []byte {
	return argon2.IDKey(key, salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// SealWithKey serializes the identity encrypted at rest.
func (id *Identity) SealWithKey(key []byte) ([]byte, error) {
	raw, err := id.Marshal()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(sealKey(key, salt))
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	out := make([]byte, 0, len(sealMagic)+len(salt)+len(nonce)+len(raw)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, raw, []byte(sealMagic)), nil
}

// OpenSealed restores an identity sealed with SealWithKey.
func OpenSealed(data, key []byte) (*Identity, error) {
	headerSize := len(sealMagic) + 16
	if len(data) < headerSize+chacha20poly1305.NonceSizeX || string(data[:len(sealMagic)]) != sealMagic {
		return nil, fmt.Errorf("identity blob malformed: %w", errs.ErrValidation)
	}
	salt := data[len(sealMagic):headerSize]
	nonce := data[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	sealed := data[headerSize+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(sealKey(key, salt))
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	raw, err := aead.Open(nil, nonce, sealed, []byte(sealMagic))
	if err != nil {
		return nil, fmt.Errorf("open identity blob: %w: %w", err, errs.ErrCrypto)
	}
	return Unmarshal(raw)
}
