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

package errs

import "errors"

// Error kinds shared across the engine. Services wrap these with
// fmt.Errorf("...: %w", Err...) so callers can classify without depending
// on message text.
var (
	// ErrNetwork marks retryable transport failures (timeout, connectivity, 5xx).
	ErrNetwork = errors.New("network error")

	// ErrNotFound marks lookups that returned nothing.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation error")

	// ErrCrypto marks a refusal by the cryptographic layer.
	ErrCrypto = errors.New("crypto error")

	// ErrInvariant marks impossible store state. It escapes the tick.
	ErrInvariant = errors.New("invariant violation")

	// ErrAlreadyExists marks unique-constraint conflicts.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTransient marks conditions expected to heal on a later tick.
	ErrTransient = errors.New("transient error")
)

// Retryable reports whether err should be retried on a later tick.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTransient)
}
