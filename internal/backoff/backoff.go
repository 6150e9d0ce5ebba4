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

// Package backoff holds the retry-delay arithmetic shared by the send
// pipeline and the session-recovery scheduler.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Exponential returns base << attempts capped at max. attempts below zero
// count as zero.
func Exponential(base time.Duration, attempts int, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jitter returns a uniform random offset in [-spread, +spread].
func Jitter(spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*spread))) - spread
}

// JitterFrac returns d shifted by a uniform random factor in [1-frac, 1+frac].
func JitterFrac(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := time.Duration(float64(d) * frac)
	return d + Jitter(spread)
}
