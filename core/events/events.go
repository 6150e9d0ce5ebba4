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

// Package events is the typed publish/subscribe surface the engine uses to
// notify callers of lifecycle changes.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// Type names one event family.
type Type string

const (
	// DiscussionRequest fires for every processed incoming announcement
	// addressed to us, whether it opened a new discussion or updated an
	// existing one.
	DiscussionRequest Type = "discussion_request"

	// SessionRenewalNeeded fires when a stale initiation suggests the
	// session should be re-established.
	SessionRenewalNeeded Type = "session_renewal_needed"

	// SessionBecameActive fires when a peer session reaches Active; queued
	// outgoing messages can now be encrypted and sent.
	SessionBecameActive Type = "session_became_active"

	// DiscussionStatusChanged fires on every discussion status transition.
	DiscussionStatusChanged Type = "discussion_status_changed"

	// Error fires for failures surfaced to the caller asynchronously.
	Error Type = "error"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Type          Type
	OwnerUserID   string
	ContactUserID string
	Discussion    *storage.Discussion
	OldStatus     storage.DiscussionStatus
	NewStatus     storage.DiscussionStatus
	Err           error
}

// Handler consumes one event. Handlers run synchronously on the emitting
// tick; long work belongs on the subscriber's own goroutine.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Emitter is a typed publish/subscribe hub.
type Emitter struct {
	mu   sync.RWMutex
	subs map[Type][]subscription
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[Type][]subscription)}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (e *Emitter) Subscribe(t Type, h Handler) (unsubscribe func()) {
	id := uuid.NewString()
	e.mu.Lock()
	e.subs[t] = append(e.subs[t], subscription{id: id, handler: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[t]
		for i, s := range list {
			if s.id == id {
				e.subs[t] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event type.
func (e *Emitter) SubscribeAll(h Handler) (unsubscribe func()) {
	unsubs := []func(){
		e.Subscribe(DiscussionRequest, h),
		e.Subscribe(SessionRenewalNeeded, h),
		e.Subscribe(SessionBecameActive, h),
		e.Subscribe(DiscussionStatusChanged, h),
		e.Subscribe(Error, h),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Emit delivers ev to every subscriber of its type.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	list := make([]subscription, len(e.subs[ev.Type]))
	copy(list, e.subs[ev.Type])
	e.mu.RUnlock()

	for _, s := range list {
		s.handler(ev)
	}
}
