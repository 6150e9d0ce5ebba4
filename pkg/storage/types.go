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

package storage

import "encoding/base64"

// DiscussionDirection says which side opened the conversation.
type DiscussionDirection string

const (
	DirectionInitiated DiscussionDirection = "initiated"
	DirectionReceived  DiscussionDirection = "received"
)

// DiscussionStatus is the orchestration-level view of a conversation.
type DiscussionStatus string

const (
	DiscussionPending      DiscussionStatus = "pending"
	DiscussionActive       DiscussionStatus = "active"
	DiscussionSendFailed   DiscussionStatus = "send_failed"
	DiscussionBroken       DiscussionStatus = "broken"
	DiscussionReconnecting DiscussionStatus = "reconnecting"
	// DiscussionReceived means the peer requested and we have not accepted yet.
	DiscussionReceived DiscussionStatus = "received"
)

// MessageDirection tells incoming from outgoing rows.
type MessageDirection string

const (
	MessageIncoming MessageDirection = "incoming"
	MessageOutgoing MessageDirection = "outgoing"
)

// MessageType distinguishes user text from protocol traffic.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeAnnouncement MessageType = "announcement"
	TypeKeepAlive    MessageType = "keep_alive"
)

// MessageStatus is the outgoing-queue state machine position.
type MessageStatus string

const (
	StatusWaitingSession MessageStatus = "waiting_session"
	StatusReady          MessageStatus = "ready"
	StatusSending        MessageStatus = "sending"
	StatusSent           MessageStatus = "sent"
	StatusDelivered      MessageStatus = "delivered"
	StatusRead           MessageStatus = "read"
	StatusFailed         MessageStatus = "failed"
)

// UserProfile is the one-per-identity row. Keyed by encoded user id.
type UserProfile struct {
	UserID                 string `json:"userId"`
	Username               string `json:"username"`
	PublicKeys             []byte `json:"publicKeys"`
	SecretBlob             []byte `json:"secretBlob"`
	SessionBlob            []byte `json:"sessionBlob,omitempty"`
	LastAnnouncementCursor string `json:"lastAnnouncementCursor"`
	LastKeyPublishAt       int64  `json:"lastKeyPublishAt"`
	CreatedAt              int64  `json:"createdAt"`
	UpdatedAt              int64  `json:"updatedAt"`
}

// Contact is keyed by (owner, contact) and unique on (owner, name).
type Contact struct {
	OwnerUserID   string `json:"ownerUserId"`
	ContactUserID string `json:"contactUserId"`
	Name          string `json:"name"`
	PublicKeys    []byte `json:"publicKeys"`
	Avatar        []byte `json:"avatar,omitempty"`
	LastSeenAt    int64  `json:"lastSeenAt"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// QueuedAnnouncement is an announcement owed to the transport, with its
// not-before time in wall-clock milliseconds.
type QueuedAnnouncement struct {
	Data       []byte `json:"data"`
	WhenToSend int64  `json:"whenToSend"`
}

// SessionRecovery is persisted backoff state for killed/saturated sessions.
type SessionRecovery struct {
	KilledNextRetryAt  int64 `json:"killedNextRetryAt,omitempty"`
	SaturatedRetryAt   int64 `json:"saturatedRetryAt,omitempty"`
	SaturatedRetryDone bool  `json:"saturatedRetryDone,omitempty"`
}

// Discussion carries the conversation-level session lifecycle.
// Exactly one exists per (owner, contact).
type Discussion struct {
	ID                     string              `json:"id"`
	OwnerUserID            string              `json:"ownerUserId"`
	ContactUserID          string              `json:"contactUserId"`
	Direction              DiscussionDirection `json:"direction"`
	Status                 DiscussionStatus    `json:"status"`
	WeAccepted             bool                `json:"weAccepted"`
	InitiationAnnouncement []byte              `json:"initiationAnnouncement,omitempty"`
	SendAnnouncement       *QueuedAnnouncement `json:"sendAnnouncement,omitempty"`
	AnnouncementMessage    string              `json:"announcementMessage,omitempty"`
	SessionRecovery        *SessionRecovery    `json:"sessionRecovery,omitempty"`
	UnreadCount            int                 `json:"unreadCount"`
	CreatedAt              int64               `json:"createdAt"`
	UpdatedAt              int64               `json:"updatedAt"`
}

// Message is one queue row. ID is store-assigned and increasing.
// (OwnerUserID, ContactUserID, Seeker) is unique when Seeker is present.
type Message struct {
	ID               int64            `json:"id"`
	OwnerUserID      string           `json:"ownerUserId"`
	ContactUserID    string           `json:"contactUserId"`
	Direction        MessageDirection `json:"direction"`
	Type             MessageType      `json:"type"`
	Status           MessageStatus    `json:"status"`
	Content          string           `json:"content"`
	Seeker           []byte           `json:"seeker,omitempty"`
	EncryptedMessage []byte           `json:"encryptedMessage,omitempty"`
	WhenToSend       int64            `json:"whenToSend,omitempty"`
	SendAttempts     int              `json:"sendAttempts,omitempty"`
	Timestamp        int64            `json:"timestamp"`
	CreatedAt        int64            `json:"createdAt"`
	UpdatedAt        int64            `json:"updatedAt"`
}

// PendingAnnouncement is a staged announcement-board row awaiting processing.
type PendingAnnouncement struct {
	ID          int64  `json:"id"`
	OwnerUserID string `json:"ownerUserId"`
	Counter     string `json:"counter"`
	Data        []byte `json:"data"`
	ReceivedAt  int64  `json:"receivedAt"`
}

// PendingCiphertext is a staged message-board row awaiting processing.
type PendingCiphertext struct {
	ID          int64  `json:"id"`
	OwnerUserID string `json:"ownerUserId"`
	Seeker      []byte `json:"seeker"`
	Ciphertext  []byte `json:"ciphertext"`
	ReceivedAt  int64  `json:"receivedAt"`
}

// SeekerKey renders a seeker as a map/index key.
func SeekerKey(seeker []byte) string {
	return base64.RawURLEncoding.EncodeToString(seeker)
}
