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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossip-chat/gossip/crypto/keys"
)

func newTestPair(t *testing.T) (*keys.Identity, *Engine, *keys.Identity, *Engine) {
	t.Helper()
	alice, err := keys.Generate()
	require.NoError(t, err)
	bob, err := keys.Generate()
	require.NoError(t, err)
	return alice, NewEngine(alice, DefaultConfig()), bob, NewEngine(bob, DefaultConfig())
}

// handshake drives both sides to Active.
func handshake(t *testing.T, alice *keys.Identity, aliceEng *Engine, bob *keys.Identity, bobEng *Engine) {
	t.Helper()
	annA, err := aliceEng.EstablishOutgoingSession(bob.PublicBlob(), []byte(`{"u":"alice","m":"Hi"}`))
	require.NoError(t, err)
	require.NotEmpty(t, annA)
	require.Equal(t, SelfRequested, aliceEng.PeerSessionStatus(bob.UserID()))

	inc, err := bobEng.FeedIncomingAnnouncement(annA)
	require.NoError(t, err)
	require.NotNil(t, inc)
	require.Equal(t, alice.UserID(), inc.AnnouncerUserID)
	require.Equal(t, PeerRequested, bobEng.PeerSessionStatus(alice.UserID()))

	annB, err := bobEng.EstablishOutgoingSession(alice.PublicBlob(), nil)
	require.NoError(t, err)
	require.Equal(t, Active, bobEng.PeerSessionStatus(alice.UserID()))

	incB, err := aliceEng.FeedIncomingAnnouncement(annB)
	require.NoError(t, err)
	require.NotNil(t, incB)
	require.Equal(t, Active, aliceEng.PeerSessionStatus(bob.UserID()))
}

func TestHandshake(t *testing.T) {
	alice, aliceEng, bob, bobEng := newTestPair(t)
	handshake(t, alice, aliceEng, bob, bobEng)
}

func TestAnnouncement_NotForUs(t *testing.T) {
	alice, aliceEng, bob, _ := newTestPair(t)
	carol, err := keys.Generate()
	require.NoError(t, err)
	carolEng := NewEngine(carol, DefaultConfig())

	ann, err := aliceEng.EstablishOutgoingSession(bob.PublicBlob(), nil)
	require.NoError(t, err)

	inc, err := carolEng.FeedIncomingAnnouncement(ann)
	require.NoError(t, err)
	require.Nil(t, inc)
	require.Equal(t, UnknownPeer, carolEng.PeerSessionStatus(alice.UserID()))

	t.Run("garbage", func(t *testing.T) {
		inc, err := carolEng.FeedIncomingAnnouncement([]byte("definitely not an announcement"))
		require.NoError(t, err)
		require.Nil(t, inc)
	})
}

func TestSendReceiveAndAcks(t *testing.T) {
	alice, aliceEng, bob, bobEng := newTestPair(t)
	handshake(t, alice, aliceEng, bob, bobEng)

	sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("msg1"))
	require.NoError(t, err)
	require.NotNil(t, sealed)

	// Bob is listening on that seeker.
	found := false
	for _, seeker := range bobEng.MessageBoardReadKeys() {
		if string(seeker) == string(sealed.Seeker) {
			found = true
		}
	}
	require.True(t, found)

	opened, err := bobEng.FeedIncomingMessageBoardRead(sealed.Seeker, sealed.Ciphertext)
	require.NoError(t, err)
	require.NotNil(t, opened)
	require.Equal(t, []byte("msg1"), opened.Plaintext)
	require.Equal(t, alice.UserID(), opened.SenderUserID)

	t.Run("replay is consumed", func(t *testing.T) {
		again, err := bobEng.FeedIncomingMessageBoardRead(sealed.Seeker, sealed.Ciphertext)
		require.NoError(t, err)
		require.Nil(t, again)
	})

	t.Run("reply carries the ack", func(t *testing.T) {
		reply, err := bobEng.SendMessage(alice.UserID(), []byte("reply"))
		require.NoError(t, err)
		require.NotNil(t, reply)

		openedReply, err := aliceEng.FeedIncomingMessageBoardRead(reply.Seeker, reply.Ciphertext)
		require.NoError(t, err)
		require.NotNil(t, openedReply)
		require.Equal(t, []byte("reply"), openedReply.Plaintext)

		acked := false
		for _, s := range openedReply.AcknowledgedSeekers {
			if string(s) == string(sealed.Seeker) {
				acked = true
			}
		}
		require.True(t, acked)
	})
}

func TestSendMessage_NotKeyed(t *testing.T) {
	_, aliceEng, bob, _ := newTestPair(t)

	sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("early"))
	require.NoError(t, err)
	require.Nil(t, sealed)

	_, err = aliceEng.EstablishOutgoingSession(bob.PublicBlob(), nil)
	require.NoError(t, err)

	// Still only half a handshake.
	sealed, err = aliceEng.SendMessage(bob.UserID(), []byte("early"))
	require.NoError(t, err)
	require.Nil(t, sealed)
}

func TestSaturation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessages = 2

	alice, err := keys.Generate()
	require.NoError(t, err)
	bob, err := keys.Generate()
	require.NoError(t, err)
	aliceEng := NewEngine(alice, cfg)
	bobEng := NewEngine(bob, cfg)
	handshake(t, alice, aliceEng, bob, bobEng)

	for i := 0; i < 2; i++ {
		sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("m"))
		require.NoError(t, err)
		require.NotNil(t, sealed)
	}
	sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("over"))
	require.NoError(t, err)
	require.Nil(t, sealed)
	require.Equal(t, Saturated, aliceEng.PeerSessionStatus(bob.UserID()))

	t.Run("renewal unsaturates", func(t *testing.T) {
		annA, err := aliceEng.EstablishOutgoingSession(bob.PublicBlob(), nil)
		require.NoError(t, err)
		_, err = bobEng.FeedIncomingAnnouncement(annA)
		require.NoError(t, err)
		require.Equal(t, Active, aliceEng.PeerSessionStatus(bob.UserID()))

		sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("fresh"))
		require.NoError(t, err)
		require.NotNil(t, sealed)

		opened, err := bobEng.FeedIncomingMessageBoardRead(sealed.Seeker, sealed.Ciphertext)
		require.NoError(t, err)
		require.NotNil(t, opened)
		require.Equal(t, []byte("fresh"), opened.Plaintext)
	})
}

func TestRefresh_KeepAliveAndKill(t *testing.T) {
	alice, aliceEng, bob, bobEng := newTestPair(t)
	handshake(t, alice, aliceEng, bob, bobEng)

	sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("hello"))
	require.NoError(t, err)
	_, err = bobEng.FeedIncomingMessageBoardRead(sealed.Seeker, sealed.Ciphertext)
	require.NoError(t, err)

	// Bob owes Alice an ack and has sent nothing: keep-alive needed.
	needing := bobEng.Refresh()
	require.Len(t, needing, 1)
	require.Equal(t, alice.UserID(), needing[0])

	// Sending flushes the pending acks.
	_, err = bobEng.SendMessage(alice.UserID(), []byte("any"))
	require.NoError(t, err)
	require.Empty(t, bobEng.Refresh())

	t.Run("idle session is killed", func(t *testing.T) {
		base := time.Now()
		aliceEng.SetClock(func() time.Time { return base.Add(30 * 24 * time.Hour) })
		aliceEng.Refresh()
		require.Equal(t, Killed, aliceEng.PeerSessionStatus(bob.UserID()))
	})
}

func TestBlobRoundTrip(t *testing.T) {
	alice, aliceEng, bob, bobEng := newTestPair(t)
	handshake(t, alice, aliceEng, bob, bobEng)

	sealed, err := aliceEng.SendMessage(bob.UserID(), []byte("before restart"))
	require.NoError(t, err)
	opened, err := bobEng.FeedIncomingMessageBoardRead(sealed.Seeker, sealed.Ciphertext)
	require.NoError(t, err)
	require.NotNil(t, opened)

	key := []byte("blob key")
	blob, err := aliceEng.ToEncryptedBlob(key)
	require.NoError(t, err)

	restored, err := FromEncryptedBlob(blob, key, alice, DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, Active, restored.PeerSessionStatus(bob.UserID()))

	// Messaging continues across the restart in both directions.
	sealed2, err := restored.SendMessage(bob.UserID(), []byte("after restart"))
	require.NoError(t, err)
	require.NotNil(t, sealed2)
	opened2, err := bobEng.FeedIncomingMessageBoardRead(sealed2.Seeker, sealed2.Ciphertext)
	require.NoError(t, err)
	require.NotNil(t, opened2)
	require.Equal(t, []byte("after restart"), opened2.Plaintext)

	back, err := bobEng.SendMessage(alice.UserID(), []byte("welcome back"))
	require.NoError(t, err)
	openedBack, err := restored.FeedIncomingMessageBoardRead(back.Seeker, back.Ciphertext)
	require.NoError(t, err)
	require.NotNil(t, openedBack)

	t.Run("wrong key", func(t *testing.T) {
		_, err := FromEncryptedBlob(blob, []byte("wrong"), alice, DefaultConfig())
		require.Error(t, err)
	})
}
