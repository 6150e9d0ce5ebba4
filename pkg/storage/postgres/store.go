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

// Package postgres implements storage.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gossip-chat/gossip/core/errs"
	"github.com/gossip-chat/gossip/pkg/storage"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements the storage.Store interface for PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// NewStore connects, migrates the schema and returns a store.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{pool: pool, q: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gossip_profiles (
		user_id          TEXT PRIMARY KEY,
		username         TEXT NOT NULL,
		public_keys      BYTEA,
		secret_blob      BYTEA,
		session_blob     BYTEA,
		last_cursor      TEXT NOT NULL DEFAULT '',
		last_key_publish BIGINT NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS gossip_contacts (
		owner_user_id   TEXT NOT NULL,
		contact_user_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		public_keys     BYTEA,
		avatar          BYTEA,
		last_seen_at    BIGINT NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		PRIMARY KEY (owner_user_id, contact_user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS gossip_contacts_name
		ON gossip_contacts (owner_user_id, lower(name))`,
	`CREATE TABLE IF NOT EXISTS gossip_discussions (
		id               TEXT NOT NULL UNIQUE,
		owner_user_id    TEXT NOT NULL,
		contact_user_id  TEXT NOT NULL,
		direction        TEXT NOT NULL,
		status           TEXT NOT NULL,
		we_accepted      BOOLEAN NOT NULL DEFAULT FALSE,
		initiation       BYTEA,
		send_ann_data    BYTEA,
		send_ann_when    BIGINT,
		ann_message      TEXT NOT NULL DEFAULT '',
		recovery         JSONB,
		unread_count     INT NOT NULL DEFAULT 0,
		created_at       BIGINT NOT NULL,
		updated_at       BIGINT NOT NULL,
		PRIMARY KEY (owner_user_id, contact_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS gossip_messages (
		id                BIGSERIAL PRIMARY KEY,
		owner_user_id     TEXT NOT NULL,
		contact_user_id   TEXT NOT NULL,
		direction         TEXT NOT NULL,
		type              TEXT NOT NULL,
		status            TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		seeker            BYTEA,
		encrypted_message BYTEA,
		when_to_send      BIGINT NOT NULL DEFAULT 0,
		send_attempts     INT NOT NULL DEFAULT 0,
		ts                BIGINT NOT NULL,
		created_at        BIGINT NOT NULL,
		updated_at        BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS gossip_messages_seeker
		ON gossip_messages (owner_user_id, contact_user_id, seeker)
		WHERE seeker IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS gossip_messages_status
		ON gossip_messages (owner_user_id, status)`,
	`CREATE INDEX IF NOT EXISTS gossip_messages_conv
		ON gossip_messages (owner_user_id, contact_user_id, ts, id)`,
	`CREATE TABLE IF NOT EXISTS gossip_pending_announcements (
		id            BIGSERIAL PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		counter       TEXT NOT NULL,
		data          BYTEA NOT NULL,
		received_at   BIGINT NOT NULL,
		UNIQUE (owner_user_id, counter)
	)`,
	`CREATE TABLE IF NOT EXISTS gossip_pending_ciphertexts (
		id            BIGSERIAL PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		seeker        BYTEA NOT NULL,
		ciphertext    BYTEA NOT NULL,
		received_at   BIGINT NOT NULL,
		UNIQUE (owner_user_id, seeker)
	)`,
}

// Profiles returns the profile table.
func (s *Store) Profiles() storage.ProfileStore { return profileStore{s.q} }

// Contacts returns the contact table.
func (s *Store) Contacts() storage.ContactStore { return contactStore{s.q} }

// Discussions returns the discussion table.
func (s *Store) Discussions() storage.DiscussionStore { return discussionStore{s.q} }

// Messages returns the message table.
func (s *Store) Messages() storage.MessageStore { return messageStore{s.q} }

// Pending returns the staging tables.
func (s *Store) Pending() storage.PendingStore { return pendingStore{s.q} }

// RunInTx runs fn inside one database transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; join it.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping checks the storage connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// mapErr normalizes pgx errors onto the engine error kinds.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, errs.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", op, err)
}
