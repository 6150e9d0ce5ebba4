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

// Package config provides configuration management for the gossip engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses from "5s"-style strings in YAML/JSON, or from raw
// nanosecond numbers.
type Duration time.Duration

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) { return d.D().String(), nil }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.D().String()) }

// Config is the main configuration structure.
type Config struct {
	Announcements   AnnouncementsConfig   `yaml:"announcements" json:"announcements"`
	Messages        MessagesConfig        `yaml:"messages" json:"messages"`
	SessionRecovery SessionRecoveryConfig `yaml:"session_recovery" json:"session_recovery"`
	Transport       TransportConfig       `yaml:"transport" json:"transport"`
	Refresh         RefreshConfig         `yaml:"refresh" json:"refresh"`
	Profile         ProfileConfig         `yaml:"profile" json:"profile"`
	Storage         StorageConfig         `yaml:"storage" json:"storage"`
	Logging         LoggingConfig         `yaml:"logging" json:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics" json:"metrics"`
	Health          HealthConfig          `yaml:"health" json:"health"`
}

// AnnouncementsConfig tunes announcement-board processing.
type AnnouncementsConfig struct {
	FetchLimit      int      `yaml:"fetch_limit" json:"fetch_limit"`
	BrokenThreshold Duration `yaml:"broken_threshold" json:"broken_threshold"`
}

// MessagesConfig tunes the outgoing queue and reception loop.
type MessagesConfig struct {
	RetryDelay         Duration `yaml:"retry_delay" json:"retry_delay"`
	RetryMaxDelay      Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	MaxFetchIterations int      `yaml:"max_fetch_iterations" json:"max_fetch_iterations"`
}

// SessionRecoveryConfig tunes killed/saturated session retries.
type SessionRecoveryConfig struct {
	KilledRetryDelay    Duration `yaml:"killed_retry_delay" json:"killed_retry_delay"`
	SaturatedRetryDelay Duration `yaml:"saturated_retry_delay" json:"saturated_retry_delay"`
	Jitter              Duration `yaml:"jitter" json:"jitter"`
}

// TransportConfig tunes the relay client.
type TransportConfig struct {
	BaseURL       string   `yaml:"base_url" json:"base_url"`
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	RetryAttempts int      `yaml:"retry_attempts" json:"retry_attempts"`
	WebsocketURL  string   `yaml:"websocket_url" json:"websocket_url"`
}

// RefreshConfig drives the tick loop.
type RefreshConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
}

// ProfileConfig tunes profile maintenance.
type ProfileConfig struct {
	KeyRepublishInterval Duration `yaml:"key_republish_interval" json:"key_republish_interval"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	// Try to parse as YAML first
	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Try JSON if YAML fails
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Announcements.FetchLimit == 0 {
		cfg.Announcements.FetchLimit = 100
	}
	if cfg.Announcements.BrokenThreshold == 0 {
		cfg.Announcements.BrokenThreshold = Duration(30 * time.Minute)
	}
	if cfg.Messages.RetryDelay == 0 {
		cfg.Messages.RetryDelay = Duration(5 * time.Second)
	}
	if cfg.Messages.RetryMaxDelay == 0 {
		cfg.Messages.RetryMaxDelay = Duration(5 * time.Minute)
	}
	if cfg.Messages.MaxFetchIterations == 0 {
		cfg.Messages.MaxFetchIterations = 10
	}
	if cfg.SessionRecovery.KilledRetryDelay == 0 {
		cfg.SessionRecovery.KilledRetryDelay = Duration(60 * time.Second)
	}
	if cfg.SessionRecovery.SaturatedRetryDelay == 0 {
		cfg.SessionRecovery.SaturatedRetryDelay = Duration(60 * time.Second)
	}
	if cfg.SessionRecovery.Jitter == 0 {
		cfg.SessionRecovery.Jitter = Duration(2 * time.Second)
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = Duration(10 * time.Second)
	}
	if cfg.Transport.RetryAttempts == 0 {
		cfg.Transport.RetryAttempts = 3
	}
	if cfg.Refresh.Interval == 0 {
		cfg.Refresh.Interval = Duration(15 * time.Second)
	}
	if cfg.Profile.KeyRepublishInterval == 0 {
		cfg.Profile.KeyRepublishInterval = Duration(7 * 24 * time.Hour)
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.Postgres.Port == 0 {
		cfg.Storage.Postgres.Port = 5432
	}
	if cfg.Storage.Postgres.SSLMode == "" {
		cfg.Storage.Postgres.SSLMode = "disable"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9190
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8190
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Announcements.FetchLimit < 1 {
		return fmt.Errorf("announcements.fetch_limit must be positive")
	}
	if c.Messages.RetryDelay <= 0 || c.Messages.RetryMaxDelay < c.Messages.RetryDelay {
		return fmt.Errorf("messages retry delays misconfigured")
	}
	if c.Messages.MaxFetchIterations < 1 {
		return fmt.Errorf("messages.max_fetch_iterations must be positive")
	}
	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.type must be memory or postgres, got %q", c.Storage.Type)
	}
	return nil
}
