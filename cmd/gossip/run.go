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

package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gossip-chat/gossip/config"
	"github.com/gossip-chat/gossip/core"
	"github.com/gossip-chat/gossip/core/events"
	"github.com/gossip-chat/gossip/internal/logger"
	"github.com/gossip-chat/gossip/internal/metrics"
	"github.com/gossip-chat/gossip/pkg/health"
	"github.com/gossip-chat/gossip/pkg/storage"
	"github.com/gossip-chat/gossip/pkg/storage/memory"
	"github.com/gossip-chat/gossip/pkg/storage/postgres"
	transporthttp "github.com/gossip-chat/gossip/pkg/transport/http"
	"github.com/gossip-chat/gossip/pkg/transport/ws"
)

func newRunCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine tick loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Transport.BaseURL == "" {
				return fmt.Errorf("no relay configured (set transport.base_url, or GOSSIP_RELAY_URL together with --config)")
			}
			return runEngine(cmd.Context(), cfg, username)
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name for a fresh profile")
	return cmd
}

func runEngine(parent context.Context, cfg *config.Config, username string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.NewDefaultLogger()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetDefaultLogger(log)

	identity, err := loadIdentity()
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	relay := transporthttp.NewClient(cfg.Transport.BaseURL,
		transporthttp.WithTimeout(cfg.Transport.Timeout.D()),
		transporthttp.WithRetryAttempts(cfg.Transport.RetryAttempts),
		transporthttp.WithTokenSigner(identity),
	)

	met := metrics.NewCollector()
	client, err := core.Open(ctx, core.Options{
		Identity: identity,
		Store:    store,
		Relay:    relay,
		Config:   cfg,
		Username: username,
		BlobKey:  passphrase(),
		Logger:   log,
		Metrics:  met,
	})
	if err != nil {
		return err
	}

	client.Events().SubscribeAll(func(ev events.Event) {
		log.Info("event",
			logger.String("type", string(ev.Type)),
			logger.String("contact", ev.ContactUserID),
			logger.Error(ev.Err))
	})

	if cfg.Metrics.Enabled {
		go serveHTTP(log, cfg.Metrics.Port, cfg.Metrics.Path, met.Handler())
	}
	if cfg.Health.Enabled {
		checker := health.NewChecker()
		checker.Register("store", store.Ping)
		go serveHTTP(log, cfg.Health.Port, cfg.Health.Path, checker.Handler())
	}
	if cfg.Transport.WebsocketURL != "" {
		collector := ws.NewCollector(cfg.Transport.WebsocketURL, client.Owner(), store, log)
		go func() {
			if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("collector stopped", logger.Error(err))
			}
		}()
	}

	log.Info("engine running",
		logger.String("owner", client.Owner()),
		logger.Duration("tick", cfg.Refresh.Interval.D()))
	err = client.Run(ctx)
	if ctx.Err() != nil {
		log.Info("engine stopped")
		return nil
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Type {
	case "postgres":
		return postgres.NewStore(ctx, &postgres.Config{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		})
	default:
		return memory.NewStore(), nil
	}
}

func serveHTTP(log logger.Logger, port int, path string, handler nethttp.Handler) {
	mux := nethttp.NewServeMux()
	mux.Handle(path, handler)
	addr := fmt.Sprintf(":%d", port)
	if err := nethttp.ListenAndServe(addr, mux); err != nil {
		log.Error("http server stopped", logger.String("addr", addr), logger.Error(err))
	}
}
