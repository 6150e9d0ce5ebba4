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

// Command gossip runs the client engine against a relay.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gossip-chat/gossip/config"
	"github.com/gossip-chat/gossip/pkg/version"
)

var (
	configPath   string
	identityPath string
)

func main() {
	root := &cobra.Command{
		Use:   "gossip",
		Short: "Peer-to-peer encrypted messaging client engine",
		Long: `gossip is the client engine of a peer-to-peer, end-to-end-encrypted
messaging service. All ciphertext moves through an untrusted relay;
sessions, queues and lifecycles are managed locally.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&identityPath, "identity", defaultIdentityPath(), "path to identity file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newIDCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "gossip-identity"
	}
	return filepath.Join(home, ".config", "gossip", "identity")
}

func loadConfig() (*config.Config, error) {
	config.LoadEnv()
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func passphrase() []byte {
	return []byte(os.Getenv("GOSSIP_PASSPHRASE"))
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok (relay: %s, storage: %s)\n",
				cfg.Transport.BaseURL, cfg.Storage.Type)
			return nil
		},
	})
	return cmd
}
