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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gossip-chat/gossip/core/identifier"
	"github.com/gossip-chat/gossip/crypto/keys"
)

func newIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Identity management",
	}
	cmd.AddCommand(newIDNewCmd(), newIDShowCmd())
	return cmd
}

func newIDNewCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a fresh identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(identityPath); err == nil && !force {
				return fmt.Errorf("identity file %s already exists (use --force to overwrite)", identityPath)
			}
			id, err := keys.Generate()
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}
			if err := saveIdentity(id); err != nil {
				return err
			}
			encoded, err := identifier.EncodeUserID(id.UserID())
			if err != nil {
				return err
			}
			fmt.Printf("identity written to %s\n", identityPath)
			fmt.Printf("user id: %s\n", encoded)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

func newIDShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the local identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			encoded, err := identifier.EncodeUserID(id.UserID())
			if err != nil {
				return err
			}
			fmt.Printf("user id:     %s\n", encoded)
			fmt.Printf("fingerprint: %s\n", identifier.Fingerprint(id.PublicBlob()))
			fmt.Printf("public keys: %s\n", identifier.EncodeBlob(id.PublicBlob()))
			return nil
		},
	}
}

func saveIdentity(id *keys.Identity) error {
	sealed, err := id.SealWithKey(passphrase())
	if err != nil {
		return fmt.Errorf("seal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(identityPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(identityPath, sealed, 0o600)
}

func loadIdentity() (*keys.Identity, error) {
	data, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, fmt.Errorf("read identity (run \"gossip id new\" first): %w", err)
	}
	id, err := keys.OpenSealed(data, passphrase())
	if err != nil {
		return nil, fmt.Errorf("open identity (check GOSSIP_PASSPHRASE): %w", err)
	}
	return id, nil
}
