// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/authsvc/internal/auth"
)

// NewOriginsCmd creates the origins subcommand.
func NewOriginsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "origins",
		Short: "Print the trusted origins",
		Long: `Print the trusted-origin allow-list derived from NEXT_PUBLIC_APP_URL,
VERCEL_URL and the loopback development origin, in order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			origins := cfg.TrustedOrigins()
			for _, origin := range origins {
				if err := auth.ValidateOrigin(origin); err != nil {
					return err
				}
			}

			if asJSON {
				out, err := json.Marshal(origins)
				if err != nil {
					return oops.Code("OUTPUT_FAILED").Wrap(err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			for _, origin := range origins {
				fmt.Fprintln(cmd.OutOrStdout(), origin)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as a JSON array")
	return cmd
}
