// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/config"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: `Runs the health, discovery, scheduled-audit and retention timers and serves
the HTTP API (GET /health, GET /metrics, POST /v1/audits) until interrupted.
When a configuration file is given it is watched and scheduler settings are
reloaded on change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			svc, closeSvc, err := openServiceWith(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeSvc()

			if g.configPath != "" && !noWatch {
				w, err := config.NewWatcher(g.configPath, func(next *config.Config) {
					next.Telemetry.ServiceVersion = version
					svc.Reconfigure(next)
				}, svc.Logger())
				if err != nil {
					svc.Logger().Warn("config hot reload disabled", "error", err)
				} else {
					go w.Run(ctx)
				}
			}
			return svc.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the configuration file on change")
	return cmd
}
