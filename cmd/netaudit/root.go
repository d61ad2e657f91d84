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
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNetAudit/pkg/logging"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/config"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	output     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "netaudit",
		Short: "Audit, back up and remediate network device configuration",
		Long: `netaudit checks device configuration against versioned compliance rules,
keeps configuration backups with drift detection, and pushes remediations
with automatic rollback. "netaudit serve" runs the scheduler and HTTP API;
the other commands run one operation against the same store and exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", os.Getenv("NETAUDIT_CONFIG"),
		"Path to the YAML configuration file (env NETAUDIT_CONFIG)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "auto",
		"Output format: auto, json or text. auto prints JSON when stdout is not a terminal")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(g),
		newAuditCmd(g),
		newBackupCmd(g),
		newDriftCmd(g),
		newRemediateCmd(g),
		newDeviceCmd(g),
		newRuleCmd(g),
		newScheduleCmd(g),
		newDiscoveryCmd(g),
		newHealthCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the configuration and applies flag overrides.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		if err := cfg.Logging.Level.UnmarshalText([]byte(g.logLevel)); err != nil {
			return nil, err
		}
	}
	cfg.Telemetry.ServiceVersion = version
	return cfg, nil
}

// openService loads configuration, builds the logger and the service. The
// returned closer releases both.
func (g *globalFlags) openService(ctx context.Context) (*netaudit.Service, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return openServiceWith(ctx, cfg)
}

func openServiceWith(ctx context.Context, cfg *config.Config) (*netaudit.Service, func(), error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		// The logger still writes to stderr.
		logger.Slog().Warn("file logging disabled", "error", err)
	}
	svc, err := netaudit.New(ctx, cfg, logger.Slog())
	if err != nil {
		_ = logger.Close()
		return nil, nil, fmt.Errorf("start netaudit: %w", err)
	}
	closer := func() {
		if err := svc.Close(); err != nil {
			logger.Slog().Warn("shutdown incomplete", "error", err)
		}
		_ = logger.Close()
	}
	return svc, closer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the netaudit version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "netaudit", version)
		},
	}
}
