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
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/scheduler"
)

// =============================================================================
// audit
// =============================================================================

type auditOutput struct {
	*datatypes.AuditRun
	Findings []datatypes.Finding `json:"findings"`
}

func newAuditCmd(g *globalFlags) *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Run compliance audits",
	}

	var devices, rules []string
	run := &cobra.Command{
		Use:   "run",
		Short: "Audit devices against rules and print the findings",
		Long: `Evaluates every enabled rule that matches each device's protocol. With no
--device every device is audited; with no --rule every rule applies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			result, err := svc.Auditor.Run(cmd.Context(), devices, rules)
			if result == nil {
				return err
			}
			if perr := p.print(auditOutput{AuditRun: result, Findings: result.Findings}, func(w io.Writer) {
				printRun(w, result)
			}); perr != nil {
				return perr
			}
			return err
		},
	}
	run.Flags().StringSliceVarP(&devices, "device", "d", nil, "Device ID to audit (repeatable)")
	run.Flags().StringSliceVarP(&rules, "rule", "r", nil, "Rule ID to apply (repeatable)")
	audit.AddCommand(run)
	return audit
}

func printRun(w io.Writer, run *datatypes.AuditRun) {
	fmt.Fprintf(w, "Run %s\t%s\n\n", run.ID, run.Status)
	fmt.Fprintln(w, "DEVICE\tCOMPLIANT\tNON-COMPLIANT\tERRORS\tSCORE")
	ids := make([]string, 0, len(run.Scores))
	for id := range run.Scores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := run.Scores[id]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.0f%%\n", id, s.Compliant, s.NonCompliant, s.Errors, s.Score*100)
	}
	if len(run.Findings) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFINDING\tDEVICE\tRULE\tCHECK\tSTATUS\tDETAIL")
	for _, f := range run.Findings {
		if f.Status == datatypes.StatusCompliant {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s@%d\t%s\t%s\t%s\n",
			f.ID, f.DeviceID, f.RuleID, f.RuleVersion, f.CheckName, f.Status, f.ErrorDetail)
	}
}

// =============================================================================
// backup / drift
// =============================================================================

func newBackupCmd(g *globalFlags) *cobra.Command {
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Manage configuration backups",
	}

	take := &cobra.Command{
		Use:   "take DEVICE_ID...",
		Short: "Capture and store the running configuration of devices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			var taken []*datatypes.ConfigBackup
			var errs []error
			for _, id := range args {
				d, err := svc.Store.GetDevice(cmd.Context(), id)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				b, err := svc.Backups.Backup(cmd.Context(), d)
				if err != nil {
					errs = append(errs, fmt.Errorf("backup %s: %w", id, err))
					continue
				}
				taken = append(taken, b)
			}
			if err := p.print(taken, func(w io.Writer) {
				fmt.Fprintln(w, "BACKUP\tDEVICE\tHASH\tSIZE\tBASELINE")
				for _, b := range taken {
					fmt.Fprintf(w, "%s\t%s\t%.12s\t%d\t%t\n", b.ID, b.DeviceID, b.ContentHash, b.Size, b.IsBaseline)
				}
			}); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	baseline := &cobra.Command{
		Use:   "baseline DEVICE_ID BACKUP_ID",
		Short: "Promote a stored backup to the device's drift baseline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()
			if err := svc.Backups.SetBaseline(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline for %s is now %s\n", args[0], args[1])
			return nil
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to every device's backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()
			n, err := svc.Backups.PruneAll(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d backups\n", n)
			return err
		},
	}

	backup.AddCommand(take, baseline, prune)
	return backup
}

func newDriftCmd(g *globalFlags) *cobra.Command {
	drift := &cobra.Command{
		Use:   "drift",
		Short: "Detect and acknowledge configuration drift",
	}

	detect := &cobra.Command{
		Use:   "detect DEVICE_ID...",
		Short: "Compare each device's latest backup with its baseline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			events := make([]*datatypes.DriftEvent, 0, len(args))
			var errs []error
			for _, id := range args {
				e, err := svc.Backups.DetectDrift(cmd.Context(), id)
				if err != nil {
					errs = append(errs, fmt.Errorf("drift %s: %w", id, err))
					continue
				}
				if e != nil {
					events = append(events, e)
				}
			}
			if err := p.print(events, func(w io.Writer) {
				if len(events) == 0 {
					fmt.Fprintln(w, "no drift")
					return
				}
				for _, e := range events {
					fmt.Fprintf(w, "Drift %s\t%s\tseverity=%s\t+%d -%d\n",
						e.ID, e.DeviceID, e.Severity, e.Stats.Added, e.Stats.Deleted)
					fmt.Fprintln(w, e.Diff)
				}
			}); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}

	ack := &cobra.Command{
		Use:   "ack EVENT_ID",
		Short: "Acknowledge a drift event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()
			if err := svc.Backups.AcknowledgeDrift(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acknowledged %s\n", args[0])
			return nil
		},
	}

	drift.AddCommand(detect, ack)
	return drift
}

// =============================================================================
// remediate
// =============================================================================

func newRemediateCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "remediate FINDING_ID",
		Short: "Push the expected configuration for a non-compliant finding",
		Long: `Builds a configuration payload from the finding's expected value and pushes
it to the device. Any failure is rolled back. With --dry-run the payload is
only validated and never committed. A successful apply queues a re-audit of
the device; the command waits up to --wait for it to finish.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			action, err := svc.Remediation.Remediate(cmd.Context(), args[0], dryRun)
			if action == nil {
				return err
			}
			if action.ReAuditTriggered && svc.Config().Trigger.RemoteURL == "" {
				waitIdle(cmd.Context(), svc.Dispatcher.Pending, wait)
			}
			if perr := p.print(action, func(w io.Writer) {
				fmt.Fprintf(w, "Action\t%s\n", action.ID)
				fmt.Fprintf(w, "Device\t%s\n", action.DeviceID)
				fmt.Fprintf(w, "Dry run\t%t\n", action.DryRun)
				fmt.Fprintf(w, "Applied\t%t\n", action.Applied)
				fmt.Fprintf(w, "Re-audit queued\t%t\n", action.ReAuditTriggered)
				if action.Error != "" {
					fmt.Fprintf(w, "Error\t%s\n", action.Error)
				}
				if action.RollbackError != "" {
					fmt.Fprintf(w, "Rollback error\t%s\n", action.RollbackError)
				}
			}); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the payload on the device without committing")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for the follow-up re-audit")
	return cmd
}

// waitIdle polls pending until it reports zero, ctx ends or limit elapses.
func waitIdle(ctx context.Context, pending func() int, limit time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if pending() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// =============================================================================
// health / discovery
// =============================================================================

func newHealthCmd(g *globalFlags) *cobra.Command {
	health := &cobra.Command{
		Use:   "health",
		Short: "Probe device reachability",
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Run one health sweep over every enabled device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			sum, err := svc.Scheduler.CheckHealth(cmd.Context())
			if err != nil {
				return err
			}
			return p.print(sum, func(w io.Writer) {
				fmt.Fprintf(w, "Checked\t%d\nReachable\t%d\nPort open\t%d\nSkipped (backoff)\t%d\n",
					sum.Checked, sum.Reachable, sum.PortOpen, sum.Skipped)
			})
		},
	}
	health.AddCommand(check)
	return health
}

func newDiscoveryCmd(g *globalFlags) *cobra.Command {
	discovery := &cobra.Command{
		Use:   "discovery",
		Short: "Manage and run discovery groups",
	}

	run := &cobra.Command{
		Use:   "run GROUP_ID",
		Short: "Scan a discovery group now and register what answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := newPrinter(cmd, g.output)
			if err != nil {
				return err
			}
			svc, closeSvc, err := g.openService(cmd.Context())
			if err != nil {
				return err
			}
			defer closeSvc()

			groups, err := svc.Store.ListDiscoveryGroups(cmd.Context())
			if err != nil {
				return err
			}
			var group *datatypes.DiscoveryGroup
			for _, gr := range groups {
				if gr.ID == args[0] {
					group = gr
				}
			}
			if group == nil {
				return fmt.Errorf("discovery group %q not found", args[0])
			}

			res, err := svc.Scheduler.Discover(cmd.Context(), group)
			var quota *scheduler.QuotaExceededError
			if err != nil && !errors.As(err, &quota) {
				return err
			}
			if perr := p.print(res, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned\t%d\n", res.Scanned)
				fmt.Fprintf(w, "Registered\t%v\n", res.Registered)
				fmt.Fprintf(w, "Already known\t%v\n", res.Known)
				fmt.Fprintf(w, "Rejected (quota)\t%v\n", res.Rejected)
			}); perr != nil {
				return perr
			}
			return err
		},
	}

	discovery.AddCommand(run, newDiscoveryApplyCmd(g))
	return discovery
}
