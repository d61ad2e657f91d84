// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// RunDueAudits runs every enabled audit schedule whose cadence is due.
//
// # Description
//
// Devices in their backoff window are removed from a schedule's device set
// for this cycle. A schedule left with no eligible device is skipped but
// still marked as run, so it is not retried until its next slot. At most
// AuditConcurrency schedules run at once.
//
// # Outputs
//
//   - []*datatypes.AuditRun: The runs that executed, in no particular order.
//   - error: Joined failures of individual schedules, or ctx.Err().
func (s *Scheduler) RunDueAudits(ctx context.Context) ([]*datatypes.AuditRun, error) {
	if s.auditor == nil {
		return nil, errors.New("scheduler: no auditor configured")
	}
	ctx, span := tracer.Start(ctx, "scheduler.RunDueAudits")
	defer span.End()

	cfg := s.Config()
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	var (
		mu   sync.Mutex
		runs []*datatypes.AuditRun
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.AuditConcurrency)
	for _, sc := range schedules {
		if !sc.Enabled {
			continue
		}
		now := s.now()
		due, err := Due(sc.Cadence, sc.LastRunAt, now)
		if err != nil {
			fail(fmt.Errorf("schedule %s: %w", sc.ID, err))
			continue
		}
		if !due {
			continue
		}

		g.Go(func() error {
			logger := s.logger.With(slog.String("schedule_id", sc.ID))
			ids := s.eligibleDevices(gctx, sc, devices)
			if gctx.Err() != nil {
				return nil
			}
			if len(ids) == 0 {
				logger.Info("scheduled audit skipped, no eligible devices")
			} else {
				run, err := s.auditor.Run(gctx, ids, sc.RuleIDs)
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					fail(fmt.Errorf("schedule %s: %w", sc.ID, err))
				} else {
					mu.Lock()
					runs = append(runs, run)
					mu.Unlock()
					logger.Info("scheduled audit finished",
						slog.String("run_id", run.ID),
						slog.String("status", string(run.Status)))
				}
			}
			if err := s.store.MarkScheduleRun(context.WithoutCancel(gctx), sc.ID, now.UTC()); err != nil {
				fail(fmt.Errorf("mark schedule %s: %w", sc.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return runs, err
	}
	return runs, errors.Join(errs...)
}

// eligibleDevices resolves a schedule's device set: all enabled devices when
// the schedule names none, minus unknown, disabled and backed-off devices.
func (s *Scheduler) eligibleDevices(ctx context.Context, sc *datatypes.AuditSchedule, devices []*datatypes.Device) []string {
	byID := make(map[string]*datatypes.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	var candidates []*datatypes.Device
	if len(sc.DeviceIDs) == 0 {
		candidates = devices
	} else {
		for _, id := range sc.DeviceIDs {
			d, ok := byID[id]
			if !ok {
				s.logger.Warn("scheduled device not found", slog.String("schedule_id", sc.ID), slog.String("device_id", id))
				continue
			}
			candidates = append(candidates, d)
		}
	}

	seen := make(map[string]bool, len(candidates))
	var ids []string
	for _, d := range candidates {
		if !d.Enabled || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if err := s.backoff.Check(ctx, d.ID); err != nil {
			s.skip(JobAudit, d, err)
			continue
		}
		ids = append(ids, d.ID)
	}
	return ids
}
