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
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// HealthSummary counts the outcome of one health sweep.
type HealthSummary struct {
	Checked   int `json:"checked"`
	Reachable int `json:"reachable"`
	PortOpen  int `json:"port_open"`
	Skipped   int `json:"skipped"`
}

// probeResult is the outcome of one TCP dial.
type probeResult struct {
	reachable bool
	portOpen  bool
	latency   time.Duration
	err       error
}

// probe dials address once. A refused connection proves the host answers
// at the network layer even though the port is closed.
func (s *Scheduler) probe(ctx context.Context, address string, timeout time.Duration) probeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dial(ctx, "tcp", address)
	latency := time.Since(start)
	if err == nil {
		_ = conn.Close()
		return probeResult{reachable: true, portOpen: true, latency: latency}
	}
	return probeResult{
		reachable: errors.Is(err, syscall.ECONNREFUSED),
		latency:   latency,
		err:       err,
	}
}

// CheckHealth probes every enabled device outside its backoff window.
//
// # Description
//
// Each device gets one TCP dial to its management port, at most
// HealthConcurrency at a time. Results are stored as the device's latest
// HealthStatus. A device whose port does not answer counts as a connection
// failure for backoff. A successful probe does not clear backoff; only a
// protocol session can prove the device is usable again.
//
// # Outputs
//
//   - HealthSummary: Counts for this sweep.
//   - error: Listing or persistence failures, or ctx.Err().
func (s *Scheduler) CheckHealth(ctx context.Context) (HealthSummary, error) {
	ctx, span := tracer.Start(ctx, "scheduler.CheckHealth")
	defer span.End()

	cfg := s.Config()
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("list devices: %w", err)
	}

	var checked, reachable, portOpen, skipped atomic.Int64
	var persistErr atomic.Pointer[error]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.HealthConcurrency)
	for _, d := range devices {
		if gctx.Err() != nil {
			break
		}
		if !d.Enabled {
			continue
		}
		if err := s.backoff.Check(gctx, d.ID); err != nil {
			s.skip(JobHealth, d, err)
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res := s.probe(gctx, d.Target(), cfg.DialTimeout)
			if gctx.Err() != nil {
				// Cancelled mid-probe: the result says nothing about the device.
				return nil
			}
			checked.Add(1)
			if res.reachable {
				reachable.Add(1)
			}
			if res.portOpen {
				portOpen.Add(1)
			}
			if err := s.recordHealth(gctx, d, res); err != nil {
				persistErr.CompareAndSwap(nil, &err)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := HealthSummary{
		Checked:   int(checked.Load()),
		Reachable: int(reachable.Load()),
		PortOpen:  int(portOpen.Load()),
		Skipped:   int(skipped.Load()),
	}
	span.SetAttributes(
		attribute.Int("health.checked", summary.Checked),
		attribute.Int("health.skipped", summary.Skipped),
	)
	s.logger.Debug("health sweep finished",
		slog.Int("checked", summary.Checked),
		slog.Int("reachable", summary.Reachable),
		slog.Int("skipped", summary.Skipped))

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if p := persistErr.Load(); p != nil {
		return summary, *p
	}
	return summary, nil
}

func (s *Scheduler) recordHealth(ctx context.Context, d *datatypes.Device, res probeResult) error {
	status := &datatypes.HealthStatus{
		DeviceID:  d.ID,
		Reachable: res.reachable,
		PortOpen:  res.portOpen,
		Latency:   res.latency,
		CheckedAt: s.now().UTC(),
	}
	if res.err != nil {
		status.Error = res.err.Error()
	}
	s.metrics.RecordHealthCheck(res.portOpen)

	if !res.portOpen {
		cerr := &connector.ConnectionError{DeviceID: d.ID, Op: "probe", Kind: connector.ClassifyDial(res.err), Err: res.err}
		s.metrics.RecordConnectionFailure(d.VendorProtocol, string(cerr.Kind))
		if _, err := s.backoff.RecordFailure(context.WithoutCancel(ctx), d.ID, cerr); err != nil {
			s.logger.Warn("backoff update failed", slog.String("device_id", d.ID), slog.String("error", err.Error()))
		}
	}

	if err := s.store.PutHealth(context.WithoutCancel(ctx), status); err != nil {
		return fmt.Errorf("store health for %s: %w", d.ID, err)
	}
	return nil
}

func (s *Scheduler) skip(job string, d *datatypes.Device, err error) {
	if errors.Is(err, backoff.ErrInBackoff) {
		s.metrics.RecordBackoffSkip(job)
		s.logger.Debug("device skipped, in backoff window",
			slog.String("job", job),
			slog.String("device_id", d.ID),
			slog.String("reason", err.Error()))
		return
	}
	s.logger.Warn("backoff lookup failed, device skipped",
		slog.String("job", job),
		slog.String("device_id", d.ID),
		slog.String("error", err.Error()))
}
