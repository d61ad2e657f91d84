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
	"net/netip"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// QuotaExceededError reports candidates that were found but not registered
// because the device quota was reached. The sweep itself succeeded for
// everything else.
type QuotaExceededError struct {
	GroupID  string
	Limit    int
	Rejected []string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("discovery group %s: device quota of %d reached, %d candidate(s) rejected: %s",
		e.GroupID, e.Limit, len(e.Rejected), strings.Join(e.Rejected, ", "))
}

// ErrRangeTooLarge is returned for a CIDR with more hosts than allowed.
var ErrRangeTooLarge = errors.New("address range too large")

// hosts lists the host addresses of prefix in ascending order. For IPv4
// prefixes shorter than /31 the network and broadcast addresses are left out.
func hosts(prefix netip.Prefix, limit int) ([]netip.Addr, error) {
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits > 30 || 1<<hostBits > limit+2 {
		return nil, fmt.Errorf("%s: %w (limit %d hosts)", prefix, ErrRangeTooLarge, limit)
	}

	out := make([]netip.Addr, 0, 1<<hostBits)
	for a := prefix.Addr(); a.IsValid() && prefix.Contains(a); a = a.Next() {
		out = append(out, a)
	}
	if prefix.Addr().Is4() && hostBits >= 2 {
		out = out[1 : len(out)-1]
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%s: %w (limit %d hosts)", prefix, ErrRangeTooLarge, limit)
	}
	return out, nil
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.ProbeRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(cfg.ProbeRate), cfg.ProbeBurst)
}

// Discover scans one group and registers what it finds.
//
// # Description
//
// Every host of the group's CIDR is probed on the group port (or the
// protocol default), rate limited and at most DiscoveryConcurrency at a time.
// Hosts that belong to a registered device inside its backoff window are not
// probed. Answering hosts become candidates in ascending address order and
// are registered up to the device quota.
//
// # Outputs
//
//   - *datatypes.DiscoveryResult: Always non-nil once scanning started.
//   - error: *QuotaExceededError when candidates were rejected (the result is
//     still valid), ctx.Err() when cancelled (nothing is registered), or a
//     range/storage error.
func (s *Scheduler) Discover(ctx context.Context, g *datatypes.DiscoveryGroup) (*datatypes.DiscoveryResult, error) {
	return s.discover(ctx, g, newLimiter(s.Config()))
}

func (s *Scheduler) discover(ctx context.Context, g *datatypes.DiscoveryGroup, limiter *rate.Limiter) (*datatypes.DiscoveryResult, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Discover", trace.WithAttributes(
		attribute.String("group.id", g.ID),
		attribute.String("group.cidr", g.CIDR)))
	defer span.End()

	cfg := s.Config()
	logger := s.logger.With(slog.String("group_id", g.ID), slog.String("cidr", g.CIDR))

	prefix, err := netip.ParsePrefix(g.CIDR)
	if err != nil {
		return nil, fmt.Errorf("discovery group %s: %w", g.ID, err)
	}
	addrs, err := hosts(prefix, cfg.MaxHostsPerGroup)
	if err != nil {
		return nil, fmt.Errorf("discovery group %s: %w", g.ID, err)
	}
	port := g.Port
	if port == 0 {
		port = g.VendorProtocol.DefaultPort()
	}

	registered, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	byAddr := make(map[string]*datatypes.Device, len(registered))
	for _, d := range registered {
		byAddr[d.Address] = d
	}

	result := &datatypes.DiscoveryResult{GroupID: g.ID, StartedAt: s.now().UTC()}
	answered := make([]bool, len(addrs))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(cfg.DiscoveryConcurrency)
	for i, a := range addrs {
		if gctx.Err() != nil {
			break
		}
		if d, ok := byAddr[a.String()]; ok {
			if err := s.backoff.Check(gctx, d.ID); err != nil {
				s.skip(JobDiscovery, d, err)
				continue
			}
		}
		result.Scanned++
		target := netip.AddrPortFrom(a, uint16(port)).String()
		eg.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			answered[i] = s.probe(gctx, target, cfg.DialTimeout).portOpen
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		result.FinishedAt = s.now().UTC()
		logger.Info("discovery cancelled", slog.Int("scanned", result.Scanned))
		return result, err
	}

	var candidates []*datatypes.Device
	for i, ok := range answered {
		if !ok {
			continue
		}
		addr := addrs[i].String()
		result.Found = append(result.Found, addr)
		candidates = append(candidates, &datatypes.Device{
			Address:          addr,
			Port:             port,
			VendorProtocol:   g.VendorProtocol,
			Username:         g.Username,
			Enabled:          true,
			DiscoveryGroupID: g.ID,
		})
	}

	reg, err := s.store.RegisterDevices(ctx, candidates, cfg.MaxDevices)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "register devices")
		return result, fmt.Errorf("register discovered devices: %w", err)
	}
	for _, d := range reg.Registered {
		result.Registered = append(result.Registered, d.Address)
	}
	for _, d := range reg.Rejected {
		result.Rejected = append(result.Rejected, d.Address)
	}
	for _, d := range reg.Known {
		result.Known = append(result.Known, d.Address)
	}
	result.FinishedAt = s.now().UTC()

	s.metrics.RecordDiscovery(len(result.Registered), len(result.Rejected), len(result.Known))
	span.SetAttributes(
		attribute.Int("discovery.scanned", result.Scanned),
		attribute.Int("discovery.found", len(result.Found)),
		attribute.Int("discovery.registered", len(result.Registered)),
		attribute.Int("discovery.rejected", len(result.Rejected)))
	logger.Info("discovery finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("found", len(result.Found)),
		slog.Int("registered", len(result.Registered)),
		slog.Int("known", len(result.Known)))

	if len(result.Rejected) > 0 {
		qerr := &QuotaExceededError{GroupID: g.ID, Limit: cfg.MaxDevices, Rejected: result.Rejected}
		logger.Warn("device quota reached, discovered devices rejected",
			slog.Int("limit", cfg.MaxDevices),
			slog.Any("rejected", result.Rejected))
		return result, qerr
	}
	return result, nil
}

// DiscoverDue runs every enabled discovery group whose cadence is due.
//
// # Outputs
//
//   - []*datatypes.DiscoveryResult: One per group that ran.
//   - error: Joined failures of individual groups. Quota rejections are
//     reported in the results and logged, not returned.
func (s *Scheduler) DiscoverDue(ctx context.Context) ([]*datatypes.DiscoveryResult, error) {
	groups, err := s.store.ListDiscoveryGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list discovery groups: %w", err)
	}
	limiter := newLimiter(s.Config())

	var results []*datatypes.DiscoveryResult
	var errs []error
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !g.Enabled {
			continue
		}
		now := s.now()
		due, err := Due(g.Cadence, g.LastRunAt, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("discovery group %s: %w", g.ID, err))
			continue
		}
		if !due {
			continue
		}

		res, err := s.discover(ctx, g, limiter)
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		var qerr *QuotaExceededError
		if err != nil && !errors.As(err, &qerr) {
			errs = append(errs, err)
		}
		if res != nil {
			results = append(results, res)
		}
		if merr := s.store.MarkDiscoveryRun(context.WithoutCancel(ctx), g.ID, now.UTC()); merr != nil {
			errs = append(errs, fmt.Errorf("mark discovery group %s: %w", g.ID, merr))
		}
	}
	return results, errors.Join(errs...)
}
