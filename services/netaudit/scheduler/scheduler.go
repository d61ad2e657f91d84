// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drives the background jobs of NetAudit.
//
// # Description
//
// One loop owns four independent timers:
//
//   - health: TCP-probes the management port of every enabled device.
//   - discovery: scans due discovery groups and registers new devices
//     under the device quota.
//   - audits: runs due audit schedules through the orchestrator.
//   - retention: prunes old config backups (optional).
//
// Every timer consults the backoff tracker before contacting a device and
// skips devices inside their window for that cycle. Connector failures are
// recorded per device and never stop the loop.
//
// # Thread Safety
//
// Scheduler is safe for concurrent use. Reconfigure may be called while Run
// is active; it cancels in-flight sweeps and restarts the timers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/audit"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

var tracer = otel.Tracer("netaudit.scheduler")

// Job names used in logs and metrics.
const (
	JobHealth    = "health"
	JobDiscovery = "discovery"
	JobAudit     = "audit"
	JobRetention = "retention"
)

// Store is the persistence the scheduler needs.
type Store interface {
	storage.DeviceStore
	storage.HealthStore
	storage.ScheduleStore
}

// Pruner applies the backup retention policy to every device.
type Pruner interface {
	PruneAll(ctx context.Context) (int, error)
}

// DialFunc opens a TCP connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config controls timers, concurrency and quotas.
type Config struct {
	// HealthInterval is the period of the health sweep. Zero disables it.
	HealthInterval time.Duration `yaml:"health_interval" validate:"gte=0"`

	// DiscoveryInterval is how often discovery groups are checked for being
	// due. Each group's own cadence decides whether it actually runs.
	DiscoveryInterval time.Duration `yaml:"discovery_interval" validate:"gte=0"`

	// AuditInterval is how often audit schedules are checked for being due.
	AuditInterval time.Duration `yaml:"audit_interval" validate:"gte=0"`

	// RetentionInterval is the period of backup pruning. Zero disables it.
	RetentionInterval time.Duration `yaml:"retention_interval" validate:"gte=0"`

	HealthConcurrency    int `yaml:"health_concurrency" validate:"gte=1"`
	DiscoveryConcurrency int `yaml:"discovery_concurrency" validate:"gte=1"`
	AuditConcurrency     int `yaml:"audit_concurrency" validate:"gte=1"`

	// ProbeRate limits discovery probes per second across all groups.
	// Zero means unlimited.
	ProbeRate  float64 `yaml:"probe_rate" validate:"gte=0"`
	ProbeBurst int     `yaml:"probe_burst" validate:"gte=0"`

	// DialTimeout bounds each health or discovery probe.
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`

	// MaxDevices is the device quota. Zero means unlimited.
	MaxDevices int `yaml:"max_devices" validate:"gte=0"`

	// MaxHostsPerGroup refuses to scan ranges larger than this.
	MaxHostsPerGroup int `yaml:"max_hosts_per_group" validate:"gte=1"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HealthInterval:       5 * time.Minute,
		DiscoveryInterval:    time.Minute,
		AuditInterval:        time.Minute,
		RetentionInterval:    24 * time.Hour,
		HealthConcurrency:    32,
		DiscoveryConcurrency: 64,
		AuditConcurrency:     4,
		ProbeRate:            200,
		ProbeBurst:           20,
		DialTimeout:          3 * time.Second,
		MaxDevices:           0,
		MaxHostsPerGroup:     4096,
	}
}

// normalize fills zero limits so a partially specified Config still works.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.HealthConcurrency < 1 {
		c.HealthConcurrency = d.HealthConcurrency
	}
	if c.DiscoveryConcurrency < 1 {
		c.DiscoveryConcurrency = d.DiscoveryConcurrency
	}
	if c.AuditConcurrency < 1 {
		c.AuditConcurrency = d.AuditConcurrency
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.MaxHostsPerGroup < 1 {
		c.MaxHostsPerGroup = d.MaxHostsPerGroup
	}
	if c.ProbeRate > 0 && c.ProbeBurst < 1 {
		c.ProbeBurst = 1
	}
	return c
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store   Store
	Auditor audit.Auditor
	Backoff *backoff.Tracker
	Pruner  Pruner
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Dial replaces the TCP dialer used by probes. Optional.
	Dial DialFunc
}

// Scheduler runs the background timers.
type Scheduler struct {
	store   Store
	auditor audit.Auditor
	backoff *backoff.Tracker
	pruner  Pruner
	metrics *observability.Metrics
	logger  *slog.Logger
	dial    DialFunc
	now     func() time.Time

	mu          sync.Mutex
	cfg         Config
	cancelCycle context.CancelFunc
}

// New creates a Scheduler. Auditor and Pruner may be nil, which disables
// scheduled audits and retention respectively.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil || deps.Backoff == nil {
		return nil, errors.New("scheduler: store and backoff tracker are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Dial == nil {
		deps.Dial = (&net.Dialer{}).DialContext
	}
	return &Scheduler{
		store:   deps.Store,
		auditor: deps.Auditor,
		backoff: deps.Backoff,
		pruner:  deps.Pruner,
		metrics: deps.Metrics,
		logger:  deps.Logger.With(slog.String("component", "scheduler")),
		dial:    deps.Dial,
		now:     time.Now,
		cfg:     cfg.normalize(),
	}, nil
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reconfigure replaces the configuration. In-flight sweeps are cancelled
// and the timers restart with the new intervals.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalize()
	cancel := s.cancelCycle
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler reconfigured")
}

// Run blocks until ctx is cancelled, running every enabled timer.
//
// # Outputs
//
//   - error: ctx.Err() once ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	defer s.logger.Info("scheduler stopped")

	for {
		cycleCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		cfg := s.cfg
		s.cancelCycle = cancel
		s.mu.Unlock()

		s.runCycle(cycleCtx, cfg)
		cancel()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// runCycle runs one timer goroutine per enabled job until ctx ends.
func (s *Scheduler) runCycle(ctx context.Context, cfg Config) {
	var g errgroup.Group
	start := func(job string, every time.Duration, sweep func(context.Context) error) {
		if every <= 0 {
			return
		}
		g.Go(func() error {
			s.every(ctx, job, every, sweep)
			return nil
		})
	}

	start(JobHealth, cfg.HealthInterval, func(ctx context.Context) error {
		_, err := s.CheckHealth(ctx)
		return err
	})
	start(JobDiscovery, cfg.DiscoveryInterval, func(ctx context.Context) error {
		_, err := s.DiscoverDue(ctx)
		return err
	})
	if s.auditor != nil {
		start(JobAudit, cfg.AuditInterval, func(ctx context.Context) error {
			_, err := s.RunDueAudits(ctx)
			return err
		})
	}
	if s.pruner != nil {
		start(JobRetention, cfg.RetentionInterval, s.prune)
	}
	<-ctx.Done()
	_ = g.Wait()
}

// every runs sweep on a ticker. Sweeps of one job never overlap.
func (s *Scheduler) every(ctx context.Context, job string, interval time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := sweep(ctx)
			s.metrics.RecordSweep(job, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("sweep failed", slog.String("job", job), slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) prune(ctx context.Context) error {
	n, err := s.pruner.PruneAll(ctx)
	if n > 0 {
		s.logger.Info("backups pruned", slog.Int("removed", n))
	}
	return err
}
