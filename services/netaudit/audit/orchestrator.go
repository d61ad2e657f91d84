// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit runs rule sets against devices and records the findings.
//
// # Description
//
// An audit run resolves its devices and rules, then audits devices with
// bounded concurrency. Each device gets exactly one session for the whole
// run, reused for every check of every applicable rule, and the checks run
// sequentially on it. A device that cannot be contacted (backoff window,
// connection failure, session dropped mid-run) never aborts the run: every
// check scheduled for it becomes an ERROR finding and the backoff tracker is
// advanced.
//
// # Thread Safety
//
// Orchestrator is safe for concurrent use. The device-concurrency semaphore
// is shared by all runs, and session acquisition per device is exclusive
// across runs.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/devicelock"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/rules"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

var tracer = otel.Tracer("netaudit.audit")

// ErrNoDevices is returned when a run resolves to no enabled devices.
var ErrNoDevices = errors.New("no enabled devices to audit")

// Auditor runs audits. Implemented by Orchestrator; the trigger dispatcher
// and the scheduler depend on this.
type Auditor interface {
	Run(ctx context.Context, deviceIDs, ruleIDs []string) (*datatypes.AuditRun, error)
}

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.DeviceStore
	storage.RuleStore
	storage.RunStore
}

// Config controls run concurrency.
type Config struct {
	// MaxConcurrentDevices bounds devices audited at once across all runs.
	MaxConcurrentDevices int `yaml:"max_concurrent_devices" validate:"gte=1"`

	// DeviceTimeout bounds one device's whole audit (lock wait, connect and
	// all checks). Zero means no bound beyond the run context.
	DeviceTimeout time.Duration `yaml:"device_timeout"`
}

// DefaultConfig returns 16 concurrent devices with a 5 minute budget each.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDevices: 16,
		DeviceTimeout:        5 * time.Minute,
	}
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     Store
	Opener    connector.Opener
	Evaluator *rules.Evaluator
	Backoff   *backoff.Tracker
	Locks     *devicelock.Locker
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Orchestrator executes audit runs.
type Orchestrator struct {
	cfg     Config
	store   Store
	opener  connector.Opener
	eval    *rules.Evaluator
	backoff *backoff.Tracker
	locks   *devicelock.Locker
	metrics *observability.Metrics
	logger  *slog.Logger
	sem     *semaphore.Weighted
	now     func() time.Time
}

// New creates an Orchestrator.
//
// # Outputs
//
//   - *Orchestrator: Ready to run.
//   - error: Non-nil if a required dependency is missing.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Opener == nil || deps.Backoff == nil {
		return nil, errors.New("audit: store, opener and backoff tracker are required")
	}
	if cfg.MaxConcurrentDevices < 1 {
		cfg.MaxConcurrentDevices = DefaultConfig().MaxConcurrentDevices
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = rules.New(deps.Logger)
	}
	if deps.Locks == nil {
		deps.Locks = devicelock.New()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   deps.Store,
		opener:  deps.Opener,
		eval:    deps.Evaluator,
		backoff: deps.Backoff,
		locks:   deps.Locks,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentDevices)),
		now:     time.Now,
	}, nil
}

// deviceResult is the outcome for one device.
type deviceResult struct {
	findings []datatypes.Finding
	failed   bool
}

// Run audits deviceIDs against ruleIDs.
//
// # Description
//
// Empty deviceIDs means every enabled device; empty ruleIDs means every
// enabled rule. Disabled devices and rules are ignored; unknown IDs fail the
// run before any device is contacted. Rules apply to a device only when the
// rule's protocol affinity matches the device.
//
// The run ends COMPLETED when every device was audited, PARTIAL when some
// devices could not be contacted (or ctx ended mid-run), and FAILED when
// none could.
//
// # Outputs
//
//   - *datatypes.AuditRun: The persisted run with Findings populated.
//   - error: Non-nil only for resolution or persistence failures.
func (o *Orchestrator) Run(ctx context.Context, deviceIDs, ruleIDs []string) (*datatypes.AuditRun, error) {
	devices, err := o.resolveDevices(ctx, deviceIDs)
	if err != nil {
		return nil, err
	}
	ruleSet, err := o.resolveRules(ctx, ruleIDs)
	if err != nil {
		return nil, err
	}

	run := &datatypes.AuditRun{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
		Status:    datatypes.RunRunning,
		Scores:    make(map[string]datatypes.ComplianceScore),
	}
	for _, d := range devices {
		run.DeviceIDs = append(run.DeviceIDs, d.ID)
	}
	for _, r := range ruleSet {
		run.RuleIDs = append(run.RuleIDs, r.ID)
	}

	ctx, span := tracer.Start(ctx, "audit.Run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.devices", len(devices)),
		attribute.Int("run.rules", len(ruleSet)),
	))
	defer span.End()

	// Persistence must survive cancellation of the run itself.
	persistCtx := context.WithoutCancel(ctx)
	if err := o.store.PutRun(persistCtx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	o.logger.Info("audit run started",
		slog.String("run_id", run.ID),
		slog.Int("devices", len(devices)),
		slog.Int("rules", len(ruleSet)))

	results := make([]deviceResult, len(devices))
	var g errgroup.Group
	for i, d := range devices {
		g.Go(func() error {
			results[i] = o.auditDeviceBounded(ctx, d, ruleSet)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, res := range results {
		score := datatypes.ComplianceScore{}
		for j := range res.findings {
			f := &res.findings[j]
			f.ID = uuid.NewString()
			f.RunID = run.ID
			score.Add(f.Status)
			o.metrics.RecordFinding(devices[i].VendorProtocol, f.Status)
			run.Findings = append(run.Findings, *f)
		}
		run.Scores[devices[i].ID] = score
		if res.failed {
			failed++
		}
	}

	switch {
	case len(devices) > 0 && failed == len(devices):
		run.Status = datatypes.RunFailed
	case failed > 0 || ctx.Err() != nil:
		run.Status = datatypes.RunPartial
	default:
		run.Status = datatypes.RunCompleted
	}
	run.CompletedAt = o.now().UTC()

	if err := o.store.PutFindings(persistCtx, run.Findings); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist findings")
		return run, fmt.Errorf("persist findings for run %s: %w", run.ID, err)
	}
	if err := o.store.PutRun(persistCtx, run); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist run")
		return run, fmt.Errorf("complete run %s: %w", run.ID, err)
	}

	duration := run.CompletedAt.Sub(run.StartedAt)
	o.metrics.RecordAuditRun(run.Status, duration)
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	o.logger.Info("audit run finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Int("findings", len(run.Findings)),
		slog.Int("failed_devices", failed),
		slog.Duration("duration", duration))
	return run, nil
}

func (o *Orchestrator) resolveDevices(ctx context.Context, ids []string) ([]*datatypes.Device, error) {
	var candidates []*datatypes.Device
	if len(ids) == 0 {
		all, err := o.store.ListDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		candidates = all
	} else {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			d, err := o.store.GetDevice(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve device: %w", err)
			}
			candidates = append(candidates, d)
		}
	}

	out := candidates[:0]
	for _, d := range candidates {
		if d.Enabled {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoDevices
	}
	return out, nil
}

func (o *Orchestrator) resolveRules(ctx context.Context, ids []string) ([]*datatypes.Rule, error) {
	var candidates []*datatypes.Rule
	if len(ids) == 0 {
		all, err := o.store.ListRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("list rules: %w", err)
		}
		candidates = all
	} else {
		for _, id := range ids {
			r, err := o.store.GetRule(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("resolve rule: %w", err)
			}
			candidates = append(candidates, r)
		}
	}

	out := candidates[:0]
	for _, r := range candidates {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// auditDeviceBounded waits for a slot in the shared semaphore.
func (o *Orchestrator) auditDeviceBounded(ctx context.Context, d *datatypes.Device, ruleSet []*datatypes.Rule) deviceResult {
	applicable := applicableRules(d, ruleSet)
	if len(applicable) == 0 {
		return deviceResult{}
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.failAll(d, applicable, fmt.Errorf("audit cancelled before device %s was reached: %w", d.ID, err))
	}
	defer o.sem.Release(1)

	if o.cfg.DeviceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DeviceTimeout)
		defer cancel()
	}
	return o.auditDevice(ctx, d, applicable)
}

func applicableRules(d *datatypes.Device, ruleSet []*datatypes.Rule) []*datatypes.Rule {
	var out []*datatypes.Rule
	for _, r := range ruleSet {
		if r.AppliesTo(d) {
			out = append(out, r)
		}
	}
	return out
}

func (o *Orchestrator) auditDevice(ctx context.Context, d *datatypes.Device, ruleSet []*datatypes.Rule) deviceResult {
	logger := o.logger.With(slog.String("device_id", d.ID), slog.String("device", d.String()))

	if err := o.backoff.Check(ctx, d.ID); err != nil {
		if errors.Is(err, backoff.ErrInBackoff) {
			o.metrics.RecordBackoffSkip("audit")
			logger.Info("device skipped, in backoff window", slog.String("reason", err.Error()))
		}
		return o.failAll(d, ruleSet, err)
	}

	release, err := o.locks.Acquire(ctx, d.ID)
	if err != nil {
		return o.failAll(d, ruleSet, err)
	}
	defer release()

	session, err := o.opener.Open(ctx, d)
	if err != nil {
		o.connectionFailed(ctx, d, err)
		logger.Warn("device connection failed", slog.String("error", err.Error()))
		return o.failAll(d, ruleSet, err)
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Warn("disconnect failed", slog.String("error", err.Error()))
		}
	}()

	watched := &watchedSession{Session: session}
	var findings []datatypes.Finding
	for _, r := range ruleSet {
		for _, c := range r.Checks {
			if err := ctx.Err(); err != nil {
				findings = append(findings, o.eval.ErrorFinding(d, r, c, fmt.Errorf("audit cancelled: %w", err)))
				continue
			}
			findings = append(findings, o.eval.Evaluate(ctx, d, r, c, watched))
		}
	}

	if watched.dropped != nil {
		o.connectionFailed(ctx, d, watched.dropped)
		logger.Warn("session lost during audit", slog.String("error", watched.dropped.Error()))
		return deviceResult{findings: findings, failed: true}
	}
	if err := o.backoff.RecordSuccess(context.WithoutCancel(ctx), d.ID); err != nil {
		logger.Warn("backoff reset failed", slog.String("error", err.Error()))
	}
	return deviceResult{findings: findings, failed: ctx.Err() != nil}
}

// connectionFailed advances backoff for retryable failures only.
func (o *Orchestrator) connectionFailed(ctx context.Context, d *datatypes.Device, err error) {
	var ce *connector.ConnectionError
	if !errors.As(err, &ce) {
		return
	}
	o.metrics.RecordConnectionFailure(d.VendorProtocol, string(ce.Kind))
	if _, berr := o.backoff.RecordFailure(context.WithoutCancel(ctx), d.ID, err); berr != nil {
		o.logger.Warn("backoff update failed", slog.String("device_id", d.ID), slog.String("error", berr.Error()))
	}
}

// failAll produces an ERROR finding for every check scheduled for d.
func (o *Orchestrator) failAll(d *datatypes.Device, ruleSet []*datatypes.Rule, cause error) deviceResult {
	var findings []datatypes.Finding
	for _, r := range ruleSet {
		for _, c := range r.Checks {
			findings = append(findings, o.eval.ErrorFinding(d, r, c, cause))
		}
	}
	return deviceResult{findings: findings, failed: true}
}

// watchedSession remembers the first connection-level failure. Once the
// session is lost every further fetch fails with the same error instead of
// touching the transport again.
type watchedSession struct {
	connector.Session
	dropped error
}

func (w *watchedSession) Fetch(ctx context.Context, q datatypes.Query, scope datatypes.Scope) (*connector.Fragment, error) {
	if w.dropped != nil {
		return nil, fmt.Errorf("session lost: %w", w.dropped)
	}
	frag, err := w.Session.Fetch(ctx, q, scope)
	var ce *connector.ConnectionError
	if errors.As(err, &ce) {
		w.dropped = err
	}
	return frag, err
}

var _ Auditor = (*Orchestrator)(nil)
