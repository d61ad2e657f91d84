// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/audit"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
)

// DispatcherConfig bounds the dispatcher.
type DispatcherConfig struct {
	// MaxConcurrent is the number of audits run at once. Default 2.
	MaxConcurrent int `yaml:"max_concurrent" validate:"gte=0"`

	// MaxPending is the number of accepted, unfinished requests. Default 64.
	MaxPending int `yaml:"max_pending" validate:"gte=0"`
}

// Result is reported to the completion hook after an audit finishes.
type Result struct {
	RequestID string
	Request   Request
	Run       *datatypes.AuditRun
	Err       error
	Duration  time.Duration
}

// Dispatcher is the in-process AuditTrigger.
//
// # Description
//
// Each accepted request runs on its own goroutine; a semaphore bounds how
// many audits execute at once. Requests with the same Key share one
// execution through a singleflight group: a Trigger while an equivalent
// request is pending returns the original request ID with Coalesced set,
// and RunNow joins an in-flight execution instead of starting another.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	auditor audit.Auditor
	cfg     DispatcherConfig
	sem     *semaphore.Weighted
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *slog.Logger
	onDone  func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]string
	closed  bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records trigger outcomes.
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithCompletionHook is called after every execution finishes.
func WithCompletionHook(fn func(Result)) DispatcherOption {
	return func(d *Dispatcher) { d.onDone = fn }
}

// NewDispatcher creates a Dispatcher running audits through auditor.
func NewDispatcher(auditor audit.Auditor, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxPending < 1 {
		cfg.MaxPending = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		auditor: auditor,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger implements AuditTrigger.
func (d *Dispatcher) Trigger(_ context.Context, req Request) (Ack, error) {
	key := req.Key()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.metrics.RecordTrigger("rejected")
		return Ack{}, ErrClosed
	}
	if id, ok := d.pending[key]; ok {
		d.mu.Unlock()
		d.metrics.RecordTrigger("coalesced")
		d.logger.Debug("audit request coalesced", slog.String("request_id", id), slog.String("key", key))
		return Ack{RequestID: id, Coalesced: true}, nil
	}
	if len(d.pending) >= d.cfg.MaxPending {
		d.mu.Unlock()
		d.metrics.RecordTrigger("rejected")
		return Ack{}, ErrBusy
	}
	id := uuid.NewString()
	d.pending[key] = id
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.RecordTrigger("accepted")
	d.logger.Info("audit request accepted",
		slog.String("request_id", id),
		slog.Any("device_ids", req.DeviceIDs),
		slog.Any("rule_ids", req.RuleIDs),
		slog.String("reason", req.Reason))

	go func() {
		defer d.wg.Done()
		start := time.Now()
		run, err := d.execute(d.ctx, key, req)

		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()

		if err != nil {
			d.logger.Warn("triggered audit failed", slog.String("request_id", id), slog.String("error", err.Error()))
		}
		if d.onDone != nil {
			d.onDone(Result{RequestID: id, Request: req, Run: run, Err: err, Duration: time.Since(start)})
		}
	}()
	return Ack{RequestID: id}, nil
}

// RunNow runs req synchronously, joining an equivalent in-flight execution
// when there is one.
//
// The shared execution does not inherit the cancellation of any one caller:
// ctx only bounds how long this caller waits. A caller that gives up gets
// ctx.Err() while the audit continues for the other callers until it
// finishes or the dispatcher is closed.
func (d *Dispatcher) RunNow(ctx context.Context, req Request) (*datatypes.AuditRun, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return d.execute(ctx, req.Key(), req)
}

func (d *Dispatcher) execute(ctx context.Context, key string, req Request) (*datatypes.AuditRun, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		// Keep the first caller's values (trace span, logger) but tie the
		// lifetime to the dispatcher.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(d.ctx, cancel)
		defer stop()

		if err := d.sem.Acquire(runCtx, 1); err != nil {
			return nil, err
		}
		defer d.sem.Release(1)
		return d.auditor.Run(runCtx, req.DeviceIDs, req.RuleIDs)
	})
	select {
	case res := <-ch:
		run, _ := res.Val.(*datatypes.AuditRun)
		return run, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of accepted, unfinished requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops accepting requests, cancels running audits and waits for
// their goroutines to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

var _ AuditTrigger = (*Dispatcher)(nil)
