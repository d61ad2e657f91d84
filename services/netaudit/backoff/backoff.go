// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backoff tracks consecutive connection failures per device and the
// time before which no job may contact the device again.
//
// # Description
//
// The Tracker owns the per-device BackoffState. Every job class (health
// checks, discovery, audits, backups, remediation) reports connection
// outcomes here and consults Check before contacting a device. Devices inside
// their window are skipped, not queued.
//
// The delay after n consecutive failures (n >= Threshold) is
//
//	Base * 2^(n-Threshold), capped at Max
//
// and NextEligibleAt strictly increases across consecutive failures even
// when the delay is capped.
//
// # Thread Safety
//
// Updates for one device are serialized by a per-device mutex and applied as
// a single read-modify-write transaction in the store, so a health check and
// an audit failing on the same device never lose an increment.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

// ErrInBackoff is returned by Check for a device inside its backoff window.
var ErrInBackoff = errors.New("device is in backoff")

// WindowError reports the end of the window. It matches ErrInBackoff.
type WindowError struct {
	DeviceID string
	Until    time.Time
	Failures int
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("device %s is in backoff until %s after %d consecutive failures",
		e.DeviceID, e.Until.Format(time.RFC3339), e.Failures)
}

func (e *WindowError) Unwrap() error { return ErrInBackoff }

// Config controls the backoff curve.
type Config struct {
	// Base is the delay after the first counted failure.
	Base time.Duration `yaml:"base" validate:"gt=0"`

	// Max caps the delay.
	Max time.Duration `yaml:"max" validate:"gtefield=Base"`

	// Threshold is the number of consecutive failures before a window is
	// opened. Values below 1 are treated as 1.
	Threshold int `yaml:"threshold" validate:"gte=0"`
}

// DefaultConfig returns a 30s base doubling to at most one hour, starting
// with the first failure.
func DefaultConfig() Config {
	return Config{
		Base:      30 * time.Second,
		Max:       time.Hour,
		Threshold: 1,
	}
}

// Observer is notified after every state change. Optional.
type Observer interface {
	BackoffChanged(deviceID string, state datatypes.BackoffState)
}

// Tracker is the keyed backoff store consulted by every job class.
type Tracker struct {
	store    storage.BackoffStore
	cfg      Config
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithObserver registers an observer for state changes.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over store.
func NewTracker(store storage.BackoffStore, cfg Config, opts ...Option) *Tracker {
	if cfg.Base <= 0 {
		cfg.Base = DefaultConfig().Base
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	t := &Tracker{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Delay returns the window length after failures consecutive failures.
func (t *Tracker) Delay(failures int) time.Duration {
	if failures < t.cfg.Threshold {
		return 0
	}
	d := t.cfg.Base
	for i := t.cfg.Threshold; i < failures; i++ {
		d *= 2
		if d >= t.cfg.Max || d <= 0 {
			return t.cfg.Max
		}
	}
	return min(d, t.cfg.Max)
}

// Check returns a *WindowError (matching ErrInBackoff) when the device may
// not be contacted yet.
func (t *Tracker) Check(ctx context.Context, deviceID string) error {
	state, err := t.store.GetBackoff(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("read backoff for %s: %w", deviceID, err)
	}
	return t.checkState(deviceID, state)
}

// CheckState is Check for a state already loaded with the device.
func (t *Tracker) CheckState(deviceID string, state datatypes.BackoffState) error {
	return t.checkState(deviceID, state)
}

func (t *Tracker) checkState(deviceID string, state datatypes.BackoffState) error {
	if state.NextEligibleAt.IsZero() || !t.now().Before(state.NextEligibleAt) {
		return nil
	}
	return &WindowError{DeviceID: deviceID, Until: state.NextEligibleAt, Failures: state.ConsecutiveFailures}
}

// RecordFailure counts one more consecutive connection failure and extends
// the window.
func (t *Tracker) RecordFailure(ctx context.Context, deviceID string, cause error) (datatypes.BackoffState, error) {
	lock := t.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	state, err := t.store.UpdateBackoff(ctx, deviceID, func(s *datatypes.BackoffState) error {
		s.ConsecutiveFailures++
		if cause != nil {
			s.LastError = cause.Error()
		}
		delay := t.Delay(s.ConsecutiveFailures)
		if delay == 0 {
			return nil
		}
		next := t.now().Add(delay)
		if !next.After(s.NextEligibleAt) {
			next = s.NextEligibleAt.Add(t.cfg.Base)
		}
		s.NextEligibleAt = next
		return nil
	})
	if err != nil {
		return state, fmt.Errorf("record failure for %s: %w", deviceID, err)
	}

	t.logger.Warn("device connection failed",
		slog.String("device_id", deviceID),
		slog.Int("consecutive_failures", state.ConsecutiveFailures),
		slog.Time("next_eligible_at", state.NextEligibleAt),
		slog.String("error", state.LastError))
	t.notify(deviceID, state)
	return state, nil
}

// RecordSuccess clears the device's failure count and window.
func (t *Tracker) RecordSuccess(ctx context.Context, deviceID string) error {
	lock := t.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	changed := false
	state, err := t.store.UpdateBackoff(ctx, deviceID, func(s *datatypes.BackoffState) error {
		changed = s.ConsecutiveFailures != 0 || !s.NextEligibleAt.IsZero()
		*s = datatypes.BackoffState{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record success for %s: %w", deviceID, err)
	}
	if changed {
		t.logger.Info("device backoff cleared", slog.String("device_id", deviceID))
		t.notify(deviceID, state)
	}
	return nil
}

// Get returns the current state.
func (t *Tracker) Get(ctx context.Context, deviceID string) (datatypes.BackoffState, error) {
	return t.store.GetBackoff(ctx, deviceID)
}

func (t *Tracker) notify(deviceID string, state datatypes.BackoffState) {
	if t.observer != nil {
		t.observer.BackoffChanged(deviceID, state)
	}
}

// lockFor returns the per-device mutex.
func (t *Tracker) lockFor(deviceID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()

	if lock, ok := t.locks[deviceID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	t.locks[deviceID] = lock
	return lock
}
