// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup snapshots device configuration and detects drift from the
// device's baseline.
//
// # Description
//
// A backup is the full running configuration rendered to canonical text
// (structured trees as YAML with sorted keys, CLI output with volatile lines
// removed) and addressed by its sha256. Identical content is stored once and
// never produces drift. The first backup of a device claims the baseline;
// operators may promote another backup later.
//
// Drift is the latest backup differing from the baseline. Each drift event
// carries a unified diff, line statistics and a severity graded by the
// configured SeverityPolicy.
//
// # Thread Safety
//
// Service is safe for concurrent use. Backups of one device are serialized by
// the device lock shared with the audit orchestrator.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/devicelock"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

var tracer = otel.Tracer("netaudit.backup")

// ErrEmptyConfig is returned when a device yields no configuration text.
var ErrEmptyConfig = errors.New("device returned an empty configuration")

// Store is the persistence the service needs.
type Store interface {
	storage.DeviceStore
	storage.BackupStore
	storage.DriftStore
}

// RetentionPolicy bounds stored backups per device. A backup is pruned when
// it is older than MaxAge or outside the MaxCount newest. Zero disables a
// bound. The active baseline and the most recent backup are always kept.
type RetentionPolicy struct {
	MaxAge   time.Duration `yaml:"max_age" validate:"gte=0"`
	MaxCount int           `yaml:"max_count" validate:"gte=0"`
}

// Enabled reports whether either bound is set.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAge > 0 || p.MaxCount > 0
}

// Config configures the Service.
type Config struct {
	// ShowCommand reads the full configuration on SSH_CLI devices.
	ShowCommand string `yaml:"show_command"`

	// IgnoreLines are regular expressions for volatile lines (timestamps,
	// byte counters) dropped before hashing.
	IgnoreLines []string `yaml:"ignore_lines"`

	Severity  SeverityPolicy  `yaml:"severity"`
	Retention RetentionPolicy `yaml:"retention"`
}

// DefaultConfig returns the default show command, the common volatile IOS
// style header lines and DefaultSeverityPolicy.
func DefaultConfig() Config {
	return Config{
		ShowCommand: "show running-config",
		IgnoreLines: []string{
			`^Building configuration`,
			`^Current configuration\s*:\s*\d+ bytes`,
			`^!\s*Last configuration change`,
			`^!\s*NVRAM config last updated`,
			`^!\s*Time:`,
			`^ntp clock-period`,
		},
		Severity: DefaultSeverityPolicy(),
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store   Store
	Opener  connector.Opener
	Backoff *backoff.Tracker
	Locks   *devicelock.Locker
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Service takes backups and detects drift.
type Service struct {
	cfg     Config
	ignore  []*regexp.Regexp
	store   Store
	opener  connector.Opener
	backoff *backoff.Tracker
	locks   *devicelock.Locker
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Service.
//
// # Outputs
//
//   - *Service: Ready to use.
//   - error: Non-nil if a dependency is missing or an ignore pattern is
//     invalid.
func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Opener == nil || deps.Backoff == nil {
		return nil, errors.New("backup: store, opener and backoff tracker are required")
	}
	ignore := make([]*regexp.Regexp, 0, len(cfg.IgnoreLines))
	for _, p := range cfg.IgnoreLines {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("backup: ignore pattern %q: %w", p, err)
		}
		ignore = append(ignore, re)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = devicelock.New()
	}
	return &Service{
		cfg:     cfg,
		ignore:  ignore,
		store:   deps.Store,
		opener:  deps.Opener,
		backoff: deps.Backoff,
		locks:   deps.Locks,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}, nil
}

// =============================================================================
// Backup
// =============================================================================

// Backup snapshots the running configuration of device.
//
// # Description
//
// Consults backoff, takes the device lock, opens one session, fetches the
// full configuration and stores it content-addressed. Connection failures
// advance backoff; a completed fetch resets it.
//
// # Outputs
//
//   - *datatypes.ConfigBackup: The stored record. IsBaseline is true when
//     this backup claimed the device's baseline.
//   - error: backoff.ErrInBackoff, a connector error, ErrEmptyConfig or a
//     storage error.
func (s *Service) Backup(ctx context.Context, device *datatypes.Device) (b *datatypes.ConfigBackup, err error) {
	ctx, span := tracer.Start(ctx, "backup.Service.Backup",
		trace.WithAttributes(attribute.String("device.id", device.ID)))
	defer func() {
		s.metrics.RecordBackup(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	content, err := s.capture(ctx, device)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	b, err = s.store.AddBackup(ctx, &datatypes.ConfigBackup{
		DeviceID:    device.ID,
		ContentHash: hex.EncodeToString(sum[:]),
		CreatedAt:   s.now().UTC(),
	}, content)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("backup.hash", b.ContentHash), attribute.Bool("backup.baseline", b.IsBaseline))
	s.logger.Info("configuration backed up",
		slog.String("device_id", device.ID),
		slog.String("backup_id", b.ID),
		slog.String("hash", b.ContentHash),
		slog.Int("size", b.Size),
		slog.Bool("baseline", b.IsBaseline))
	return b, nil
}

// capture fetches and canonicalizes the configuration under the device lock.
func (s *Service) capture(ctx context.Context, device *datatypes.Device) ([]byte, error) {
	if err := s.backoff.Check(ctx, device.ID); err != nil {
		if errors.Is(err, backoff.ErrInBackoff) {
			s.metrics.RecordBackoffSkip("backup")
		}
		return nil, err
	}

	release, err := s.locks.Acquire(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	session, err := s.opener.Open(ctx, device)
	if err != nil {
		s.connectionFailed(ctx, device, err)
		return nil, err
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil {
			s.logger.Warn("disconnect failed", slog.String("device_id", device.ID), slog.String("error", derr.Error()))
		}
	}()

	frag, err := session.Fetch(ctx, connector.FullConfigQuery(device.VendorProtocol, s.cfg.ShowCommand), datatypes.ScopeRunning)
	if err != nil {
		s.connectionFailed(ctx, device, err)
		return nil, err
	}
	if err := s.backoff.RecordSuccess(context.WithoutCancel(ctx), device.ID); err != nil {
		s.logger.Warn("backoff reset failed", slog.String("device_id", device.ID), slog.String("error", err.Error()))
	}

	content, err := s.Canonicalize(frag)
	if err != nil {
		return nil, fmt.Errorf("canonicalize config of %s: %w", device.ID, err)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("%s: %w", device.ID, ErrEmptyConfig)
	}
	return content, nil
}

func (s *Service) connectionFailed(ctx context.Context, device *datatypes.Device, err error) {
	var ce *connector.ConnectionError
	if !errors.As(err, &ce) {
		return
	}
	s.metrics.RecordConnectionFailure(device.VendorProtocol, string(ce.Kind))
	if _, berr := s.backoff.RecordFailure(context.WithoutCancel(ctx), device.ID, err); berr != nil {
		s.logger.Warn("backoff update failed", slog.String("device_id", device.ID), slog.String("error", berr.Error()))
	}
}

// Canonicalize renders a fetched configuration as stable text. Structured
// values become YAML with sorted map keys; text has CRLF normalized,
// trailing whitespace trimmed, ignored lines dropped and a single trailing
// newline. Equal configurations always produce equal bytes.
func (s *Service) Canonicalize(frag *connector.Fragment) ([]byte, error) {
	var raw string
	switch {
	case frag == nil:
		return nil, nil
	case frag.Structured && frag.Value != nil:
		out, err := yaml.Marshal(frag.Value)
		if err != nil {
			return nil, err
		}
		raw = string(out)
	default:
		raw = frag.Text
	}

	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " \t\r")
		if s.ignored(l) {
			continue
		}
		kept = append(kept, l)
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	for len(kept) > 0 && kept[0] == "" {
		kept = kept[1:]
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return []byte(strings.Join(kept, "\n") + "\n"), nil
}

func (s *Service) ignored(line string) bool {
	for _, re := range s.ignore {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// =============================================================================
// Drift
// =============================================================================

// DetectDrift compares the device's latest backup with its baseline.
//
// # Outputs
//
//   - *datatypes.DriftEvent: Nil when the hashes are equal. When an event
//     for the same baseline and current hash already exists it is returned
//     instead of a duplicate.
//   - error: storage.ErrNotFound (wrapped) when the device has no backups.
func (s *Service) DetectDrift(ctx context.Context, deviceID string) (*datatypes.DriftEvent, error) {
	ctx, span := tracer.Start(ctx, "backup.Service.DetectDrift",
		trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer span.End()

	baseline, err := s.store.GetBaseline(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestBackup(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if latest.ContentHash == baseline.ContentHash {
		return nil, nil
	}

	existing, err := s.store.ListDrift(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.BaselineHash == baseline.ContentHash && e.CurrentHash == latest.ContentHash {
			return e, nil
		}
	}

	base, err := s.store.GetContent(ctx, baseline.ContentHash)
	if err != nil {
		return nil, err
	}
	cur, err := s.store.GetContent(ctx, latest.ContentHash)
	if err != nil {
		return nil, err
	}

	event, err := s.buildEvent(deviceID, baseline, latest, base, cur)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := s.store.PutDrift(ctx, event); err != nil {
		return nil, err
	}

	s.metrics.RecordDrift(event.Severity)
	span.SetAttributes(attribute.String("drift.severity", string(event.Severity)))
	s.logger.Warn("configuration drift detected",
		slog.String("device_id", deviceID),
		slog.String("drift_id", event.ID),
		slog.String("severity", string(event.Severity)),
		slog.Int("added", event.Stats.Added),
		slog.Int("deleted", event.Stats.Deleted),
		slog.Any("sensitive", event.Stats.SensitiveHits))
	return event, nil
}

func (s *Service) buildEvent(deviceID string, baseline, latest *datatypes.ConfigBackup, base, cur []byte) (*datatypes.DriftEvent, error) {
	unified, err := UnifiedDiff(base, cur, "baseline/"+baseline.ID, "current/"+latest.ID)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", deviceID, err)
	}
	added, deleted, changed, err := diffStats(unified)
	if err != nil {
		return nil, fmt.Errorf("diff stats %s: %w", deviceID, err)
	}

	baseLines, curLines := lineCount(base), lineCount(cur)
	stats := datatypes.DriftStats{
		Added:      added,
		Deleted:    deleted,
		TotalLines: max(baseLines, curLines),
	}
	if total := baseLines + curLines; total > 0 {
		stats.ChangedFraction = float64(added+deleted) / float64(total)
	}
	severity := s.cfg.Severity.Grade(&stats, changed)

	return &datatypes.DriftEvent{
		DeviceID:     deviceID,
		BaselineHash: baseline.ContentHash,
		CurrentHash:  latest.ContentHash,
		Diff:         unified,
		Stats:        stats,
		Severity:     severity,
		DetectedAt:   s.now().UTC(),
	}, nil
}

// UnifiedDiff returns a three-line-context unified diff of a and b.
func UnifiedDiff(a, b []byte, fromName, toName string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(a),
		B:        splitLines(b),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}

func splitLines(b []byte) []string {
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}

func lineCount(b []byte) int {
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// diffStats counts added and deleted lines and returns the changed lines
// without their +/- markers.
func diffStats(unified string) (added, deleted int, changed []string, err error) {
	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return 0, 0, nil, err
	}
	for _, hunk := range fd.Hunks {
		for _, line := range strings.Split(string(hunk.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				added++
				changed = append(changed, line[1:])
			case strings.HasPrefix(line, "-"):
				deleted++
				changed = append(changed, line[1:])
			}
		}
	}
	return added, deleted, changed, nil
}

// =============================================================================
// Operator Actions
// =============================================================================

// SetBaseline promotes backupID to the device's active baseline.
func (s *Service) SetBaseline(ctx context.Context, deviceID, backupID string) error {
	if err := s.store.SetBaseline(ctx, deviceID, backupID); err != nil {
		return err
	}
	s.logger.Info("baseline promoted", slog.String("device_id", deviceID), slog.String("backup_id", backupID))
	return nil
}

// AcknowledgeDrift marks a drift event as acknowledged.
func (s *Service) AcknowledgeDrift(ctx context.Context, eventID string) error {
	if err := s.store.AcknowledgeDrift(ctx, eventID); err != nil {
		return err
	}
	s.logger.Info("drift acknowledged", slog.String("drift_id", eventID))
	return nil
}

// =============================================================================
// Retention
// =============================================================================

// Prune applies policy to one device and returns how many backups were
// removed. Content no longer referenced by any backup is deleted with them.
func (s *Service) Prune(ctx context.Context, deviceID string, policy RetentionPolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}
	backups, err := s.store.ListBackups(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	victims := pruneCandidates(backups, policy, s.now())
	if len(victims) == 0 {
		return 0, nil
	}

	n, err := s.store.DeleteBackups(ctx, deviceID, victims)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", deviceID, err)
	}
	s.metrics.RecordPruned(n)
	s.logger.Info("backups pruned", slog.String("device_id", deviceID), slog.Int("removed", n))
	return n, nil
}

// PruneAll applies the configured retention policy to every device.
func (s *Service) PruneAll(ctx context.Context) (int, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	var errs []error
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.Prune(ctx, d.ID, s.cfg.Retention)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// pruneCandidates selects backups (oldest first) violating policy, never the
// baseline nor the newest.
func pruneCandidates(backups []*datatypes.ConfigBackup, policy RetentionPolicy, now time.Time) []string {
	var out []string
	last := len(backups) - 1
	for i, b := range backups {
		if i == last || b.IsBaseline {
			continue
		}
		tooOld := policy.MaxAge > 0 && now.Sub(b.CreatedAt) > policy.MaxAge
		overCount := policy.MaxCount > 0 && last-i >= policy.MaxCount
		if tooOld || overCount {
			out = append(out, b.ID)
		}
	}
	return out
}
