// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remediation pushes the expected configuration of a non-compliant
// finding back to its device.
//
// # Description
//
// Remediate validates the payload before any device contact, then opens a
// session under the device lock and pushes it, either ValidateOnly (dry run)
// or Apply. A failed apply has already been discarded by the connector when
// Push returns; the discard's own failure is recorded separately as the
// action's RollbackError and never masks the commit error.
//
// After a successful apply the engine requests a re-audit of the device with
// the rule set of its most recent audit run. The request is asynchronous and
// its dispatch outcome is recorded on the action without affecting Applied.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Remediations of one device are
// serialized with audits and backups by the shared device lock.
package remediation

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

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/devicelock"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

var tracer = otel.Tracer("netaudit.remediation")

// Outcome labels recorded in metrics.
const (
	OutcomeDryRun         = "dry_run"
	OutcomeApplied        = "applied"
	OutcomeInvalid        = "invalid"
	OutcomeFailed         = "failed"
	OutcomeRollbackFailed = "rollback_failed"
)

// Store is the persistence the engine needs.
type Store interface {
	storage.DeviceStore
	storage.RuleStore
	storage.RunStore
	storage.RemediationStore
}

// Config configures the Engine.
type Config struct {
	// ReAuditTimeout bounds the re-audit dispatch, not the audit itself.
	ReAuditTimeout time.Duration `yaml:"re_audit_timeout" validate:"gte=0"`
}

// DefaultConfig returns a 30s dispatch timeout.
func DefaultConfig() Config {
	return Config{ReAuditTimeout: 30 * time.Second}
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store   Store
	Opener  connector.Opener
	Backoff *backoff.Tracker
	Locks   *devicelock.Locker
	Trigger trigger.AuditTrigger
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Engine executes remediation actions.
type Engine struct {
	cfg     Config
	store   Store
	opener  connector.Opener
	backoff *backoff.Tracker
	locks   *devicelock.Locker
	trigger trigger.AuditTrigger
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Engine. Trigger may be nil, in which case successful
// applies record ReAuditError instead of requesting a re-audit.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Opener == nil || deps.Backoff == nil {
		return nil, errors.New("remediation: store, opener and backoff tracker are required")
	}
	if cfg.ReAuditTimeout <= 0 {
		cfg.ReAuditTimeout = DefaultConfig().ReAuditTimeout
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Locks == nil {
		deps.Locks = devicelock.New()
	}
	return &Engine{
		cfg:     cfg,
		store:   deps.Store,
		opener:  deps.Opener,
		backoff: deps.Backoff,
		locks:   deps.Locks,
		trigger: deps.Trigger,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}, nil
}

// Remediate pushes the expected value of findingID to its device.
//
// # Description
//
// Steps, in order:
//  1. Load the finding and device; only NON_COMPLIANT findings qualify.
//  2. Build the payload from finding.Expected and the check that produced
//     it (see PreparePayload).
//  3. Consult backoff, take the device lock and open a session.
//  4. Push ValidateOnly when dryRun, else Apply.
//  5. On a successful apply, request a re-audit.
//
// The action is persisted in every case once the finding is loaded.
//
// # Outputs
//
//   - *datatypes.RemediationAction: The recorded action. Non-nil whenever
//     the finding exists, including failures.
//   - error: *ValidationError, backoff.ErrInBackoff, a connector error or a
//     storage error. Re-audit dispatch failures are not returned.
func (e *Engine) Remediate(ctx context.Context, findingID string, dryRun bool) (*datatypes.RemediationAction, error) {
	ctx, span := tracer.Start(ctx, "remediation.Engine.Remediate",
		trace.WithAttributes(attribute.String("finding.id", findingID), attribute.Bool("dry_run", dryRun)))
	defer span.End()

	finding, err := e.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	device, err := e.store.GetDevice(ctx, finding.DeviceID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("device.id", device.ID))

	logger := e.logger.With(
		slog.String("finding_id", findingID),
		slog.String("device_id", device.ID),
		slog.Bool("dry_run", dryRun))

	action := &datatypes.RemediationAction{
		ID:        uuid.NewString(),
		FindingID: findingID,
		DeviceID:  device.ID,
		DryRun:    dryRun,
		CreatedAt: e.now().UTC(),
	}

	outcome, err := e.execute(ctx, logger, finding, device, action)
	e.metrics.RecordRemediation(outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if perr := e.store.PutRemediation(context.WithoutCancel(ctx), action); perr != nil {
		logger.Error("failed to record remediation action", slog.String("action_id", action.ID), slog.String("error", perr.Error()))
		return action, errors.Join(err, perr)
	}
	return action, err
}

func (e *Engine) execute(ctx context.Context, logger *slog.Logger, finding *datatypes.Finding, device *datatypes.Device, action *datatypes.RemediationAction) (string, error) {
	if finding.Status != datatypes.StatusNonCompliant {
		err := &ValidationError{FindingID: finding.ID, Reason: fmt.Sprintf("finding status is %s, only NON_COMPLIANT findings are remediated", finding.Status)}
		action.Error = err.Error()
		return OutcomeInvalid, err
	}

	payload, repaired, err := PreparePayload(finding.ID, device.VendorProtocol, finding.Expected, e.findingCheck(ctx, logger, finding))
	if err != nil {
		action.Error = err.Error()
		logger.Warn("remediation payload rejected", slog.String("error", err.Error()))
		return OutcomeInvalid, err
	}
	action.Payload = payload
	action.Repaired = repaired
	if repaired {
		logger.Warn("remediation payload repaired: trailing commas removed")
	}

	if err := e.backoff.Check(ctx, device.ID); err != nil {
		action.Error = err.Error()
		if errors.Is(err, backoff.ErrInBackoff) {
			e.metrics.RecordBackoffSkip("remediation")
		}
		return OutcomeFailed, err
	}

	release, err := e.locks.Acquire(ctx, device.ID)
	if err != nil {
		action.Error = err.Error()
		return OutcomeFailed, err
	}
	defer release()

	session, err := e.opener.Open(ctx, device)
	if err != nil {
		e.connectionFailed(ctx, device, err)
		action.Error = err.Error()
		return OutcomeFailed, err
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil {
			logger.Warn("disconnect failed", slog.String("error", derr.Error()))
		}
	}()

	mode := connector.Apply
	if action.DryRun {
		mode = connector.ValidateOnly
	}
	res, err := session.Push(ctx, payload, mode)
	if err != nil {
		return e.pushFailed(ctx, logger, device, action, err)
	}
	if rerr := e.backoff.RecordSuccess(context.WithoutCancel(ctx), device.ID); rerr != nil {
		logger.Warn("backoff reset failed", slog.String("error", rerr.Error()))
	}

	if action.DryRun {
		logger.Info("remediation validated", slog.String("message", res.Message))
		return OutcomeDryRun, nil
	}

	action.Applied = true
	logger.Info("remediation applied")
	e.requestReAudit(ctx, logger, device, finding, action)
	return OutcomeApplied, nil
}

// pushFailed records a failed push. The connector has already attempted to
// discard the staged change.
func (e *Engine) pushFailed(ctx context.Context, logger *slog.Logger, device *datatypes.Device, action *datatypes.RemediationAction, err error) (string, error) {
	var pe *connector.PushError
	if !errors.As(err, &pe) {
		e.connectionFailed(ctx, device, err)
		action.Error = err.Error()
		logger.Warn("remediation push failed", slog.String("error", err.Error()))
		return OutcomeFailed, err
	}

	cause := pe.Error()
	if pe.Err != nil {
		cause = pe.Err.Error()
	}
	action.Error = cause
	if pe.RollbackErr != nil {
		action.RollbackError = pe.RollbackErr.Error()
		logger.Error("remediation rollback failed, operator must intervene",
			slog.String("phase", string(pe.Phase)),
			slog.String("error", cause),
			slog.String("rollback_error", pe.RollbackErr.Error()))
		return OutcomeRollbackFailed, err
	}
	logger.Warn("remediation push rejected and discarded",
		slog.String("phase", string(pe.Phase)),
		slog.String("error", cause))
	return OutcomeFailed, err
}

// findingCheck loads the check that produced finding from the rule version
// it was evaluated against. It returns nil when that version is gone.
func (e *Engine) findingCheck(ctx context.Context, logger *slog.Logger, finding *datatypes.Finding) *datatypes.Check {
	if finding.RuleID == "" {
		return nil
	}
	rule, err := e.store.GetRuleVersion(ctx, finding.RuleID, finding.RuleVersion)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("rule lookup failed", slog.String("rule_id", finding.RuleID), slog.String("error", err.Error()))
		}
		return nil
	}
	for i := range rule.Checks {
		if rule.Checks[i].Name == finding.CheckName {
			return &rule.Checks[i]
		}
	}
	return nil
}

func (e *Engine) connectionFailed(ctx context.Context, device *datatypes.Device, err error) {
	var ce *connector.ConnectionError
	if !errors.As(err, &ce) {
		return
	}
	e.metrics.RecordConnectionFailure(device.VendorProtocol, string(ce.Kind))
	if _, berr := e.backoff.RecordFailure(context.WithoutCancel(ctx), device.ID, err); berr != nil {
		e.logger.Warn("backoff update failed", slog.String("device_id", device.ID), slog.String("error", berr.Error()))
	}
}

// requestReAudit dispatches a re-audit of device with the rules of its most
// recent run, falling back to the finding's rule.
func (e *Engine) requestReAudit(ctx context.Context, logger *slog.Logger, device *datatypes.Device, finding *datatypes.Finding, action *datatypes.RemediationAction) {
	if e.trigger == nil {
		action.ReAuditError = "no audit trigger configured"
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReAuditTimeout)
	defer cancel()

	ruleIDs := []string{finding.RuleID}
	if run, err := e.store.LatestRunForDevice(dctx, device.ID); err == nil && len(run.RuleIDs) > 0 {
		ruleIDs = run.RuleIDs
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("latest run lookup failed, re-auditing finding rule only", slog.String("error", err.Error()))
	}

	ack, err := e.trigger.Trigger(dctx, trigger.Request{
		DeviceIDs: []string{device.ID},
		RuleIDs:   ruleIDs,
		Reason:    "remediation " + action.ID,
	})
	if err != nil {
		action.ReAuditError = err.Error()
		logger.Warn("re-audit dispatch failed", slog.String("error", err.Error()))
		return
	}
	action.ReAuditTriggered = true
	logger.Info("re-audit requested", slog.String("request_id", ack.RequestID), slog.Bool("coalesced", ack.Coalesced))
}
