// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules evaluates declarative compliance checks against a live
// device session.
//
// # Description
//
// One check is one fetch plus one comparison. The fetched fragment is either
// structured (NETCONF_XML, MODEL_DRIVEN_CLI) or trimmed CLI text (SSH_CLI);
// both flow into the same comparison model:
//
//	EXACT            deep equality (structured) or string equality (text)
//	CONTAINS         sub-structure or substring
//	REGEX            reference pattern against the stringified value
//	PRESENT/ABSENT   whether the queried path exists, value ignored
//	NUMERIC_COMPARE  ">=100", "<5", "==3", "!=0", ">", "<=" or a bare number
//
// Fetch failures, bad patterns, bad numeric references and values that
// cannot be read as numbers all produce an ERROR finding carrying the cause.
// Evaluate never returns an error; every outcome is a Finding.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// Evaluator evaluates checks. The zero value is not usable; use New.
//
// # Thread Safety
//
// Evaluator is stateless and safe for concurrent use. The Session passed to
// Evaluate is not; callers evaluate checks for one session sequentially.
type Evaluator struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Evaluator. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{logger: logger, now: time.Now}
}

// Evaluate runs check against session and returns the finding.
//
// # Inputs
//
//   - ctx: Bounds the fetch.
//   - device: The device the session belongs to.
//   - rule: The rule version being evaluated. Its ID and Version are stamped
//     on the finding.
//   - check: One of rule.Checks.
//   - session: An open session to device.
//
// # Outputs
//
//   - datatypes.Finding: Without ID and RunID; the caller assigns both.
func (e *Evaluator) Evaluate(ctx context.Context, device *datatypes.Device, rule *datatypes.Rule, check datatypes.Check, session connector.Session) datatypes.Finding {
	ctx, span := startEvaluateSpan(ctx, device, rule, check)
	defer span.End()
	start := e.now()

	f := datatypes.Finding{
		DeviceID:    device.ID,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		CheckName:   check.Name,
		Expected:    check.Reference,
	}

	scope := check.Scope
	if scope == "" {
		scope = datatypes.ScopeRunning
	}

	frag, err := session.Fetch(ctx, check.Query, scope)
	if err != nil {
		f.Status = datatypes.StatusError
		f.ErrorDetail = err.Error()
		f.EvaluatedAt = e.now().UTC()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		e.logger.Warn("check fetch failed",
			slog.String("device_id", device.ID),
			slog.String("rule_id", rule.ID),
			slog.String("check", check.Name),
			slog.String("error", err.Error()))
		recordEvaluation(ctx, f.Status, e.now().Sub(start))
		return f
	}

	f.Actual = actualValue(frag)
	status, cause := Compare(check.Comparison, frag, check.Reference)
	f.Status = status
	if cause != nil {
		f.ErrorDetail = cause.Error()
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	}
	f.EvaluatedAt = e.now().UTC()

	span.SetAttributes(attribute.String("finding.status", string(f.Status)))
	recordEvaluation(ctx, f.Status, e.now().Sub(start))
	e.logger.Debug("check evaluated",
		slog.String("device_id", device.ID),
		slog.String("rule_id", rule.ID),
		slog.String("check", check.Name),
		slog.String("status", string(f.Status)))
	return f
}

// ErrorFinding builds an ERROR finding for a check that could not be run at
// all (no session, device in backoff).
func (e *Evaluator) ErrorFinding(device *datatypes.Device, rule *datatypes.Rule, check datatypes.Check, cause error) datatypes.Finding {
	return datatypes.Finding{
		DeviceID:    device.ID,
		RuleID:      rule.ID,
		RuleVersion: rule.Version,
		CheckName:   check.Name,
		Expected:    check.Reference,
		Status:      datatypes.StatusError,
		ErrorDetail: cause.Error(),
		EvaluatedAt: e.now().UTC(),
	}
}

// actualValue normalizes the fragment into the value recorded on the finding.
func actualValue(frag *connector.Fragment) any {
	if !frag.Found {
		return nil
	}
	if frag.Structured {
		return frag.Value
	}
	return strings.TrimSpace(frag.Text)
}

// Compare applies one comparison to a fetched fragment. A non-nil error
// always comes with StatusError.
func Compare(cmp datatypes.Comparison, frag *connector.Fragment, reference any) (datatypes.FindingStatus, error) {
	actual := actualValue(frag)

	switch cmp {
	case datatypes.ComparePresent:
		return verdict(frag.Found), nil

	case datatypes.CompareAbsent:
		return verdict(!frag.Found), nil

	case datatypes.CompareExact:
		if !frag.Found {
			return verdict(reference == nil), nil
		}
		return verdict(exactEqual(actual, reference, frag.Structured)), nil

	case datatypes.CompareContains:
		if !frag.Found {
			return datatypes.StatusNonCompliant, nil
		}
		return verdict(contains(actual, reference, frag.Structured)), nil

	case datatypes.CompareRegex:
		// Validate the pattern even when there is nothing to match.
		ok, err := matchRegex(actual, reference)
		if err != nil {
			return datatypes.StatusError, err
		}
		return verdict(frag.Found && ok), nil

	case datatypes.CompareNumeric:
		ref, err := ParseNumericReference(reference)
		if err != nil {
			return datatypes.StatusError, err
		}
		if !frag.Found {
			return datatypes.StatusError, fmt.Errorf("%w: queried path not found", ErrCoercion)
		}
		n, err := toNumber(actual)
		if err != nil {
			return datatypes.StatusError, err
		}
		return verdict(ref.Compare(n)), nil

	default:
		return datatypes.StatusError, fmt.Errorf("unknown comparison %q", cmp)
	}
}

func verdict(ok bool) datatypes.FindingStatus {
	if ok {
		return datatypes.StatusCompliant
	}
	return datatypes.StatusNonCompliant
}
