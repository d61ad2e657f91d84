// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trigger requests audit runs without waiting for them.
//
// # Description
//
// AuditTrigger is the audit-execution interface used by the remediation
// engine for re-audits and by the HTTP API. Two implementations exist:
//
//   - Dispatcher runs audits in-process on background goroutines. A request
//     identical to one still in flight is coalesced onto it.
//   - HTTPClient posts requests to a remote POST /v1/audits endpoint,
//     retrying transient failures.
//
// Trigger returns as soon as the request is accepted. The outcome of the
// audit is recorded by the orchestrator, not returned to the caller.
package trigger

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrClosed is returned after the dispatcher has been closed.
	ErrClosed = errors.New("audit trigger closed")

	// ErrBusy is returned when the dispatcher already holds its maximum
	// number of pending requests.
	ErrBusy = errors.New("audit trigger queue is full")
)

// Request selects what to audit. Empty lists mean all devices or all rules.
type Request struct {
	DeviceIDs []string `json:"device_ids"`
	RuleIDs   []string `json:"rule_ids"`
	Reason    string   `json:"reason,omitempty"`
}

// Key identifies equivalent requests regardless of ID order and Reason.
func (r Request) Key() string {
	d := slices.Clone(r.DeviceIDs)
	rs := slices.Clone(r.RuleIDs)
	slices.Sort(d)
	slices.Sort(rs)
	return strings.Join(slices.Compact(d), ",") + "|" + strings.Join(slices.Compact(rs), ",")
}

// Ack acknowledges an accepted request.
type Ack struct {
	RequestID string `json:"request_id"`
	Coalesced bool   `json:"coalesced"`
}

// AuditTrigger requests an audit run and returns immediately.
type AuditTrigger interface {
	Trigger(ctx context.Context, req Request) (Ack, error)
}
