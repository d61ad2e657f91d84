// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// FindingStatus is the outcome of one check evaluation.
type FindingStatus string

const (
	StatusCompliant    FindingStatus = "COMPLIANT"
	StatusNonCompliant FindingStatus = "NON_COMPLIANT"
	StatusError        FindingStatus = "ERROR"
)

// Finding is the immutable result of evaluating one (device, rule, check).
type Finding struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	DeviceID    string        `json:"device_id"`
	RuleID      string        `json:"rule_id"`
	RuleVersion int           `json:"rule_version"`
	CheckName   string        `json:"check_name"`
	Actual      any           `json:"actual"`
	Expected    any           `json:"expected"`
	Status      FindingStatus `json:"status"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// RunStatus is the aggregate state of an audit run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
)

// ComplianceScore summarizes one device within a run.
//
// Score is Compliant / (Compliant + NonCompliant). ERROR checks are excluded
// from the denominator and reported in Errors. Score is 0 when nothing was
// evaluable.
type ComplianceScore struct {
	Compliant    int     `json:"compliant"`
	NonCompliant int     `json:"non_compliant"`
	Errors       int     `json:"errors"`
	Score        float64 `json:"score"`
}

// Add folds one finding status into the score.
func (c *ComplianceScore) Add(status FindingStatus) {
	switch status {
	case StatusCompliant:
		c.Compliant++
	case StatusNonCompliant:
		c.NonCompliant++
	default:
		c.Errors++
	}
	if denom := c.Compliant + c.NonCompliant; denom > 0 {
		c.Score = float64(c.Compliant) / float64(denom)
	} else {
		c.Score = 0
	}
}

// AuditRun groups the findings of one (devices × rules) execution.
type AuditRun struct {
	ID          string                     `json:"id"`
	DeviceIDs   []string                   `json:"device_ids"`
	RuleIDs     []string                   `json:"rule_ids"`
	StartedAt   time.Time                  `json:"started_at"`
	CompletedAt time.Time                  `json:"completed_at,omitempty"`
	Status      RunStatus                  `json:"status"`
	Scores      map[string]ComplianceScore `json:"scores"`
	Findings    []Finding                  `json:"-"`
}
