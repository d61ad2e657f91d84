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

// ConfigBackup is one snapshot record. The raw content lives in a blob keyed
// by ContentHash so identical content is stored once.
type ConfigBackup struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	ContentHash string    `json:"content_hash"`
	Size        int       `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	IsBaseline  bool      `json:"is_baseline"`
}

// DriftSeverity grades a drift event.
type DriftSeverity string

const (
	SeverityLow      DriftSeverity = "low"
	SeverityMedium   DriftSeverity = "medium"
	SeverityHigh     DriftSeverity = "high"
	SeverityCritical DriftSeverity = "critical"
)

// DriftStats are the inputs the severity policy scored.
type DriftStats struct {
	Added           int      `json:"added"`
	Deleted         int      `json:"deleted"`
	TotalLines      int      `json:"total_lines"`
	ChangedFraction float64  `json:"changed_fraction"`
	SensitiveHits   []string `json:"sensitive_hits,omitempty"`
	Score           float64  `json:"score"`
}

// DriftEvent records divergence of the latest backup from the baseline.
type DriftEvent struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	BaselineHash string        `json:"baseline_hash"`
	CurrentHash  string        `json:"current_hash"`
	Diff         string        `json:"diff"`
	Stats        DriftStats    `json:"stats"`
	Severity     DriftSeverity `json:"severity"`
	Acknowledged bool          `json:"acknowledged"`
	DetectedAt   time.Time     `json:"detected_at"`
}

// RemediationAction records one remediation attempt. Terminal once written.
//
// Applied and ReAuditTriggered are independent: a committed change whose
// re-audit dispatch failed reports Applied=true, ReAuditTriggered=false.
type RemediationAction struct {
	ID               string    `json:"id"`
	FindingID        string    `json:"finding_id"`
	DeviceID         string    `json:"device_id"`
	Payload          any       `json:"payload"`
	DryRun           bool      `json:"dry_run"`
	Applied          bool      `json:"applied"`
	Error            string    `json:"error,omitempty"`
	RollbackError    string    `json:"rollback_error,omitempty"`
	ReAuditTriggered bool      `json:"re_audit_triggered"`
	ReAuditError     string    `json:"re_audit_error,omitempty"`
	Repaired         bool      `json:"repaired,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
