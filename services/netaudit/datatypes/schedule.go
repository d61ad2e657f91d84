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

// Cadence is either a fixed interval or a five-field cron expression.
// When both are set, Cron wins.
type Cadence struct {
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// AuditSchedule runs a fixed device/rule set on a cadence.
type AuditSchedule struct {
	ID        string    `json:"id" yaml:"id" validate:"required"`
	Name      string    `json:"name" yaml:"name"`
	DeviceIDs []string  `json:"device_ids" yaml:"device_ids"`
	RuleIDs   []string  `json:"rule_ids" yaml:"rule_ids"`
	Cadence   Cadence   `json:"cadence" yaml:"cadence"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	LastRunAt time.Time `json:"last_run_at" yaml:"-"`
}

// DiscoveryGroup scans an address range for manageable devices.
type DiscoveryGroup struct {
	ID             string         `json:"id" yaml:"id" validate:"required"`
	Name           string         `json:"name" yaml:"name"`
	CIDR           string         `json:"cidr" yaml:"cidr" validate:"required,cidr"`
	Port           int            `json:"port" yaml:"port"`
	VendorProtocol VendorProtocol `json:"vendor_protocol" yaml:"vendor_protocol" validate:"required,vendor_protocol"`
	Username       string         `json:"username" yaml:"username"`
	Cadence        Cadence        `json:"cadence" yaml:"cadence"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	LastRunAt      time.Time      `json:"last_run_at" yaml:"-"`
}

// DiscoveryResult reports one discovery sweep.
type DiscoveryResult struct {
	GroupID    string    `json:"group_id"`
	Scanned    int       `json:"scanned"`
	Found      []string  `json:"found"`
	Registered []string  `json:"registered"`
	Rejected   []string  `json:"rejected"`
	Known      []string  `json:"known"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
