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

// Comparison selects how a check compares actual data with its reference.
type Comparison string

const (
	CompareExact    Comparison = "EXACT"
	CompareContains Comparison = "CONTAINS"
	CompareRegex    Comparison = "REGEX"
	CompareAbsent   Comparison = "ABSENT"
	ComparePresent  Comparison = "PRESENT"
	CompareNumeric  Comparison = "NUMERIC_COMPARE"
)

// Valid reports whether c is a known comparison.
func (c Comparison) Valid() bool {
	switch c {
	case CompareExact, CompareContains, CompareRegex, CompareAbsent, ComparePresent, CompareNumeric:
		return true
	default:
		return false
	}
}

// Scope selects which datastore a fetch reads from.
type Scope string

const (
	ScopeRunning     Scope = "running"
	ScopeCandidate   Scope = "candidate"
	ScopeOperational Scope = "operational"
)

// Query is the opaque payload passed unchanged from a check to a connector.
//
// # Description
//
// Only the fields relevant to the device protocol are used:
//   - NETCONF_XML: XPath (or Filter rendered as a subtree filter)
//   - MODEL_DRIVEN_CLI: Path plus an optional vendor Filter map
//   - SSH_CLI: Command
//
// Filter is a nested key→map structure; an empty map at a key selects the
// whole subtree under that key.
type Query struct {
	XPath   string         `json:"xpath,omitempty" yaml:"xpath,omitempty"`
	Path    string         `json:"path,omitempty" yaml:"path,omitempty"`
	Filter  map[string]any `json:"filter,omitempty" yaml:"filter,omitempty"`
	Command string         `json:"command,omitempty" yaml:"command,omitempty"`
}

// Empty reports whether the query carries no selector at all.
func (q Query) Empty() bool {
	return q.XPath == "" && q.Path == "" && len(q.Filter) == 0 && q.Command == ""
}

// Check is one evaluated assertion of a rule.
type Check struct {
	Name       string     `json:"name" yaml:"name" validate:"required"`
	Query      Query      `json:"query" yaml:"query"`
	Comparison Comparison `json:"comparison" yaml:"comparison" validate:"required,comparison"`
	Reference  any        `json:"reference,omitempty" yaml:"reference,omitempty"`
	Scope      Scope      `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Rule is an operator-authored, versioned set of checks.
//
// Rules are replaced rather than mutated; each save of an existing ID
// produces a new Version and the previous version stays readable.
type Rule struct {
	ID             string         `json:"id" yaml:"id" validate:"required"`
	Name           string         `json:"name" yaml:"name"`
	Version        int            `json:"version" yaml:"version"`
	VendorProtocol VendorProtocol `json:"vendor_protocol" yaml:"vendor_protocol" validate:"required,vendor_protocol"`
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Checks         []Check        `json:"checks" yaml:"checks" validate:"required,min=1,dive"`
	CreatedAt      time.Time      `json:"created_at" yaml:"-"`
}

// AppliesTo reports whether the rule targets the device's protocol.
func (r *Rule) AppliesTo(d *Device) bool {
	return r.Enabled && r.VendorProtocol == d.VendorProtocol
}
