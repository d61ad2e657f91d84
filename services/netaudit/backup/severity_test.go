// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

func TestSeverityPolicy_Grade(t *testing.T) {
	p := DefaultSeverityPolicy()

	tests := []struct {
		name     string
		fraction float64
		changed  []string
		want     datatypes.DriftSeverity
		hits     int
	}{
		{"tiny cosmetic", 0.01, []string{" description uplink"}, datatypes.SeverityLow, 0},
		{"moderate cosmetic", 0.10, []string{"banner motd x"}, datatypes.SeverityMedium, 0},
		{"large rewrite", 0.70, nil, datatypes.SeverityCritical, 0},
		{"single acl line", 0.01, []string{"access-list 10 permit any"}, datatypes.SeverityHigh, 1},
		{"keyword case-insensitive", 0.0, []string{"Router BGP 65000"}, datatypes.SeverityMedium, 1},
		{"aaa and username", 0.05, []string{"aaa new-model", "username admin privilege 15"}, datatypes.SeverityCritical, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := datatypes.DriftStats{ChangedFraction: tt.fraction}
			got := p.Grade(&stats, tt.changed)
			assert.Equal(t, tt.want, got)
			assert.Len(t, stats.SensitiveHits, tt.hits)
			assert.GreaterOrEqual(t, stats.Score, tt.fraction)
		})
	}
}

func TestSeverityPolicy_KeywordCountsOnce(t *testing.T) {
	p := SeverityPolicy{Medium: 1, High: 2, Critical: 3, Keywords: []KeywordWeight{{Keyword: "ospf", Weight: 0.5}}}
	stats := datatypes.DriftStats{}
	got := p.Grade(&stats, []string{"router ospf 1", "ospf area 0"})
	assert.Equal(t, datatypes.SeverityLow, got)
	assert.InDelta(t, 0.5, stats.Score, 1e-9)
}
