// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"strings"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// KeywordWeight adds Weight to the drift score when any changed line
// contains Keyword (case-insensitive). Each keyword counts once per event.
type KeywordWeight struct {
	Keyword string  `yaml:"keyword" validate:"required"`
	Weight  float64 `yaml:"weight" validate:"gte=0"`
}

// SeverityPolicy grades drift.
//
// # Description
//
// The score of a drift event is
//
//	changed_fraction + sum(weight of every keyword found in a changed line)
//
// where changed_fraction = (added + deleted) / (baseline lines + current
// lines), so a full replacement scores 1.0 before keywords. The severity is
// the highest level whose threshold the score reaches; below Medium it is
// low.
//
// The thresholds and keyword table are operator configuration. See
// DefaultSeverityPolicy for the shipped values.
type SeverityPolicy struct {
	Medium   float64         `yaml:"medium" validate:"gte=0"`
	High     float64         `yaml:"high" validate:"gtefield=Medium"`
	Critical float64         `yaml:"critical" validate:"gtefield=High"`
	Keywords []KeywordWeight `yaml:"keywords" validate:"dive"`
}

// DefaultSeverityPolicy returns the shipped policy:
//
//	medium   score >= 0.05
//	high     score >= 0.25
//	critical score >= 0.60
//
// Keyword weights: authentication and account material (aaa, username,
// password, secret, authentication, tacacs, radius) 0.30; access control
// (access-list, prefix-list, firewall, filter) 0.25; routing protocols (bgp,
// ospf, isis, route-map, static route) 0.20; management plane (snmp, ssh,
// ntp, logging) 0.10.
//
// One changed ACL line in a large config is therefore already high, while
// a small cosmetic change (description, banner) stays low.
func DefaultSeverityPolicy() SeverityPolicy {
	kw := func(weight float64, words ...string) []KeywordWeight {
		out := make([]KeywordWeight, len(words))
		for i, w := range words {
			out[i] = KeywordWeight{Keyword: w, Weight: weight}
		}
		return out
	}
	var keywords []KeywordWeight
	keywords = append(keywords, kw(0.30, "aaa", "username", "password", "secret", "authentication", "tacacs", "radius")...)
	keywords = append(keywords, kw(0.25, "access-list", "prefix-list", "firewall", "filter")...)
	keywords = append(keywords, kw(0.20, "bgp", "ospf", "isis", "route-map", "ip route")...)
	keywords = append(keywords, kw(0.10, "snmp", "ssh", "ntp", "logging")...)

	return SeverityPolicy{
		Medium:   0.05,
		High:     0.25,
		Critical: 0.60,
		Keywords: keywords,
	}
}

// Grade fills Score and SensitiveHits on stats from the changed lines and
// returns the severity.
func (p SeverityPolicy) Grade(stats *datatypes.DriftStats, changed []string) datatypes.DriftSeverity {
	stats.SensitiveHits = nil
	score := stats.ChangedFraction

	lowered := make([]string, len(changed))
	for i, l := range changed {
		lowered[i] = strings.ToLower(l)
	}
	for _, kw := range p.Keywords {
		needle := strings.ToLower(kw.Keyword)
		if needle == "" {
			continue
		}
		for _, l := range lowered {
			if strings.Contains(l, needle) {
				score += kw.Weight
				stats.SensitiveHits = append(stats.SensitiveHits, kw.Keyword)
				break
			}
		}
	}
	stats.Score = score

	switch {
	case score >= p.Critical && p.Critical > 0:
		return datatypes.SeverityCritical
	case score >= p.High && p.High > 0:
		return datatypes.SeverityHigh
	case score >= p.Medium && p.Medium > 0:
		return datatypes.SeverityMedium
	default:
		return datatypes.SeverityLow
	}
}
