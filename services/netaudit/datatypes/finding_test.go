// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComplianceScore_ExcludesErrorsFromDenominator(t *testing.T) {
	var s ComplianceScore
	s.Add(StatusCompliant)
	s.Add(StatusCompliant)
	s.Add(StatusNonCompliant)
	s.Add(StatusError)
	s.Add(StatusError)

	assert.Equal(t, 2, s.Compliant)
	assert.Equal(t, 1, s.NonCompliant)
	assert.Equal(t, 2, s.Errors)
	assert.InDelta(t, 2.0/3.0, s.Score, 1e-9)
}

func TestComplianceScore_OnlyErrors(t *testing.T) {
	var s ComplianceScore
	s.Add(StatusError)
	assert.Equal(t, 0.0, s.Score)
	assert.Equal(t, 1, s.Errors)
}

func TestDevice_Target(t *testing.T) {
	d := &Device{Address: "10.0.0.1", VendorProtocol: ProtocolNetconfXML}
	assert.Equal(t, "10.0.0.1:830", d.Target())

	d.Port = 2022
	assert.Equal(t, "10.0.0.1:2022", d.Target())

	ssh := &Device{Address: "fe80::1", VendorProtocol: ProtocolSSHCLI}
	assert.Equal(t, "[fe80::1]:22", ssh.Target())
}

func TestRule_AppliesTo(t *testing.T) {
	d := &Device{VendorProtocol: ProtocolSSHCLI}
	r := &Rule{VendorProtocol: ProtocolSSHCLI, Enabled: true}
	assert.True(t, r.AppliesTo(d))

	r.Enabled = false
	assert.False(t, r.AppliesTo(d))

	r.Enabled = true
	r.VendorProtocol = ProtocolNetconfXML
	assert.False(t, r.AppliesTo(d))
}
