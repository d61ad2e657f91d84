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

func TestValidate(t *testing.T) {
	rule := func() *Rule {
		return &Rule{
			ID:             "ntp",
			VendorProtocol: ProtocolNetconfXML,
			Enabled:        true,
			Checks:         []Check{{Name: "server", Comparison: CompareExact}},
		}
	}

	tests := []struct {
		name    string
		v       any
		wantErr string
	}{
		{"valid device", &Device{ID: "r1", Address: "192.0.2.1", VendorProtocol: ProtocolSSHCLI}, ""},
		{"hostname address", &Device{ID: "r1", Address: "core-1.example.net", VendorProtocol: ProtocolSSHCLI}, ""},
		{"unknown protocol", &Device{ID: "r1", Address: "192.0.2.1", VendorProtocol: "TELNET"}, "vendor_protocol"},
		{"port out of range", &Device{ID: "r1", Address: "192.0.2.1", Port: 70000, VendorProtocol: ProtocolSSHCLI}, "Port"},
		{"missing id", &Device{Address: "192.0.2.1", VendorProtocol: ProtocolSSHCLI}, "ID"},
		{"valid rule", rule(), ""},
		{"rule without checks", func() *Rule { r := rule(); r.Checks = nil; return r }(), "Checks"},
		{"unknown comparison", func() *Rule { r := rule(); r.Checks[0].Comparison = "FUZZY"; return r }(), "comparison"},
		{"unnamed check", func() *Rule { r := rule(); r.Checks[0].Name = ""; return r }(), "Name"},
		{"valid group", &DiscoveryGroup{ID: "g", CIDR: "198.51.100.0/29", VendorProtocol: ProtocolModelDrivenCLI}, ""},
		{"bad cidr", &DiscoveryGroup{ID: "g", CIDR: "198.51.100.0", VendorProtocol: ProtocolModelDrivenCLI}, "CIDR"},
		{"schedule without id", &AuditSchedule{}, "ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.v)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
