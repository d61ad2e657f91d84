// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remediation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

func TestStripTrailingCommas(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a": 1,}`, `{"a": 1}`},
		{`[1, 2,  ]`, `[1, 2  ]`},
		{"{\"a\": [1,\n],\n}", "{\"a\": [1\n]\n}"},
		{`{"s": "x,}", "t": 1}`, `{"s": "x,}", "t": 1}`},
		{`{"s": "q\",]",}`, `{"s": "q\",]"}`},
		{`{"a": 1, "b": 2}`, `{"a": 1, "b": 2}`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripTrailingCommas(tt.in), tt.in)
	}
}

func TestPreparePayload(t *testing.T) {
	nc, md, ssh := datatypes.ProtocolNetconfXML, datatypes.ProtocolModelDrivenCLI, datatypes.ProtocolSSHCLI
	exactLeaf := func(xpath string) *datatypes.Check {
		return &datatypes.Check{Name: "c", Query: datatypes.Query{XPath: xpath}, Comparison: datatypes.CompareExact}
	}
	mtuPath := &datatypes.Check{Name: "c", Query: datatypes.Query{Path: "/interfaces/interface[name='ge-0/0/0']/mtu"}, Comparison: datatypes.CompareExact}
	containsLeaf := &datatypes.Check{Name: "c", Query: datatypes.Query{XPath: "/system/ntp/state"}, Comparison: datatypes.CompareContains}

	tests := []struct {
		name     string
		protocol datatypes.VendorProtocol
		expected any
		check    *datatypes.Check
		want     any
		repaired bool
		wantErr  bool
	}{
		{"tree", nc, map[string]any{"a": "1"}, nil, map[string]any{"a": "1"}, false, false},
		{"json text", md, `{"a": "1"}`, nil, map[string]any{"a": "1"}, false, false},
		{"json repaired", md, `{"a": ["x",],}`, nil, map[string]any{"a": []any{"x"}}, true, false},
		{"xml text", nc, "  <system><name>r1</name></system> ", nil, "<system><name>r1</name></system>", false, false},
		{"ssh block", ssh, "ntp server 1.1.1.1\n", nil, "ntp server 1.1.1.1", false, false},
		{"ssh list", ssh, []any{"a", "b"}, nil, []any{"a", "b"}, false, false},
		{"json array for tree protocol", nc, `["a"]`, nil, nil, false, true},
		{"list for tree protocol", md, []any{"a"}, nil, nil, false, true},
		{"ssh list with number", ssh, []any{"a", 1.0}, nil, nil, false, true},
		{"bare word", nc, "enable", nil, nil, false, true},
		{"empty", ssh, "   ", nil, nil, false, true},
		{"scalar", md, 42.0, nil, nil, false, true},
		{"empty tree", nc, map[string]any{}, nil, nil, false, true},
		{"unrepairable", nc, `{"a": 1,, }`, nil, nil, false, true},
		{"malformed xml", nc, "<system><ntp>", nil, nil, false, true},
		{"mismatched xml", md, "<a><b></a></b>", nil, nil, false, true},
		{"xml siblings", md, "<a>1</a><b>2</b>", nil, "<a>1</a><b>2</b>", false, false},
		{"bare word on leaf", nc, "enable", exactLeaf("/system/ntp/state"), map[string]any{"system": map[string]any{"ntp": map[string]any{"state": "enable"}}}, false, false},
		{"number on leaf", md, 9000.0, mtuPath, map[string]any{"interfaces": map[string]any{"interface": map[string]any{"name": "ge-0/0/0", "mtu": 9000.0}}}, false, false},
		{"bool on leaf", md, true, exactLeaf("system/ntp/enabled"), map[string]any{"system": map[string]any{"ntp": map[string]any{"enabled": true}}}, false, false},
		{"bare word on contains check", nc, "enable", containsLeaf, nil, false, true},
		{"bare word on list entry", nc, "enable", exactLeaf("/interfaces/interface[name='ge-0/0/0']"), nil, false, true},
		{"bare word on wildcard", nc, "enable", exactLeaf("/system/*/state"), nil, false, true},
		{"bare word without path", nc, "enable", exactLeaf(""), nil, false, true},
		{"bool to ssh", ssh, true, exactLeaf("/system/ntp/enabled"), nil, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, repaired, err := PreparePayload("f1", tt.protocol, tt.expected, tt.check)
			if tt.wantErr {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "f1", ve.FindingID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.repaired, repaired)
		})
	}
}
