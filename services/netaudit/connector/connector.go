// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connector defines the session-lifecycle contract shared by all
// device protocol variants.
//
// # Description
//
// A Connector opens Sessions against one protocol family. A Session fetches
// scoped data and pushes configuration. Exactly three variants exist
// (netconfxml, mdcli, sshcli) and the Factory selects one from
// Device.VendorProtocol when a session is opened; nothing downstream branches
// on the vendor type.
//
// # Thread Safety
//
// A Session is NOT safe for concurrent use. Callers hold a device lock for
// the lifetime of a session and run checks sequentially.
package connector

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// PushMode selects whether a push is committed.
type PushMode int

const (
	// ValidateOnly stages and validates without touching the commit path.
	ValidateOnly PushMode = iota

	// Apply stages and commits.
	Apply
)

func (m PushMode) String() string {
	if m == Apply {
		return "apply"
	}
	return "validate_only"
}

// Fragment is the data a fetch returned.
//
// For structured protocols Value holds the extracted value at the query path
// (map[string]any, []any or a scalar) and Text the raw reply. For SSH_CLI
// Value is nil and Text carries the trimmed command output. Found reports
// whether the queried path exists at all, which ABSENT/PRESENT checks rely on.
type Fragment struct {
	Value      any
	Text       string
	Found      bool
	Structured bool
}

// PushResult describes a successful push.
type PushResult struct {
	Mode      PushMode
	Validated bool
	Committed bool
	Message   string
}

// Session is an open management session to one device.
type Session interface {
	// Device returns the device this session is attached to.
	Device() *datatypes.Device

	// Fetch reads data selected by query from the given datastore scope.
	Fetch(ctx context.Context, query datatypes.Query, scope datatypes.Scope) (*Fragment, error)

	// Push stages payload and, in Apply mode, commits it. On failure the
	// staged change has already been discarded when Push returns.
	Push(ctx context.Context, payload any, mode PushMode) (*PushResult, error)

	// Disconnect discards any pending candidate and closes the transport.
	// Safe to call more than once.
	Disconnect() error
}

// Connector opens sessions for one protocol family.
type Connector interface {
	Protocol() datatypes.VendorProtocol
	Connect(ctx context.Context, device *datatypes.Device, creds datatypes.Credentials, timeout time.Duration) (Session, error)
}

// FullConfigQuery returns the query that reads a device's whole running
// configuration, used for backups.
func FullConfigQuery(p datatypes.VendorProtocol, showCommand string) datatypes.Query {
	switch p {
	case datatypes.ProtocolSSHCLI:
		if showCommand == "" {
			showCommand = "show running-config"
		}
		return datatypes.Query{Command: showCommand}
	default:
		return datatypes.Query{}
	}
}

// OpTimeout bounds ctx by timeout when timeout is positive.
func OpTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
