// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ncrpctest provides an in-memory NETCONF device for connector tests.
package ncrpctest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"golang.org/x/crypto/ssh"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/ncrpc"
)

// Device simulates one NETCONF server with a candidate datastore.
//
// State survives across sessions, so a test can open a second session and
// observe what the first one left behind.
type Device struct {
	mu sync.Mutex

	// Data is returned inside <data> for get and get-config.
	Data string

	// Fail maps an RPC name ("commit", "edit-config", "discard-changes",
	// "validate", "lock") to the rpc-error the device answers with.
	Fail map[string]string

	// DialErr is returned by Dial.
	DialErr error

	// Block makes every Exec wait this long, for timeout tests.
	Block time.Duration

	calls     []string
	staged    []string
	committed []string
	locked    bool
	sessions  int
	closed    int
}

// Dial is an ncrpc.Dialer that connects to this device.
func (d *Device) Dial(ctx context.Context, _ string, _ *ssh.ClientConfig, _ time.Duration) (ncrpc.Executor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.sessions++
	return &session{dev: d}, nil
}

// SetData replaces the datastore contents, as if the device had applied a
// change out of band.
func (d *Device) SetData(data string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Data = data
}

// Calls returns the RPC names executed so far, across sessions.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Pending reports whether the candidate holds uncommitted changes.
func (d *Device) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.staged) > 0
}

// Committed returns the edit-config bodies committed so far.
func (d *Device) Committed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.committed...)
}

// Locked reports whether the candidate is locked.
func (d *Device) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// Sessions returns how many sessions were opened and closed.
func (d *Device) Sessions() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions, d.closed
}

type session struct {
	dev    *Device
	closed bool
}

func (s *session) Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error) {
	d := s.dev
	if d.Block > 0 {
		time.Sleep(d.Block)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}

	reply := &netconf.RPCReply{}
	for _, m := range methods {
		name := ncrpc.Name(m)
		d.calls = append(d.calls, name)

		if msg, ok := d.Fail[name]; ok {
			reply.Errors = append(reply.Errors, netconf.RPCError{
				Tag:      "operation-failed",
				Severity: "error",
				Message:  msg,
			})
			return reply, nil
		}

		switch name {
		case "get", "get-config":
			reply.Data = "<data>" + d.Data + "</data>"
		case "edit-config":
			d.staged = append(d.staged, m.MarshalMethod())
			reply.Ok = true
		case "commit":
			d.committed = append(d.committed, d.staged...)
			d.staged = nil
			reply.Ok = true
		case "discard-changes":
			d.staged = nil
			reply.Ok = true
		case "lock":
			if d.locked {
				reply.Errors = append(reply.Errors, netconf.RPCError{Tag: "lock-denied", Severity: "error", Message: "already locked"})
				return reply, nil
			}
			d.locked = true
			reply.Ok = true
		case "unlock":
			d.locked = false
			reply.Ok = true
		default:
			reply.Ok = true
		}
	}
	return reply, nil
}

// Close drops the session. A real device releases the session's lock but
// keeps the shared candidate, which is what makes an undiscarded candidate
// visible to the next session.
func (s *session) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.dev.closed++
		s.dev.locked = false
	}
	return nil
}
