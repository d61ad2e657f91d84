// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sshcli

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	shellFn func(lines []string) (string, error)
	shells  [][]string
	closed  bool
}

func (f *fakeRunner) Run(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.outputs[cmd]
	if !ok {
		return "% Invalid input detected at '^' marker.\r\n", nil
	}
	return out, nil
}

func (f *fakeRunner) Shell(_ context.Context, lines []string) (string, error) {
	f.mu.Lock()
	f.shells = append(f.shells, lines)
	fn := f.shellFn
	f.mu.Unlock()
	if fn != nil {
		return fn(lines)
	}
	return "", nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func connect(t *testing.T, r *fakeRunner) connector.Session {
	t.Helper()
	c := New(Config{Dialer: func(context.Context, string, *ssh.ClientConfig) (Runner, error) { return r, nil }})
	s, err := c.Connect(context.Background(),
		&datatypes.Device{ID: "sw1", Address: "192.0.2.20", VendorProtocol: datatypes.ProtocolSSHCLI},
		datatypes.Credentials{Username: "admin", Password: "pw"}, time.Second)
	require.NoError(t, err)
	return s
}

func TestFetch_TrimsOutput(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"show running-config | include ntp": "\r\nntp server 10.0.0.1\r\nntp server 10.0.0.2\r\n\r\n",
	}}
	s := connect(t, r)
	defer s.Disconnect()

	frag, err := s.Fetch(context.Background(), datatypes.Query{Command: "show running-config | include ntp"}, datatypes.ScopeRunning)
	require.NoError(t, err)
	assert.Equal(t, "ntp server 10.0.0.1\nntp server 10.0.0.2", frag.Text)
	assert.True(t, frag.Found)
	assert.False(t, frag.Structured)
	assert.Nil(t, frag.Value)
}

func TestFetch_EmptyOutputNotFound(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"show run | include snmp": "\r\n"}}
	s := connect(t, r)
	defer s.Disconnect()

	frag, err := s.Fetch(context.Background(), datatypes.Query{Command: "show run | include snmp"}, datatypes.ScopeRunning)
	require.NoError(t, err)
	assert.False(t, frag.Found)
}

func TestFetch_RejectedCommandIsFetchError(t *testing.T) {
	s := connect(t, &fakeRunner{})
	defer s.Disconnect()

	_, err := s.Fetch(context.Background(), datatypes.Query{Command: "show bogus"}, datatypes.ScopeRunning)
	var fe *connector.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "Invalid input")

	_, err = s.Fetch(context.Background(), datatypes.Query{}, datatypes.ScopeRunning)
	require.ErrorAs(t, err, &fe)
}

func TestPush_WrapsScriptInConfigMode(t *testing.T) {
	r := &fakeRunner{}
	s := connect(t, r)
	defer s.Disconnect()

	res, err := s.Push(context.Background(), "ntp server 10.0.0.1\n\nntp server 10.0.0.2\n", connector.Apply)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	require.Len(t, r.shells, 1)
	assert.Equal(t, []string{"configure terminal", "ntp server 10.0.0.1", "ntp server 10.0.0.2", "end"}, r.shells[0])
}

func TestPush_ValidateOnlyNeverOpensConfigMode(t *testing.T) {
	r := &fakeRunner{}
	s := connect(t, r)
	defer s.Disconnect()

	res, err := s.Push(context.Background(), []any{"logging host 10.0.0.5"}, connector.ValidateOnly)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Empty(t, r.shells)
}

func TestPush_ForbiddenCommand(t *testing.T) {
	r := &fakeRunner{}
	s := connect(t, r)
	defer s.Disconnect()

	_, err := s.Push(context.Background(), "hostname x\nreload", connector.ValidateOnly)
	var pe *connector.PushError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, connector.PhaseEncode, pe.Phase)
	assert.Empty(t, r.shells)
}

func TestPush_DeviceErrorRunsAbort(t *testing.T) {
	r := &fakeRunner{shellFn: func(lines []string) (string, error) {
		if strings.Contains(strings.Join(lines, "\n"), "bogus") {
			return "sw1(config)# bogus\r\n% Invalid input detected\r\n", nil
		}
		return "", nil
	}}
	s := connect(t, r)
	defer s.Disconnect()

	_, err := s.Push(context.Background(), "bogus", connector.Apply)
	var pe *connector.PushError
	require.ErrorAs(t, err, &pe)
	assert.NoError(t, pe.RollbackErr)
	require.Len(t, r.shells, 2)
	assert.Equal(t, []string{"configure terminal", "abort"}, r.shells[1])
}

func TestPush_AbortFailureReportedSeparately(t *testing.T) {
	r := &fakeRunner{shellFn: func(lines []string) (string, error) {
		return "", errors.New("channel closed")
	}}
	s := connect(t, r)
	defer s.Disconnect()

	_, err := s.Push(context.Background(), "ntp server 1.1.1.1", connector.Apply)
	var pe *connector.PushError
	require.ErrorAs(t, err, &pe)
	assert.EqualError(t, pe.Err, "channel closed")
	assert.Error(t, pe.RollbackErr)
}

func TestDisconnect(t *testing.T) {
	r := &fakeRunner{}
	s := connect(t, r)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.True(t, r.closed)
}
