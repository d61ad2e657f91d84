// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/connectortest"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/ncrpc/ncrpctest"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/netconfxml"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

type fixture struct {
	store   *storage.BadgerStore
	tracker *backoff.Tracker
	opener  *connectortest.Opener
	orch    *Orchestrator
}

func newFixture(t *testing.T, opener connector.Opener) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tracker := backoff.NewTracker(store, backoff.Config{Base: time.Hour, Max: 2 * time.Hour, Threshold: 1})
	f := &fixture{store: store, tracker: tracker}
	if opener == nil {
		f.opener = connectortest.NewOpener()
		opener = f.opener
	}
	f.orch, err = New(Config{MaxConcurrentDevices: 4}, Deps{Store: store, Opener: opener, Backoff: tracker})
	require.NoError(t, err)
	return f
}

func (f *fixture) device(t *testing.T, id string, p datatypes.VendorProtocol) *datatypes.Device {
	t.Helper()
	d := &datatypes.Device{ID: id, Address: "192.0.2." + id[len(id)-1:], VendorProtocol: p, Enabled: true, Username: "admin"}
	require.NoError(t, f.store.PutDevice(context.Background(), d))
	return d
}

func (f *fixture) rule(t *testing.T, r *datatypes.Rule) *datatypes.Rule {
	t.Helper()
	saved, err := f.store.SaveRule(context.Background(), r)
	require.NoError(t, err)
	return saved
}

func presentRule(id string, p datatypes.VendorProtocol, checks ...string) *datatypes.Rule {
	r := &datatypes.Rule{ID: id, VendorProtocol: p, Enabled: true}
	for _, c := range checks {
		r.Checks = append(r.Checks, datatypes.Check{Name: c, Query: datatypes.Query{Path: "/" + c}, Comparison: datatypes.ComparePresent})
	}
	return r
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, d *datatypes.Device) (datatypes.Credentials, error) {
	return datatypes.Credentials{Username: d.Username, Password: "pw"}, nil
}

func TestRun_NTPEndToEnd(t *testing.T) {
	dev := &ncrpctest.Device{Data: `<system><ntp><admin-state>disable</admin-state></ntp></system>`}
	factory, err := connector.NewFactory(staticResolver{}, time.Second, netconfxml.New(netconfxml.Config{Dialer: dev.Dial}))
	require.NoError(t, err)

	f := newFixture(t, factory)
	f.device(t, "r1", datatypes.ProtocolNetconfXML)
	f.rule(t, &datatypes.Rule{ID: "ntp", VendorProtocol: datatypes.ProtocolNetconfXML, Enabled: true,
		Checks: []datatypes.Check{{
			Name:       "ntp-admin-state",
			Query:      datatypes.Query{XPath: "/system/ntp/admin-state"},
			Comparison: datatypes.CompareExact,
			Reference:  "enable",
		}}})

	run, err := f.orch.Run(context.Background(), []string{"r1"}, []string{"ntp"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)
	require.Len(t, run.Findings, 1)

	fd := run.Findings[0]
	assert.Equal(t, datatypes.StatusNonCompliant, fd.Status)
	assert.Equal(t, "disable", fd.Actual)
	assert.Equal(t, "enable", fd.Expected)
	assert.Equal(t, 1, fd.RuleVersion)
	assert.Equal(t, run.ID, fd.RunID)

	opened, closed := dev.Sessions()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)

	stored, err := f.store.ListFindings(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, 0.0, run.Scores["r1"].Score)
	assert.Equal(t, 1, run.Scores["r1"].NonCompliant)
}

func TestRun_OneSessionPerDeviceAcrossRules(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolModelDrivenCLI)
	sess := f.opener.Serve(&connectortest.Session{Dev: d, Fragments: map[string]*connector.Fragment{
		"/a": {Value: "1", Found: true, Structured: true},
		"/b": {Value: "2", Found: true, Structured: true},
	}})
	f.rule(t, presentRule("one", datatypes.ProtocolModelDrivenCLI, "a", "b"))
	f.rule(t, presentRule("two", datatypes.ProtocolModelDrivenCLI, "c"))

	run, err := f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, run.Findings, 3)
	assert.Equal(t, 1, f.opener.Opens("r1"))
	assert.Len(t, sess.Fetches(), 3)
	assert.Equal(t, 1, sess.Disconnects())

	score := run.Scores["r1"]
	assert.Equal(t, 2, score.Compliant)
	assert.Equal(t, 1, score.NonCompliant)
}

func TestRun_ConnectionFailureIsolatedAndAdvancesBackoff(t *testing.T) {
	f := newFixture(t, nil)
	good := f.device(t, "r1", datatypes.ProtocolSSHCLI)
	f.device(t, "r2", datatypes.ProtocolSSHCLI)
	f.opener.Serve(&connectortest.Session{Dev: good})
	f.opener.Fail("r2", &connector.ConnectionError{DeviceID: "r2", Op: "connect", Kind: connector.ConnUnreachable, Err: errors.New("connection refused")})
	f.rule(t, presentRule("r", datatypes.ProtocolSSHCLI, "x", "y"))

	run, err := f.orch.Run(context.Background(), nil, []string{"r"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunPartial, run.Status)

	var errs, others int
	for _, fd := range run.Findings {
		if fd.DeviceID == "r2" {
			assert.Equal(t, datatypes.StatusError, fd.Status)
			assert.Contains(t, fd.ErrorDetail, "connection refused")
			errs++
		} else {
			others++
		}
	}
	assert.Equal(t, 2, errs)
	assert.Equal(t, 2, others)
	assert.Equal(t, 2, run.Scores["r2"].Errors)

	state, err := f.tracker.Get(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveFailures)

	// Next run skips r2 without contacting it.
	run, err = f.orch.Run(context.Background(), []string{"r2"}, []string{"r"})
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunFailed, run.Status)
	require.Len(t, run.Findings, 2)
	assert.Contains(t, run.Findings[0].ErrorDetail, "backoff")
	assert.Equal(t, 1, f.opener.Opens("r2"))
}

func TestRun_SuccessResetsBackoff(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolSSHCLI)
	f.opener.Serve(&connectortest.Session{Dev: d})
	f.rule(t, presentRule("r", datatypes.ProtocolSSHCLI, "x"))

	_, err := f.store.UpdateBackoff(context.Background(), "r1", func(s *datatypes.BackoffState) error {
		s.ConsecutiveFailures = 3
		return nil
	})
	require.NoError(t, err)

	_, err = f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	state, err := f.tracker.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveFailures)
}

func TestRun_SessionDroppedMidRun(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolNetconfXML)
	sess := f.opener.Serve(&connectortest.Session{Dev: d, FetchErr: map[string]error{
		"/a": &connector.ConnectionError{DeviceID: "r1", Op: "fetch", Kind: connector.ConnTimeout, Err: context.DeadlineExceeded},
	}})
	f.rule(t, presentRule("r", datatypes.ProtocolNetconfXML, "a", "b", "c"))

	run, err := f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, run.Findings, 3)
	for _, fd := range run.Findings {
		assert.Equal(t, datatypes.StatusError, fd.Status)
	}
	assert.Contains(t, run.Findings[2].ErrorDetail, "session lost")
	assert.Len(t, sess.Fetches(), 1)
	assert.Equal(t, 1, sess.Disconnects())

	state, err := f.tracker.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveFailures)
}

func TestRun_FetchErrorDoesNotTouchBackoff(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolNetconfXML)
	f.opener.Serve(&connectortest.Session{Dev: d, FetchErr: map[string]error{
		"/a": &connector.FetchError{DeviceID: "r1", Query: "/a", Err: errors.New("unknown element")},
	}})
	f.rule(t, presentRule("r", datatypes.ProtocolNetconfXML, "a", "b"))

	run, err := f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunCompleted, run.Status)
	assert.Equal(t, datatypes.StatusError, run.Findings[0].Status)
	assert.Equal(t, datatypes.StatusNonCompliant, run.Findings[1].Status)

	state, err := f.tracker.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveFailures)
}

func TestRun_AffinityAndDisabled(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolNetconfXML)
	f.opener.Serve(&connectortest.Session{Dev: d})
	off := &datatypes.Device{ID: "r9", Address: "192.0.2.9", VendorProtocol: datatypes.ProtocolNetconfXML}
	require.NoError(t, f.store.PutDevice(context.Background(), off))

	f.rule(t, presentRule("nc", datatypes.ProtocolNetconfXML, "a"))
	f.rule(t, presentRule("cli", datatypes.ProtocolSSHCLI, "b"))
	disabled := presentRule("old", datatypes.ProtocolNetconfXML, "c")
	disabled.Enabled = false
	f.rule(t, disabled)

	run, err := f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, run.DeviceIDs)
	require.Len(t, run.Findings, 1)
	assert.Equal(t, "nc", run.Findings[0].RuleID)
	assert.Zero(t, f.opener.Opens("r9"))
}

func TestRun_UnknownDevice(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Run(context.Background(), []string{"nope"}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.orch.Run(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestRun_ConcurrentRunsShareDeviceExclusively(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolSSHCLI)
	f.opener.Serve(&connectortest.Session{Dev: d})
	f.rule(t, presentRule("r", datatypes.ProtocolSSHCLI, "a", "b", "c"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Run(context.Background(), []string{"r1"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, f.opener.Opens("r1"))
	assert.Equal(t, 1, f.opener.MaxConcurrent("r1"))
	assert.Zero(t, f.opener.Live("r1"))
}

func TestRun_CancelledContextContactsNothing(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolSSHCLI)
	f.opener.Serve(&connectortest.Session{Dev: d})
	f.rule(t, presentRule("r", datatypes.ProtocolSSHCLI, "a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Run(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.opener.Opens("r1"))
}

func TestRun_DeviceTimeoutBoundsLockWait(t *testing.T) {
	f := newFixture(t, nil)
	d := f.device(t, "r1", datatypes.ProtocolSSHCLI)
	f.opener.Serve(&connectortest.Session{Dev: d})
	f.rule(t, presentRule("r", datatypes.ProtocolSSHCLI, "a"))
	f.orch.cfg.DeviceTimeout = 20 * time.Millisecond

	release, err := f.orch.locks.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	defer release()

	run, err := f.orch.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, datatypes.RunFailed, run.Status)
	require.Len(t, run.Findings, 1)
	assert.Contains(t, run.Findings[0].ErrorDetail, "deadline exceeded")
	assert.Zero(t, f.opener.Opens("r1"))
}
