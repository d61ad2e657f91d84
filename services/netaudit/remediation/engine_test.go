// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remediation

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
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/mdcli"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/ncrpc/ncrpctest"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

type recordingTrigger struct {
	mu   sync.Mutex
	reqs []trigger.Request
	err  error
}

func (r *recordingTrigger) Trigger(_ context.Context, req trigger.Request) (trigger.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return trigger.Ack{}, r.err
	}
	r.reqs = append(r.reqs, req)
	return trigger.Ack{RequestID: "req-1"}, nil
}

func (r *recordingTrigger) requests() []trigger.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trigger.Request(nil), r.reqs...)
}

type staticResolver struct{}

func (staticResolver) Resolve(_ context.Context, d *datatypes.Device) (datatypes.Credentials, error) {
	return datatypes.Credentials{Username: "admin", Password: "pw"}, nil
}

type fixture struct {
	store   *storage.BadgerStore
	tracker *backoff.Tracker
	trig    *recordingTrigger
	engine  *Engine
}

func newFixture(t *testing.T, opener connector.Opener) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		tracker: backoff.NewTracker(store, backoff.Config{Base: time.Hour, Max: time.Hour, Threshold: 1}),
		trig:    &recordingTrigger{},
	}
	f.engine, err = New(DefaultConfig(), Deps{Store: store, Opener: opener, Backoff: f.tracker, Trigger: f.trig})
	require.NoError(t, err)
	return f
}

// seed stores a device and one NON_COMPLIANT finding expecting expected.
func (f *fixture) seed(t *testing.T, p datatypes.VendorProtocol, expected any) (*datatypes.Device, string) {
	t.Helper()
	ctx := context.Background()
	d := &datatypes.Device{ID: "pe1", Address: "192.0.2.10", VendorProtocol: p, Enabled: true}
	require.NoError(t, f.store.PutDevice(ctx, d))
	require.NoError(t, f.store.PutFindings(ctx, []datatypes.Finding{{
		ID: "f1", RunID: "run-0", DeviceID: d.ID, RuleID: "ntp", RuleVersion: 1, CheckName: "ntp-state",
		Expected: expected, Status: datatypes.StatusNonCompliant, EvaluatedAt: time.Now(),
	}}))
	return d, "f1"
}

func mdcliOpener(t *testing.T, dev *ncrpctest.Device) connector.Opener {
	t.Helper()
	factory, err := connector.NewFactory(staticResolver{}, time.Second, mdcli.New(mdcli.Config{Dialer: dev.Dial}))
	require.NoError(t, err)
	return factory
}

var ntpTree = map[string]any{"system": map[string]any{"name": "pe1"}}

func TestRemediate_DryRunNeverCommits(t *testing.T) {
	dev := &ncrpctest.Device{}
	f := newFixture(t, mdcliOpener(t, dev))
	f.seed(t, datatypes.ProtocolModelDrivenCLI, ntpTree)

	action, err := f.engine.Remediate(context.Background(), "f1", true)
	require.NoError(t, err)
	assert.True(t, action.DryRun)
	assert.False(t, action.Applied)
	assert.Empty(t, action.Error)
	assert.Empty(t, f.trig.requests())

	assert.NotContains(t, dev.Calls(), "commit")
	assert.Empty(t, dev.Committed())
	assert.False(t, dev.Pending())

	opened, closed := dev.Sessions()
	assert.Equal(t, opened, closed)
}

func TestRemediate_ApplyRequestsReAuditWithLatestRuleSet(t *testing.T) {
	dev := &ncrpctest.Device{}
	f := newFixture(t, mdcliOpener(t, dev))
	ctx := context.Background()
	d, _ := f.seed(t, datatypes.ProtocolModelDrivenCLI, ntpTree)
	require.NoError(t, f.store.PutRun(ctx, &datatypes.AuditRun{ID: "run-1", DeviceIDs: []string{d.ID}, RuleIDs: []string{"ntp", "snmp"}}))

	action, err := f.engine.Remediate(ctx, "f1", false)
	require.NoError(t, err)
	assert.True(t, action.Applied)
	assert.True(t, action.ReAuditTriggered)
	assert.Empty(t, action.ReAuditError)

	reqs := f.trig.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"pe1"}, reqs[0].DeviceIDs)
	assert.Equal(t, []string{"ntp", "snmp"}, reqs[0].RuleIDs)

	require.Len(t, dev.Committed(), 1)
	stored, err := f.store.GetRemediation(ctx, action.ID)
	require.NoError(t, err)
	assert.True(t, stored.Applied)
	assert.Equal(t, "f1", stored.FindingID)
}

func TestRemediate_ReAuditFailureDoesNotUndoApplied(t *testing.T) {
	f := newFixture(t, mdcliOpener(t, &ncrpctest.Device{}))
	f.trig.err = errors.New("audit API unavailable")
	f.seed(t, datatypes.ProtocolModelDrivenCLI, ntpTree)

	action, err := f.engine.Remediate(context.Background(), "f1", false)
	require.NoError(t, err)
	assert.True(t, action.Applied)
	assert.False(t, action.ReAuditTriggered)
	assert.Contains(t, action.ReAuditError, "unavailable")
}

func TestRemediate_FallsBackToFindingRule(t *testing.T) {
	f := newFixture(t, mdcliOpener(t, &ncrpctest.Device{}))
	f.seed(t, datatypes.ProtocolModelDrivenCLI, ntpTree)

	_, err := f.engine.Remediate(context.Background(), "f1", false)
	require.NoError(t, err)
	reqs := f.trig.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"ntp"}, reqs[0].RuleIDs)
}

// A failed commit leaves no candidate behind, so the next remediation on the
// same device commits only its own change.
func TestRemediate_FailedCommitIsRolledBackIdempotently(t *testing.T) {
	dev := &ncrpctest.Device{Fail: map[string]string{"commit": "configuration conflict"}}
	f := newFixture(t, mdcliOpener(t, dev))
	f.seed(t, datatypes.ProtocolModelDrivenCLI, map[string]any{"bad": "change"})

	action, err := f.engine.Remediate(context.Background(), "f1", false)
	var pe *connector.PushError
	require.ErrorAs(t, err, &pe)
	assert.False(t, action.Applied)
	assert.Contains(t, action.Error, "configuration conflict")
	assert.Empty(t, action.RollbackError)
	assert.False(t, action.ReAuditTriggered)
	assert.False(t, dev.Pending())
	assert.False(t, dev.Locked())

	delete(dev.Fail, "commit")
	require.NoError(t, f.store.PutFindings(context.Background(), []datatypes.Finding{{
		ID: "f2", DeviceID: "pe1", RuleID: "ntp", Expected: map[string]any{"good": "change"}, Status: datatypes.StatusNonCompliant,
	}}))
	action, err = f.engine.Remediate(context.Background(), "f2", false)
	require.NoError(t, err)
	assert.True(t, action.Applied)

	committed := dev.Committed()
	require.Len(t, committed, 1)
	assert.Contains(t, committed[0], "<good>change</good>")
	assert.NotContains(t, committed[0], "<bad>")
}

func TestRemediate_RollbackFailureRecordedSeparately(t *testing.T) {
	dev := &ncrpctest.Device{Fail: map[string]string{"commit": "configuration conflict", "discard-changes": "datastore busy"}}
	f := newFixture(t, mdcliOpener(t, dev))
	f.seed(t, datatypes.ProtocolModelDrivenCLI, ntpTree)

	action, err := f.engine.Remediate(context.Background(), "f1", false)
	require.Error(t, err)
	assert.False(t, action.Applied)
	assert.Contains(t, action.Error, "configuration conflict")
	assert.NotContains(t, action.Error, "datastore busy")
	assert.Contains(t, action.RollbackError, "datastore busy")

	stored, err := f.store.GetRemediation(context.Background(), action.ID)
	require.NoError(t, err)
	assert.Equal(t, action.RollbackError, stored.RollbackError)
}

func TestRemediate_ValidationBeforeDeviceContact(t *testing.T) {
	tests := []struct {
		name     string
		protocol datatypes.VendorProtocol
		expected any
	}{
		{"malformed json", datatypes.ProtocolNetconfXML, `{"ntp": {"enabled": tru}}`},
		{"malformed xml", datatypes.ProtocolNetconfXML, "<system><ntp>"},
		{"mismatched xml", datatypes.ProtocolModelDrivenCLI, "<system><ntp></system>"},
		{"scalar without stored rule", datatypes.ProtocolModelDrivenCLI, "enable"},
		{"numeric reference", datatypes.ProtocolNetconfXML, ">=100"},
		{"nil expected", datatypes.ProtocolModelDrivenCLI, nil},
		{"tree to ssh", datatypes.ProtocolSSHCLI, map[string]any{"a": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := connectortest.NewOpener()
			f := newFixture(t, opener)
			f.seed(t, tt.protocol, tt.expected)

			action, err := f.engine.Remediate(context.Background(), "f1", false)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "f1", ve.FindingID)
			assert.Zero(t, opener.Opens("pe1"))
			assert.NotEmpty(t, action.Error)

			stored, err := f.store.GetRemediation(context.Background(), action.ID)
			require.NoError(t, err)
			assert.False(t, stored.Applied)
		})
	}
}

// A scalar expected value is nested under the path of the check that
// produced the finding.
func TestRemediate_ScalarLeafUsesCheckPath(t *testing.T) {
	dev := &ncrpctest.Device{}
	f := newFixture(t, mdcliOpener(t, dev))
	ctx := context.Background()
	_, err := f.store.SaveRule(ctx, &datatypes.Rule{
		ID: "ntp", Name: "NTP enabled", VendorProtocol: datatypes.ProtocolModelDrivenCLI, Enabled: true,
		Checks: []datatypes.Check{{
			Name:       "ntp-state",
			Query:      datatypes.Query{XPath: "/system/ntp/state"},
			Comparison: datatypes.CompareExact,
			Reference:  "enable",
		}},
	})
	require.NoError(t, err)
	f.seed(t, datatypes.ProtocolModelDrivenCLI, "enable")

	action, err := f.engine.Remediate(ctx, "f1", false)
	require.NoError(t, err)
	assert.True(t, action.Applied)
	assert.Equal(t, map[string]any{"system": map[string]any{"ntp": map[string]any{"state": "enable"}}}, action.Payload)

	committed := dev.Committed()
	require.Len(t, committed, 1)
	assert.Contains(t, committed[0], "<system><ntp><state>enable</state></ntp></system>")
}

// A push error without a cause is still recorded instead of panicking.
func TestRemediate_PushErrorWithoutCause(t *testing.T) {
	tests := []struct {
		name     string
		rollback error
		outcome  string
	}{
		{"discarded", nil, "push commit on pe1 failed"},
		{"rollback failed", errors.New("datastore busy"), "push commit on pe1 failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := connectortest.NewOpener()
			f := newFixture(t, opener)
			d, _ := f.seed(t, datatypes.ProtocolNetconfXML, ntpTree)
			opener.Serve(&connectortest.Session{Dev: d, PushFn: func(any, connector.PushMode) (*connector.PushResult, error) {
				return nil, &connector.PushError{DeviceID: "pe1", Phase: connector.PhaseCommit, RollbackErr: tt.rollback}
			}})

			action, err := f.engine.Remediate(context.Background(), "f1", false)
			var pe *connector.PushError
			require.ErrorAs(t, err, &pe)
			assert.False(t, action.Applied)
			assert.Contains(t, action.Error, tt.outcome)
			if tt.rollback != nil {
				assert.Equal(t, "datastore busy", action.RollbackError)
			}
		})
	}
}

func TestRemediate_CompliantFindingRejected(t *testing.T) {
	opener := connectortest.NewOpener()
	f := newFixture(t, opener)
	ctx := context.Background()
	require.NoError(t, f.store.PutDevice(ctx, &datatypes.Device{ID: "pe1", Address: "192.0.2.10", VendorProtocol: datatypes.ProtocolSSHCLI}))
	require.NoError(t, f.store.PutFindings(ctx, []datatypes.Finding{{ID: "ok", DeviceID: "pe1", Expected: "ntp server 1.1.1.1", Status: datatypes.StatusCompliant}}))

	_, err := f.engine.Remediate(ctx, "ok", false)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Zero(t, opener.Opens("pe1"))
}

func TestRemediate_TrailingCommaRepairIsRecorded(t *testing.T) {
	opener := connectortest.NewOpener()
	f := newFixture(t, opener)
	d, _ := f.seed(t, datatypes.ProtocolNetconfXML, `{"system": {"ntp": {"enabled": "true",},},}`)
	sess := opener.Serve(&connectortest.Session{Dev: d})

	action, err := f.engine.Remediate(context.Background(), "f1", false)
	require.NoError(t, err)
	assert.True(t, action.Repaired)
	assert.True(t, action.Applied)

	pushes := sess.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, connector.Apply, pushes[0].Mode)
	assert.Equal(t, map[string]any{"system": map[string]any{"ntp": map[string]any{"enabled": "true"}}}, pushes[0].Payload)
}

func TestRemediate_ConnectionFailureAdvancesBackoff(t *testing.T) {
	opener := connectortest.NewOpener()
	f := newFixture(t, opener)
	f.seed(t, datatypes.ProtocolSSHCLI, "ntp server 10.0.0.1")
	opener.Fail("pe1", &connector.ConnectionError{DeviceID: "pe1", Op: "connect", Kind: connector.ConnTimeout, Err: context.DeadlineExceeded})

	action, err := f.engine.Remediate(context.Background(), "f1", false)
	require.Error(t, err)
	assert.False(t, action.Applied)

	state, err := f.tracker.Get(context.Background(), "pe1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.ConsecutiveFailures)

	_, err = f.engine.Remediate(context.Background(), "f1", false)
	assert.ErrorIs(t, err, backoff.ErrInBackoff)
	assert.Equal(t, 1, opener.Opens("pe1"))
}

func TestRemediate_UnknownFinding(t *testing.T) {
	f := newFixture(t, connectortest.NewOpener())
	action, err := f.engine.Remediate(context.Background(), "nope", false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Nil(t, action)
}
