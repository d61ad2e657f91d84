// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scheduler

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

// fakeNet answers dials from a table keyed by host:port. Addresses not in
// the table time out.
type fakeNet struct {
	mu      sync.Mutex
	open    map[string]bool
	refused map[string]bool
	dialed  []string
	hook    func(ctx context.Context, address string) error
}

func newFakeNet() *fakeNet {
	return &fakeNet{open: map[string]bool{}, refused: map[string]bool{}}
}

func (n *fakeNet) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	n.mu.Lock()
	n.dialed = append(n.dialed, address)
	open, refused, hook := n.open[address], n.refused[address], n.hook
	n.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, address); err != nil {
			return nil, err
		}
	}
	switch {
	case open:
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	case refused:
		return nil, &net.OpError{Op: "dial", Net: network, Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	default:
		return nil, &net.OpError{Op: "dial", Net: network, Err: context.DeadlineExceeded}
	}
}

func (n *fakeNet) Dialed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := append([]string(nil), n.dialed...)
	sort.Strings(out)
	return out
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls [][]string
	rules [][]string
	err   error
}

func (a *recordingAuditor) Run(_ context.Context, deviceIDs, ruleIDs []string) (*datatypes.AuditRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := append([]string(nil), deviceIDs...)
	sort.Strings(ids)
	a.calls = append(a.calls, ids)
	a.rules = append(a.rules, ruleIDs)
	if a.err != nil {
		return nil, a.err
	}
	return &datatypes.AuditRun{ID: "run", DeviceIDs: deviceIDs, RuleIDs: ruleIDs, Status: datatypes.RunCompleted}, nil
}

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) PruneAll(context.Context) (int, error) {
	p.calls.Add(1)
	return 0, nil
}

type fixture struct {
	sched   *Scheduler
	store   *storage.BadgerStore
	tracker *backoff.Tracker
	net     *fakeNet
	auditor *recordingAuditor
	pruner  *countingPruner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		tracker: backoff.NewTracker(store, backoff.Config{Base: time.Hour, Max: time.Hour, Threshold: 1}),
		net:     newFakeNet(),
		auditor: &recordingAuditor{},
		pruner:  &countingPruner{},
	}
	f.sched, err = New(cfg, Deps{
		Store:   store,
		Auditor: f.auditor,
		Backoff: f.tracker,
		Pruner:  f.pruner,
		Dial:    f.net.Dial,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) device(t *testing.T, id, addr string, enabled bool) *datatypes.Device {
	t.Helper()
	d := &datatypes.Device{ID: id, Address: addr, VendorProtocol: datatypes.ProtocolSSHCLI, Enabled: enabled}
	require.NoError(t, f.store.PutDevice(context.Background(), d))
	return d
}

func (f *fixture) backOff(t *testing.T, id string) {
	t.Helper()
	_, err := f.tracker.RecordFailure(context.Background(), id, errors.New("unreachable"))
	require.NoError(t, err)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeRate = 0
	cfg.DialTimeout = time.Second
	return cfg
}

// =============================================================================
// Cadence
// =============================================================================

func TestDue(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }
	hourly := datatypes.Cadence{Cron: "0 * * * *"}

	tests := []struct {
		name    string
		cadence datatypes.Cadence
		last    time.Time
		now     time.Time
		want    bool
		wantErr error
	}{
		{"never run", datatypes.Cadence{Interval: time.Hour}, time.Time{}, at(10, 0), true, nil},
		{"interval not elapsed", datatypes.Cadence{Interval: time.Hour}, at(10, 0), at(10, 59), false, nil},
		{"interval elapsed", datatypes.Cadence{Interval: time.Hour}, at(10, 0), at(11, 0), true, nil},
		{"cron before slot", hourly, at(10, 0), at(10, 30), false, nil},
		{"cron at slot", hourly, at(10, 0), at(11, 0), true, nil},
		{"cron wins over interval", datatypes.Cadence{Interval: time.Minute, Cron: "0 * * * *"}, at(10, 0), at(10, 5), false, nil},
		{"descriptor", datatypes.Cadence{Cron: "@every 15m"}, at(10, 0), at(10, 15), true, nil},
		{"no cadence", datatypes.Cadence{}, at(10, 0), at(11, 0), false, ErrNoCadence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Due(tt.cadence, tt.last, tt.now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Error(t, ValidateCadence(datatypes.Cadence{Cron: "61 * * * *"}))
	assert.NoError(t, ValidateCadence(hourly))
}

// =============================================================================
// Health
// =============================================================================

func TestCheckHealth_RecordsStatusAndSkipsBackoff(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.device(t, "up", "10.0.0.1", true)
	f.device(t, "closed", "10.0.0.2", true)
	f.device(t, "dead", "10.0.0.3", true)
	f.device(t, "backed-off", "10.0.0.4", true)
	f.device(t, "disabled", "10.0.0.5", false)
	f.net.open["10.0.0.1:22"] = true
	f.net.refused["10.0.0.2:22"] = true
	f.backOff(t, "backed-off")

	summary, err := f.sched.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthSummary{Checked: 3, Reachable: 2, PortOpen: 1, Skipped: 1}, summary)
	assert.Equal(t, []string{"10.0.0.1:22", "10.0.0.2:22", "10.0.0.3:22"}, f.net.Dialed())

	up, err := f.store.GetHealth(ctx, "up")
	require.NoError(t, err)
	assert.True(t, up.Reachable)
	assert.True(t, up.PortOpen)
	assert.Empty(t, up.Error)

	closed, err := f.store.GetHealth(ctx, "closed")
	require.NoError(t, err)
	assert.True(t, closed.Reachable, "a refused connection proves the host is up")
	assert.False(t, closed.PortOpen)
	assert.Contains(t, closed.Error, "connection refused")

	dead, err := f.store.GetHealth(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, dead.Reachable)

	_, err = f.store.GetHealth(ctx, "backed-off")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Failed probes open a backoff window; the next sweep skips them.
	assert.ErrorIs(t, f.tracker.Check(ctx, "closed"), backoff.ErrInBackoff)
	assert.ErrorIs(t, f.tracker.Check(ctx, "dead"), backoff.ErrInBackoff)
	assert.NoError(t, f.tracker.Check(ctx, "up"))

	summary, err = f.sched.CheckHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 3, summary.Skipped)
}

func TestCheckHealth_SuccessDoesNotClearBackoff(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.device(t, "r1", "10.0.0.1", true)
	f.net.open["10.0.0.1:22"] = true

	_, err := f.tracker.RecordFailure(ctx, "r1", errors.New("auth"))
	require.NoError(t, err)
	state, err := f.tracker.Get(ctx, "r1")
	require.NoError(t, err)

	// Move the window into the past so the device is probed.
	_, err = f.store.UpdateBackoff(ctx, "r1", func(s *datatypes.BackoffState) error {
		s.NextEligibleAt = time.Now().Add(-time.Second)
		return nil
	})
	require.NoError(t, err)

	_, err = f.sched.CheckHealth(ctx)
	require.NoError(t, err)
	after, err := f.tracker.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, state.ConsecutiveFailures, after.ConsecutiveFailures)
}

// =============================================================================
// Discovery
// =============================================================================

func TestHosts(t *testing.T) {
	tests := []struct {
		cidr    string
		limit   int
		want    []string
		wantErr bool
	}{
		{"192.0.2.0/30", 16, []string{"192.0.2.1", "192.0.2.2"}, false},
		{"192.0.2.5/32", 16, []string{"192.0.2.5"}, false},
		{"192.0.2.4/31", 16, []string{"192.0.2.4", "192.0.2.5"}, false},
		{"192.0.2.9/29", 16, []string{"192.0.2.9", "192.0.2.10", "192.0.2.11", "192.0.2.12", "192.0.2.13", "192.0.2.14"}, false},
		{"2001:db8::/126", 16, []string{"2001:db8::", "2001:db8::1", "2001:db8::2", "2001:db8::3"}, false},
		{"192.0.2.0/24", 100, nil, true},
		{"10.0.0.0/8", 1 << 20, nil, true},
		{"2001:db8::/64", 4096, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			got, err := hosts(netip.MustParsePrefix(tt.cidr), tt.limit)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrRangeTooLarge)
				return
			}
			require.NoError(t, err)
			var strs []string
			for _, a := range got {
				strs = append(strs, a.String())
			}
			assert.Equal(t, tt.want, strs)
		})
	}
}

func sshGroup(id, cidr string) *datatypes.DiscoveryGroup {
	return &datatypes.DiscoveryGroup{
		ID:             id,
		CIDR:           cidr,
		VendorProtocol: datatypes.ProtocolSSHCLI,
		Username:       "netops",
		Cadence:        datatypes.Cadence{Interval: time.Hour},
		Enabled:        true,
	}
}

func TestDiscover_QuotaAccounting(t *testing.T) {
	tests := []struct {
		name           string
		quota          int
		wantRegistered int
	}{
		{"unlimited", 0, 6},
		{"quota below found", 3, 3},
		{"quota equals found", 6, 6},
		{"quota above found", 50, 6},
		{"quota of one", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxDevices = tt.quota
			f := newFixture(t, cfg)
			for _, h := range []string{"1", "2", "3", "4", "5", "6"} {
				f.net.open["198.51.100."+h+":22"] = true
			}

			res, err := f.sched.Discover(context.Background(), sshGroup("g1", "198.51.100.0/29"))
			require.NotNil(t, res)
			assert.Equal(t, 6, res.Scanned)
			assert.Len(t, res.Found, 6)
			assert.Len(t, res.Registered, tt.wantRegistered)
			assert.Len(t, res.Rejected, 6-tt.wantRegistered, "every found device is registered or rejected")
			assert.Equal(t, res.Found[:tt.wantRegistered], res.Registered, "first found wins")

			if tt.wantRegistered < 6 {
				var qerr *QuotaExceededError
				require.ErrorAs(t, err, &qerr)
				assert.Equal(t, res.Rejected, qerr.Rejected)
				assert.Equal(t, tt.quota, qerr.Limit)
			} else {
				require.NoError(t, err)
			}

			devices, err := f.store.ListDevices(context.Background())
			require.NoError(t, err)
			assert.Len(t, devices, tt.wantRegistered)
			for _, d := range devices {
				assert.Equal(t, "g1", d.DiscoveryGroupID)
				assert.Equal(t, "netops", d.Username)
				assert.True(t, d.Enabled)
			}
		})
	}
}

func TestDiscover_KnownAndBackedOffDevices(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDevices = 3
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.device(t, "known", "198.51.100.6", true)
	f.device(t, "sleeping", "198.51.100.1", true)
	f.backOff(t, "sleeping")
	for _, h := range []string{"1", "2", "3", "5", "6"} {
		f.net.open["198.51.100."+h+":22"] = true
	}

	res, err := f.sched.Discover(ctx, sshGroup("g1", "198.51.100.0/29"))
	var qerr *QuotaExceededError
	require.ErrorAs(t, err, &qerr)

	assert.Equal(t, 5, res.Scanned, "backed-off device is not probed")
	assert.NotContains(t, f.net.Dialed(), "198.51.100.1:22")
	assert.Equal(t, []string{"198.51.100.2", "198.51.100.3", "198.51.100.5", "198.51.100.6"}, res.Found)
	assert.Equal(t, []string{"198.51.100.6"}, res.Known)
	// Two devices exist, quota 3: one slot left.
	assert.Equal(t, []string{"198.51.100.2"}, res.Registered)
	assert.Equal(t, []string{"198.51.100.3", "198.51.100.5"}, res.Rejected)
}

func TestDiscover_CancelledRegistersNothing(t *testing.T) {
	cfg := testConfig()
	cfg.DiscoveryConcurrency = 1
	f := newFixture(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.net.open["198.51.100.1:22"] = true
	f.net.open["198.51.100.2:22"] = true
	f.net.hook = func(context.Context, string) error {
		cancel()
		return nil
	}

	res, err := f.sched.Discover(ctx, sshGroup("g1", "198.51.100.0/29"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Empty(t, res.Registered)

	devices, err := f.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestDiscover_RejectsBadRanges(t *testing.T) {
	cfg := testConfig()
	cfg.MaxHostsPerGroup = 16
	f := newFixture(t, cfg)

	_, err := f.sched.Discover(context.Background(), sshGroup("g1", "10.0.0.0/16"))
	assert.ErrorIs(t, err, ErrRangeTooLarge)
	_, err = f.sched.Discover(context.Background(), sshGroup("g2", "not-a-cidr"))
	assert.Error(t, err)
	assert.Empty(t, f.net.Dialed())
}

func TestDiscoverDue_MarksGroupsAndHonorsCadence(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDevices = 1
	f := newFixture(t, cfg)
	ctx := context.Background()
	f.net.open["198.51.100.1:22"] = true
	f.net.open["198.51.100.2:22"] = true

	due := sshGroup("due", "198.51.100.0/30")
	notDue := sshGroup("not-due", "198.51.100.4/30")
	notDue.LastRunAt = time.Now().Add(-time.Minute)
	disabled := sshGroup("disabled", "198.51.100.8/30")
	disabled.Enabled = false
	for _, g := range []*datatypes.DiscoveryGroup{due, notDue, disabled} {
		require.NoError(t, f.store.PutDiscoveryGroup(ctx, g))
	}

	results, err := f.sched.DiscoverDue(ctx)
	require.NoError(t, err, "quota rejections are reported in results, not as sweep errors")
	require.Len(t, results, 1)
	assert.Equal(t, "due", results[0].GroupID)
	assert.Len(t, results[0].Registered, 1)
	assert.Len(t, results[0].Rejected, 1)

	groups, err := f.store.ListDiscoveryGroups(ctx)
	require.NoError(t, err)
	for _, g := range groups {
		if g.ID == "due" {
			assert.False(t, g.LastRunAt.IsZero())
		}
		if g.ID == "disabled" {
			assert.True(t, g.LastRunAt.IsZero())
		}
	}

	// Marked groups are not due again within their interval.
	results, err = f.sched.DiscoverDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

// =============================================================================
// Scheduled audits
// =============================================================================

func TestRunDueAudits(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.device(t, "r1", "10.0.0.1", true)
	f.device(t, "r2", "10.0.0.2", true)
	f.device(t, "r3", "10.0.0.3", false)
	f.backOff(t, "r2")

	schedules := []*datatypes.AuditSchedule{
		{ID: "named", DeviceIDs: []string{"r1", "r2", "missing"}, RuleIDs: []string{"ntp"}, Cadence: datatypes.Cadence{Interval: time.Hour}, Enabled: true},
		{ID: "all", Cadence: datatypes.Cadence{Cron: "@hourly"}, Enabled: true},
		{ID: "only-backed-off", DeviceIDs: []string{"r2"}, Cadence: datatypes.Cadence{Interval: time.Hour}, Enabled: true},
		{ID: "recent", Cadence: datatypes.Cadence{Interval: time.Hour}, Enabled: true, LastRunAt: time.Now().Add(-time.Minute)},
		{ID: "off", Cadence: datatypes.Cadence{Interval: time.Hour}, Enabled: false},
	}
	for _, sc := range schedules {
		require.NoError(t, f.store.PutSchedule(ctx, sc))
	}

	runs, err := f.sched.RunDueAudits(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.ElementsMatch(t, [][]string{{"r1"}, {"r1"}}, f.auditor.calls,
		"backed-off, disabled and unknown devices are dropped")

	stored, err := f.store.ListSchedules(ctx)
	require.NoError(t, err)
	marked := map[string]bool{}
	for _, sc := range stored {
		marked[sc.ID] = !sc.LastRunAt.IsZero()
	}
	assert.True(t, marked["named"])
	assert.True(t, marked["all"])
	assert.True(t, marked["only-backed-off"], "skipped for this cycle, not queued")
	assert.True(t, marked["recent"])
	assert.False(t, marked["off"])
}

func TestRunDueAudits_AuditorErrorIsReported(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.device(t, "r1", "10.0.0.1", true)
	f.auditor.err = errors.New("no rules")
	require.NoError(t, f.store.PutSchedule(ctx, &datatypes.AuditSchedule{
		ID: "s1", Cadence: datatypes.Cadence{Interval: time.Hour}, Enabled: true,
	}))

	runs, err := f.sched.RunDueAudits(ctx)
	assert.Empty(t, runs)
	assert.ErrorContains(t, err, "no rules")
}

// =============================================================================
// Loop
// =============================================================================

func TestRun_ReconfigureCancelsInFlightSweep(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	cfg.DiscoveryInterval = 0
	cfg.AuditInterval = 0
	cfg.RetentionInterval = 0
	f := newFixture(t, cfg)
	f.device(t, "r1", "10.0.0.1", true)

	started := make(chan struct{}, 1)
	interrupted := make(chan error, 1)
	f.net.hook = func(ctx context.Context, _ string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		select {
		case interrupted <- ctx.Err():
		default:
		}
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("health sweep never started")
	}

	next := cfg
	next.HealthInterval = 0
	f.sched.Reconfigure(next)

	select {
	case err := <-interrupted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight probe was not cancelled")
	}
	assert.Equal(t, time.Duration(0), f.sched.Config().HealthInterval)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// A cancelled probe is not a device failure.
	state, err := f.tracker.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveFailures)
}

func TestRun_RetentionTimer(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 0
	cfg.DiscoveryInterval = 0
	cfg.AuditInterval = 0
	cfg.RetentionInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.pruner.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestNew_RequiresStoreAndBackoff(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}
