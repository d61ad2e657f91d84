// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package trigger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

// blockingAuditor blocks every Run until release is closed or ctx ends.
type blockingAuditor struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlockingAuditor() *blockingAuditor {
	return &blockingAuditor{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (a *blockingAuditor) Run(ctx context.Context, deviceIDs, ruleIDs []string) (*datatypes.AuditRun, error) {
	a.calls.Add(1)
	a.started <- struct{}{}
	select {
	case <-a.release:
		return &datatypes.AuditRun{ID: "run-1", DeviceIDs: deviceIDs, RuleIDs: ruleIDs, Status: datatypes.RunCompleted}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitStarted(t *testing.T, a *blockingAuditor) {
	t.Helper()
	select {
	case <-a.started:
	case <-time.After(5 * time.Second):
		t.Fatal("audit never started")
	}
}

func TestRequestKey_OrderInsensitive(t *testing.T) {
	a := Request{DeviceIDs: []string{"r2", "r1", "r1"}, RuleIDs: []string{"ntp"}, Reason: "x"}
	b := Request{DeviceIDs: []string{"r1", "r2"}, RuleIDs: []string{"ntp"}}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Request{DeviceIDs: []string{"r1"}}.Key())
	assert.Equal(t, "|", Request{}.Key())
}

func TestDispatcher_CoalescesInFlightDuplicates(t *testing.T) {
	aud := newBlockingAuditor()
	done := make(chan Result, 4)
	d := NewDispatcher(aud, DispatcherConfig{}, WithCompletionHook(func(r Result) { done <- r }))
	defer d.Close()
	ctx := context.Background()

	first, err := d.Trigger(ctx, Request{DeviceIDs: []string{"r1", "r2"}})
	require.NoError(t, err)
	assert.False(t, first.Coalesced)
	waitStarted(t, aud)

	dup, err := d.Trigger(ctx, Request{DeviceIDs: []string{"r2", "r1"}, Reason: "remediation"})
	require.NoError(t, err)
	assert.True(t, dup.Coalesced)
	assert.Equal(t, first.RequestID, dup.RequestID)
	assert.Equal(t, 1, d.Pending())

	close(aud.release)
	res := <-done
	require.NoError(t, res.Err)
	assert.Equal(t, first.RequestID, res.RequestID)
	assert.Equal(t, "run-1", res.Run.ID)
	assert.Equal(t, int32(1), aud.calls.Load())

	assert.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, 5*time.Millisecond)

	// Once finished, the same request runs again.
	again, err := d.Trigger(ctx, Request{DeviceIDs: []string{"r1", "r2"}})
	require.NoError(t, err)
	assert.False(t, again.Coalesced)
	assert.NotEqual(t, first.RequestID, again.RequestID)
	<-done
}

func TestDispatcher_RunNowJoinsInFlight(t *testing.T) {
	aud := newBlockingAuditor()
	d := NewDispatcher(aud, DispatcherConfig{})
	defer d.Close()

	_, err := d.Trigger(context.Background(), Request{RuleIDs: []string{"ntp"}})
	require.NoError(t, err)
	waitStarted(t, aud)

	var wg sync.WaitGroup
	wg.Add(1)
	var run *datatypes.AuditRun
	go func() {
		defer wg.Done()
		run, err = d.RunNow(context.Background(), Request{RuleIDs: []string{"ntp"}})
	}()

	time.Sleep(50 * time.Millisecond)
	close(aud.release)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, int32(1), aud.calls.Load())
}

// Cancelling the caller that started a shared execution only releases that
// caller; the joined caller still gets the run.
func TestDispatcher_RunNowCallerCancelDoesNotAbortSharedRun(t *testing.T) {
	aud := newBlockingAuditor()
	d := NewDispatcher(aud, DispatcherConfig{})
	defer d.Close()
	req := Request{DeviceIDs: []string{"r1"}, RuleIDs: []string{"ntp"}}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.RunNow(firstCtx, req)
		firstErr <- err
	}()
	waitStarted(t, aud)

	type outcome struct {
		run *datatypes.AuditRun
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		run, err := d.RunNow(context.Background(), req)
		second <- outcome{run, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller never returned")
	}

	close(aud.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, "run-1", got.run.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller never returned")
	}
	assert.Equal(t, int32(1), aud.calls.Load())
}

func TestDispatcher_Busy(t *testing.T) {
	aud := newBlockingAuditor()
	d := NewDispatcher(aud, DispatcherConfig{MaxPending: 1})
	defer func() {
		close(aud.release)
		d.Close()
	}()

	_, err := d.Trigger(context.Background(), Request{DeviceIDs: []string{"r1"}})
	require.NoError(t, err)
	_, err = d.Trigger(context.Background(), Request{DeviceIDs: []string{"r2"}})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestDispatcher_CloseCancelsAndRejects(t *testing.T) {
	aud := newBlockingAuditor()
	done := make(chan Result, 1)
	d := NewDispatcher(aud, DispatcherConfig{}, WithCompletionHook(func(r Result) { done <- r }))

	_, err := d.Trigger(context.Background(), Request{DeviceIDs: []string{"r1"}})
	require.NoError(t, err)
	waitStarted(t, aud)

	d.Close()
	res := <-done
	assert.ErrorIs(t, res.Err, context.Canceled)

	_, err = d.Trigger(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.RunNow(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPClient_Accepted(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/audits", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Ack{RequestID: "req-9"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL + "/")
	ack, err := c.Trigger(context.Background(), Request{DeviceIDs: []string{"r1"}, RuleIDs: []string{"ntp"}, Reason: "re-audit"})
	require.NoError(t, err)
	assert.Equal(t, "req-9", ack.RequestID)
	assert.Equal(t, []string{"r1"}, got.DeviceIDs)
	assert.Equal(t, "re-audit", got.Reason)
}

func TestHTTPClient_Retries(t *testing.T) {
	tests := []struct {
		name    string
		codes   []int
		wantErr bool
		hits    int32
	}{
		{"transient then accepted", []int{503, 503, 202}, false, 3},
		{"rate limited then accepted", []int{429, 202}, false, 2},
		{"client error not retried", []int{400}, true, 1},
		{"persistent server error", []int{500, 500, 500}, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := hits.Add(1)
				code := tt.codes[min(int(n), len(tt.codes))-1]
				w.WriteHeader(code)
				if code == http.StatusAccepted {
					_ = json.NewEncoder(w).Encode(Ack{RequestID: "ok"})
				}
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, WithRetry(3, time.Millisecond, 5*time.Millisecond))
			ack, err := c.Trigger(context.Background(), Request{})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "ok", ack.RequestID)
			}
			assert.Equal(t, tt.hits, hits.Load())
		})
	}
}
