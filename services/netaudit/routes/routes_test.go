// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/handlers"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeTrigger records requests and returns a fixed result.
type fakeTrigger struct {
	mu   sync.Mutex
	reqs []trigger.Request
	ack  trigger.Ack
	err  error
}

func (f *fakeTrigger) Trigger(_ context.Context, req trigger.Request) (trigger.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.ack, f.err
}

func newTestRouter(t *testing.T, trig trigger.AuditTrigger) (*gin.Engine, *storage.BadgerStore, *prometheus.Registry) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	return NewRouter("netaudit-test", trig, store, reg), store, reg
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes_Registered(t *testing.T) {
	router, _, _ := newTestRouter(t, &fakeTrigger{})

	registered := make(map[string]bool)
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, route := range []string{
		"GET /health",
		"GET /metrics",
		"POST /v1/audits",
		"GET /v1/audits/:runId",
		"GET /v1/devices/:deviceId/health",
	} {
		assert.True(t, registered[route], "route %s not registered", route)
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t, &fakeTrigger{})
	w := do(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetrics_ServesRegistry(t *testing.T) {
	router, _, reg := newTestRouter(t, &fakeTrigger{})
	observability.NewMetrics(reg).RecordTrigger("accepted")

	w := do(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "netaudit_")
}

func TestTriggerAudit(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantReq  *trigger.Request
	}{
		{
			name:     "accepted",
			body:     `{"device_ids":["r1","r2"],"rule_ids":["ntp"],"reason":"drift"}`,
			wantCode: http.StatusAccepted,
			wantReq:  &trigger.Request{DeviceIDs: []string{"r1", "r2"}, RuleIDs: []string{"ntp"}, Reason: "drift"},
		},
		{
			name:     "empty body audits everything",
			wantCode: http.StatusAccepted,
			wantReq:  &trigger.Request{},
		},
		{
			name:     "malformed json",
			body:     `{"device_ids":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "queue full",
			body:     `{}`,
			err:      trigger.ErrBusy,
			wantCode: http.StatusServiceUnavailable,
			wantReq:  &trigger.Request{},
		},
		{
			name:     "closed",
			body:     `{}`,
			err:      trigger.ErrClosed,
			wantCode: http.StatusServiceUnavailable,
			wantReq:  &trigger.Request{},
		},
		{
			name:     "unexpected failure",
			body:     `{}`,
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantReq:  &trigger.Request{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig := &fakeTrigger{ack: trigger.Ack{RequestID: "req-1"}, err: tt.err}
			router, _, _ := newTestRouter(t, trig)

			w := do(router, http.MethodPost, "/v1/audits", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)

			if tt.wantReq == nil {
				assert.Empty(t, trig.reqs)
				return
			}
			require.Len(t, trig.reqs, 1)
			assert.Equal(t, tt.wantReq.DeviceIDs, trig.reqs[0].DeviceIDs)
			assert.Equal(t, tt.wantReq.RuleIDs, trig.reqs[0].RuleIDs)
			assert.Equal(t, tt.wantReq.Reason, trig.reqs[0].Reason)

			if tt.wantCode == http.StatusAccepted {
				var ack trigger.Ack
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
				assert.Equal(t, "req-1", ack.RequestID)
			}
			if tt.wantCode == http.StatusServiceUnavailable {
				assert.NotEmpty(t, w.Header().Get("Retry-After"))
			}
		})
	}
}

// The HTTP client and the endpoint agree on the wire format.
func TestTriggerAudit_HTTPClientRoundTrip(t *testing.T) {
	trig := &fakeTrigger{ack: trigger.Ack{RequestID: "req-9", Coalesced: true}}
	router, _, _ := newTestRouter(t, trig)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client := trigger.NewHTTPClient(srv.URL)
	ack, err := client.Trigger(context.Background(), trigger.Request{DeviceIDs: []string{"r1"}})
	require.NoError(t, err)
	assert.Equal(t, trigger.Ack{RequestID: "req-9", Coalesced: true}, ack)
	require.Len(t, trig.reqs, 1)
	assert.Equal(t, []string{"r1"}, trig.reqs[0].DeviceIDs)
}

func TestGetAuditRun(t *testing.T) {
	router, store, _ := newTestRouter(t, &fakeTrigger{})
	ctx := context.Background()
	now := time.Now().UTC()

	run := &datatypes.AuditRun{
		DeviceIDs: []string{"r1"},
		RuleIDs:   []string{"ntp"},
		StartedAt: now,
		Status:    datatypes.RunCompleted,
	}
	require.NoError(t, store.PutRun(ctx, run))
	require.NoError(t, store.PutFindings(ctx, []datatypes.Finding{{
		RunID:       run.ID,
		DeviceID:    "r1",
		RuleID:      "ntp",
		CheckName:   "server",
		Status:      datatypes.StatusNonCompliant,
		EvaluatedAt: now,
	}}))

	w := do(router, http.MethodGet, "/v1/audits/"+run.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		ID       string              `json:"id"`
		Status   datatypes.RunStatus `json:"status"`
		Findings []datatypes.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, datatypes.RunCompleted, got.Status)
	require.Len(t, got.Findings, 1)
	assert.Equal(t, datatypes.StatusNonCompliant, got.Findings[0].Status)

	w = do(router, http.MethodGet, "/v1/audits/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAuditRun_NoFindingsIsEmptyList(t *testing.T) {
	router, store, _ := newTestRouter(t, &fakeTrigger{})
	run := &datatypes.AuditRun{Status: datatypes.RunRunning, StartedAt: time.Now()}
	require.NoError(t, store.PutRun(context.Background(), run))

	w := do(router, http.MethodGet, "/v1/audits/"+run.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got handlers.RunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotNil(t, got.Findings)
	assert.Empty(t, got.Findings)
}

func TestGetDeviceHealth(t *testing.T) {
	router, store, _ := newTestRouter(t, &fakeTrigger{})
	require.NoError(t, store.PutHealth(context.Background(), &datatypes.HealthStatus{
		DeviceID:  "r1",
		Reachable: true,
		PortOpen:  false,
		CheckedAt: time.Now().UTC(),
	}))

	w := do(router, http.MethodGet, "/v1/devices/r1/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got datatypes.HealthStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Reachable)
	assert.False(t, got.PortOpen)

	w = do(router, http.MethodGet, "/v1/devices/r2/health", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
