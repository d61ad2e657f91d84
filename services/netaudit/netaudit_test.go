// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package netaudit

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/config"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.InMemory = true
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Telemetry.TraceExporter = "none"
	cfg.Scheduler.HealthInterval = 0
	cfg.Scheduler.DiscoveryInterval = 0
	cfg.Scheduler.AuditInterval = 0
	cfg.Scheduler.RetentionInterval = 0
	return cfg
}

func TestNew_WiresEveryComponent(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	assert.NotNil(t, svc.Store)
	assert.NotNil(t, svc.Vault)
	assert.NotNil(t, svc.Connectors)
	assert.NotNil(t, svc.Auditor)
	assert.NotNil(t, svc.Dispatcher)
	assert.NotNil(t, svc.Backups)
	assert.NotNil(t, svc.Remediation)
	assert.NotNil(t, svc.Scheduler)
	assert.NotNil(t, svc.Router)

	for _, p := range []datatypes.VendorProtocol{
		datatypes.ProtocolNetconfXML,
		datatypes.ProtocolModelDrivenCLI,
		datatypes.ProtocolSSHCLI,
	} {
		_, err := svc.Connectors.For(p)
		assert.NoError(t, err, string(p))
	}

	w := httptest.NewRecorder()
	svc.Router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_PersistentStoreNeedsMasterKey(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.Path = t.TempDir()
	cfg.Storage.GCInterval = 0

	_, err := New(context.Background(), cfg, quietLogger())
	assert.ErrorIs(t, err, ErrNoMasterKey)

	cfg.Vault.MasterKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	svc, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close(), "second close is a no-op")
}

func TestNew_BadMasterKey(t *testing.T) {
	cfg := testConfig()
	cfg.Vault.MasterKey = base64.StdEncoding.EncodeToString([]byte("short"))
	_, err := New(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestReconfigure_AppliesSchedulerAndReportsRestartSections(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	next := testConfig()
	next.Scheduler.MaxDevices = 42
	next.Server.Addr = "127.0.0.1:9999"
	svc.Reconfigure(next)

	assert.Equal(t, 42, svc.Scheduler.Config().MaxDevices)
	assert.Same(t, next, svc.Config())
	assert.Equal(t, []string{"server"}, restartSections(testConfig(), next))
}

func TestServe_ServesAPIUntilCancelled(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool { return svc.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + svc.Addr().String()

	resp, err := http.Post(base+"/v1/audits", "application/json", strings.NewReader(`{"device_ids":["nope"]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "netaudit_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:-1"
	svc, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer svc.Close()

	assert.Error(t, svc.Serve(context.Background()))
}
