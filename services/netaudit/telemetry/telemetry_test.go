// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		traces  string
		metrics string
		wantErr bool
	}{
		{"all off", "none", "none", false},
		{"stdout traces", "stdout", "none", false},
		{"prometheus metrics", "none", "prometheus", false},
		{"stdout metrics", "none", "stdout", false},
		{"unknown trace exporter", "zipkin", "none", true},
		{"unknown metric exporter", "none", "graphite", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TraceExporter = tt.traces
			cfg.MetricExporter = tt.metrics

			shutdown, err := Init(context.Background(), cfg, prometheus.NewRegistry())
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownExporter)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestInit_PrometheusSharesRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	reg := prometheus.NewRegistry()

	shutdown, err := Init(context.Background(), cfg, reg)
	require.NoError(t, err)
	defer shutdown(context.Background())

	counter, err := otel.Meter("netaudit.test").Int64Counter("netaudit_test_events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "netaudit_test_events_total")
}
