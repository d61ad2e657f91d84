// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
)

var (
	tracer = otel.Tracer("netaudit.rules")
	meter  = otel.Meter("netaudit.rules")
)

var (
	evalLatency metric.Float64Histogram
	evalTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		evalLatency, err = meter.Float64Histogram(
			"rules_evaluate_duration_seconds",
			metric.WithDescription("Duration of check evaluations including the fetch"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evalTotal, err = meter.Int64Counter(
			"rules_evaluate_total",
			metric.WithDescription("Total check evaluations by finding status"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startEvaluateSpan(ctx context.Context, device *datatypes.Device, rule *datatypes.Rule, check datatypes.Check) (context.Context, trace.Span) {
	return tracer.Start(ctx, "rules.Evaluate",
		trace.WithAttributes(
			attribute.String("device.id", device.ID),
			attribute.String("device.protocol", string(device.VendorProtocol)),
			attribute.String("rule.id", rule.ID),
			attribute.Int("rule.version", rule.Version),
			attribute.String("check.name", check.Name),
			attribute.String("check.comparison", string(check.Comparison)),
		),
	)
}

func recordEvaluation(ctx context.Context, status datatypes.FindingStatus, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	evalLatency.Record(ctx, d.Seconds(), attrs)
	evalTotal.Add(ctx, 1, attrs)
}
