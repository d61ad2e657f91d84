// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/handlers"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

// Store is what the read endpoints query.
type Store interface {
	storage.RunStore
	storage.HealthStore
}

// NewRouter returns a gin engine with recovery and tracing middleware and
// every route registered.
func NewRouter(serviceName string, trig trigger.AuditTrigger, store Store, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	SetupRoutes(router, trig, store, gatherer)
	return router
}

// SetupRoutes registers the NetAudit API. A nil gatherer serves the default
// Prometheus registry.
func SetupRoutes(router *gin.Engine, trig trigger.AuditTrigger, store Store, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		audits := v1.Group("/audits")
		{
			audits.POST("", handlers.HandleTriggerAudit(trig))
			audits.GET("/:runId", handlers.GetAuditRun(store))
		}
		v1.GET("/devices/:deviceId/health", handlers.GetDeviceHealth(store))
	}
}
