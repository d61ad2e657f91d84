// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/datatypes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
)

// RunResponse is an audit run with its findings.
type RunResponse struct {
	*datatypes.AuditRun
	Findings []datatypes.Finding `json:"findings"`
}

// HandleTriggerAudit accepts an audit request and queues it.
//
// # Description
//
// The body is a trigger.Request; an empty body audits every device against
// every rule. The response is 202 with the request ID. A full or closed
// queue answers 503 so callers (trigger.HTTPClient) retry.
func HandleTriggerAudit(trig trigger.AuditTrigger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req trigger.Request
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid audit request: " + err.Error()})
				return
			}
		}

		ack, err := trig.Trigger(c.Request.Context(), req)
		switch {
		case errors.Is(err, trigger.ErrBusy), errors.Is(err, trigger.ErrClosed):
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		case err != nil:
			slog.Error("failed to trigger audit", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger audit"})
			return
		}
		c.JSON(http.StatusAccepted, ack)
	}
}

// GetAuditRun returns a stored run and its findings.
func GetAuditRun(store storage.RunStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("runId")
		run, err := store.GetRun(c.Request.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit run not found", "run_id": id})
			return
		}
		if err != nil {
			slog.Error("failed to load audit run", "run_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit run"})
			return
		}
		findings, err := store.ListFindings(c.Request.Context(), id)
		if err != nil {
			slog.Error("failed to load findings", "run_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load findings"})
			return
		}
		if findings == nil {
			findings = []datatypes.Finding{}
		}
		c.JSON(http.StatusOK, RunResponse{AuditRun: run, Findings: findings})
	}
}
