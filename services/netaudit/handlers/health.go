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

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
)

// HealthCheck reports that the service is up.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetDeviceHealth returns the latest probe result for a device.
func GetDeviceHealth(store storage.HealthStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("deviceId")
		h, err := store.GetHealth(c.Request.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no health status recorded", "device_id": id})
			return
		}
		if err != nil {
			slog.Error("failed to load device health", "device_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load device health"})
			return
		}
		c.JSON(http.StatusOK, h)
	}
}
