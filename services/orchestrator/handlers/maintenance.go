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
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// MaintenanceTasks is the on-demand maintenance surface.
type MaintenanceTasks interface {
	BackfillTitles(ctx context.Context) (int, error)
	CleanupEmpty(ctx context.Context, grace time.Duration) (int, error)
}

// HandleBackfillTitles handles POST /v1/maintenance/backfill-titles.
func HandleBackfillTitles(tasks MaintenanceTasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := tasks.BackfillTitles(c.Request.Context())
		if err != nil {
			slog.Error("Title backfill failed", "updated", n, "error", err)
			respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
			return
		}
		slog.Info("Title backfill completed", "updated", n)
		c.JSON(http.StatusOK, datatypes.MaintenanceResponse{Updated: &n})
	}
}

// HandleCleanupEmpty handles POST /v1/maintenance/cleanup-empty. It removes
// every conversation that has zero messages, regardless of age.
func HandleCleanupEmpty(tasks MaintenanceTasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := tasks.CleanupEmpty(c.Request.Context(), 0)
		if err != nil {
			slog.Error("Empty conversation cleanup failed", "deleted", n, "error", err)
			respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
			return
		}
		slog.Info("Empty conversation cleanup completed", "deleted", n)
		c.JSON(http.StatusOK, datatypes.MaintenanceResponse{Deleted: &n})
	}
}
