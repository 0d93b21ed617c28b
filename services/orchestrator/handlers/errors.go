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
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const genericClientError = "An error occurred while processing your request"

// sanitizeErrorForClient returns a generic error message for clients.
//
// # Description
//
// Internal errors can carry hostnames, SQL or upstream bodies. The full
// error is logged by the caller; clients only get a generic message.
func sanitizeErrorForClient(err error) string {
	slog.Debug("Sanitizing error for client", "original_error", err)
	return genericClientError
}

// respondError writes the shared error body and aborts the chain.
func respondError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, datatypes.NewErrorResponse(message))
}

// validationMessage turns validator errors into a short client message.
// Field values are never echoed back.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request body"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "notblank":
			parts = append(parts, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "maxbytes":
			parts = append(parts, fmt.Sprintf("%s exceeds %s bytes", strings.ToLower(fe.Field()), fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", strings.ToLower(fe.Field()), fe.Param()))
		case "uuid":
			parts = append(parts, fmt.Sprintf("%s must be a UUID", strings.ToLower(fe.Field())))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", strings.ToLower(fe.Field())))
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}
