// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides request, response and stream event types for
// the relay's HTTP and WebSocket surface.
package datatypes

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxPromptBytes is the maximum size of a single prompt.
	MaxPromptBytes = 32 * 1024 // 32KB

	// MaxSystemBytes is the maximum size of a per-request system override.
	MaxSystemBytes = 16 * 1024

	// GenericLLMError is the only upstream failure text shown to clients.
	GenericLLMError = "LLM error"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for relay datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)
}

// validateMaxBytes checks byte length (not rune count) against the
// parameter, or MaxPromptBytes when the tag has none.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit := MaxPromptBytes
	if p := fl.Param(); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			limit = n
		}
	}
	return len(fl.Field().String()) <= limit
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Relay Request Types
// =============================================================================

// RelayRequest is the body of every prompt-carrying endpoint and of each
// WebSocket frame.
//
// # Fields
//
//   - Prompt: Required, non-blank, at most 32KB.
//   - System: Optional per-request system instruction override, at most 16KB.
//   - Model: Optional upstream model override.
type RelayRequest struct {
	Prompt string `json:"prompt" validate:"required,notblank,maxbytes=32768"`
	System string `json:"system,omitempty" validate:"omitempty,maxbytes=16384"`
	Model  string `json:"model,omitempty" validate:"omitempty,max=128"`
}

// Validate validates the RelayRequest fields.
func (r *RelayRequest) Validate() error {
	return chatValidate.Struct(r)
}

// ConversationIDParam validates a path conversation id.
type ConversationIDParam struct {
	ID string `validate:"required,uuid"`
}

func (p ConversationIDParam) Validate() error {
	return chatValidate.Struct(p)
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the error body shape shared by every endpoint.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewErrorResponse builds a failure body.
func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Success: false, Message: message}
}

// AskResponse is the non-streaming relay result.
type AskResponse struct {
	Result         string `json:"result"`
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

// MaintenanceResponse reports how many conversations a task changed.
type MaintenanceResponse struct {
	Updated *int `json:"updated,omitempty"`
	Deleted *int `json:"deleted,omitempty"`
}
