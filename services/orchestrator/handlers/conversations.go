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
	"strconv"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/gin-gonic/gin"
)

// maxListLimit caps GET /v1/conversations?limit=.
const maxListLimit = 1000

// CreateConversation handles POST /v1/conversations.
func CreateConversation(store conversation.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, err := store.CreateConversation(c.Request.Context())
		if err != nil {
			slog.Error("Failed to create conversation", "error", err)
			respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
			return
		}
		c.Header("X-Conversation-Id", conv.ID)
		c.JSON(http.StatusCreated, conv)
	}
}

// ListConversations handles GET /v1/conversations, newest first. An
// optional ?limit= caps the result.
func ListConversations(store conversation.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				respondError(c, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = min(n, maxListLimit)
		}

		convs, err := store.ListConversations(c.Request.Context(), limit)
		if err != nil {
			slog.Error("Failed to list conversations", "error", err)
			respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
			return
		}
		if convs == nil {
			convs = []conversation.Conversation{}
		}
		c.JSON(http.StatusOK, gin.H{"conversations": convs})
	}
}

// GetConversation handles GET /v1/conversations/:id.
func GetConversation(store conversation.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationIDParam(c)
		if !ok {
			return
		}
		conv, err := store.GetConversation(c.Request.Context(), id)
		if err != nil {
			respondStoreError(c, id, "Failed to get conversation", err)
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// ListMessages handles GET /v1/conversations/:id/messages, oldest first.
func ListMessages(store conversation.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationIDParam(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if _, err := store.GetConversation(ctx, id); err != nil {
			respondStoreError(c, id, "Failed to get conversation", err)
			return
		}
		msgs, err := store.ListMessages(ctx, id)
		if err != nil {
			respondStoreError(c, id, "Failed to list messages", err)
			return
		}
		if msgs == nil {
			msgs = []conversation.Message{}
		}
		c.JSON(http.StatusOK, gin.H{"conversation_id": id, "messages": msgs})
	}
}

// DeleteConversation handles DELETE /v1/conversations/:id.
func DeleteConversation(store conversation.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := conversationIDParam(c)
		if !ok {
			return
		}
		if err := store.DeleteConversation(c.Request.Context(), id); err != nil {
			respondStoreError(c, id, "Failed to delete conversation", err)
			return
		}
		slog.Info("Deleted conversation", "conversation_id", id)
		c.Status(http.StatusNoContent)
	}
}

func respondStoreError(c *gin.Context, id, logMsg string, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		respondError(c, http.StatusNotFound, "conversation not found")
		return
	}
	slog.Error(logMsg, "conversation_id", id, "error", err)
	respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
}
