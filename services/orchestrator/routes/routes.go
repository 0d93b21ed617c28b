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
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the services the routes are wired to.
//
// # Fields
//
//   - Relay: Relay endpoints. Required.
//   - Store: Conversation store for the CRUD endpoints. Required.
//   - Maintenance: On-demand maintenance tasks. Optional; the maintenance
//     routes are not registered when nil.
//   - Gatherer: Metrics source for GET /metrics. Optional; no /metrics route
//     when nil.
type Dependencies struct {
	Relay       handlers.RelayHandler
	Store       conversation.ConversationStore
	Maintenance handlers.MaintenanceTasks
	Gatherer    prometheus.Gatherer
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// Original single-shot entry point: new conversation per call unless the
	// client names one in X-Conversation-Id.
	router.POST("/api/ask-model", deps.Relay.HandleAskModel)

	// API version 1 group
	v1 := router.Group("/v1")
	{
		conversations := v1.Group("/conversations")
		{
			conversations.POST("", handlers.CreateConversation(deps.Store))
			conversations.GET("", handlers.ListConversations(deps.Store))
			conversations.GET("/:id", handlers.GetConversation(deps.Store))
			conversations.DELETE("/:id", handlers.DeleteConversation(deps.Store))
			conversations.GET("/:id/messages", handlers.ListMessages(deps.Store))
			conversations.POST("/:id/stream", deps.Relay.HandleStream)
			conversations.POST("/:id/ask", deps.Relay.HandleAsk)
			conversations.GET("/:id/ws", deps.Relay.HandleWebSocket)
		}

		if deps.Maintenance != nil {
			maintenance := v1.Group("/maintenance")
			{
				maintenance.POST("/backfill-titles", handlers.HandleBackfillTitles(deps.Maintenance))
				maintenance.POST("/cleanup-empty", handlers.HandleCleanupEmpty(deps.Maintenance))
			}
		}
	}
}
