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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/AleutianAI/akili/services/orchestrator/observability"
	"github.com/AleutianAI/akili/services/relay"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var handlerTracer = otel.Tracer("akili.orchestrator.handlers")

// maxRelayBodyBytes bounds the JSON body of prompt-carrying requests.
const maxRelayBodyBytes = datatypes.MaxPromptBytes + datatypes.MaxSystemBytes + 4096

// wsReadLimit bounds a single inbound WebSocket frame.
const wsReadLimit = maxRelayBodyBytes

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// =============================================================================
// Interface Definition
// =============================================================================

// RelayHandler serves the relay endpoints.
type RelayHandler interface {
	// HandleStream streams one turn of an existing conversation.
	//
	// # Description
	//
	// Handles POST /v1/conversations/:id/stream. The response is a chunked
	// text/plain stream of raw fragments, or Server-Sent Events when the
	// client sends "Accept: text/event-stream". An upstream that fails to
	// open yields 502 {"success":false,"message":"LLM error"} and no stream.
	HandleStream(c *gin.Context)

	// HandleAskModel streams one turn of a new conversation.
	//
	// # Description
	//
	// Handles POST /api/ask-model. A conversation is created unless the
	// request carries an X-Conversation-Id header, in which case that
	// conversation is used (and created if missing). The id is returned in
	// the X-Conversation-Id response header.
	HandleAskModel(c *gin.Context)

	// HandleAsk relays one turn and returns the whole answer as JSON.
	//
	// # Description
	//
	// Handles POST /v1/conversations/:id/ask. Responds
	// {"result","status","conversation_id","session_id"}; status is
	// complete, partial or truncated.
	HandleAsk(c *gin.Context)

	// HandleWebSocket relays turns over a WebSocket.
	//
	// # Description
	//
	// Handles GET /v1/conversations/:id/ws. Each inbound {"prompt"} frame
	// starts one session; sessions on a connection run one after another.
	HandleWebSocket(c *gin.Context)
}

// =============================================================================
// Struct Definition
// =============================================================================

type relayHandler struct {
	relay *relay.Relay
	store conversation.ConversationStore
}

// NewRelayHandler builds the relay endpoints. Panics if either dependency
// is nil.
func NewRelayHandler(r *relay.Relay, store conversation.ConversationStore) RelayHandler {
	if r == nil {
		panic("NewRelayHandler: relay must not be nil")
	}
	if store == nil {
		panic("NewRelayHandler: store must not be nil")
	}
	return &relayHandler{relay: r, store: store}
}

// =============================================================================
// Handlers
// =============================================================================

func (h *relayHandler) HandleStream(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "HandleStream")
	defer span.End()

	convID, ok := h.existingConversation(ctx, c)
	if !ok {
		return
	}
	req, ok := bindRelayRequest(c)
	if !ok {
		return
	}

	var sink relay.Sink
	endpoint := observability.EndpointStream
	if wantsEventStream(c.Request) {
		sink = relay.NewSSESink(c.Writer)
		endpoint = observability.EndpointSSE
	} else {
		sink = relay.NewTextSink(c.Writer)
	}

	res := h.relay.Run(ctx, relay.Request{
		ConversationID: convID,
		Prompt:         req.Prompt,
		System:         req.System,
		Model:          req.Model,
		Endpoint:       endpoint,
	}, sink)
	recordOutcome(span, res)
}

func (h *relayHandler) HandleAskModel(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "HandleAskModel")
	defer span.End()

	req, ok := bindRelayRequest(c)
	if !ok {
		return
	}

	conv, err := h.resolveAskModelConversation(ctx, c.GetHeader("X-Conversation-Id"))
	if err != nil {
		if errors.Is(err, errBadConversationID) {
			respondError(c, http.StatusBadRequest, "invalid request: X-Conversation-Id must be a UUID")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to prepare conversation for ask-model", "error", err)
		respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
		return
	}
	c.Header("X-Conversation-Id", conv.ID)

	res := h.relay.Run(ctx, relay.Request{
		ConversationID: conv.ID,
		Prompt:         req.Prompt,
		System:         req.System,
		Model:          req.Model,
		Endpoint:       observability.EndpointAskModel,
	}, relay.NewTextSink(c.Writer))
	recordOutcome(span, res)
}

func (h *relayHandler) HandleAsk(c *gin.Context) {
	ctx, span := handlerTracer.Start(c.Request.Context(), "HandleAsk")
	defer span.End()

	convID, ok := h.existingConversation(ctx, c)
	if !ok {
		return
	}
	req, ok := bindRelayRequest(c)
	if !ok {
		return
	}

	sink := relay.NewBufferSink()
	res := h.relay.Run(ctx, relay.Request{
		ConversationID: convID,
		Prompt:         req.Prompt,
		System:         req.System,
		Model:          req.Model,
		Endpoint:       observability.EndpointAsk,
	}, sink)
	recordOutcome(span, res)

	if sink.OpenErr() != nil {
		respondError(c, http.StatusBadGateway, datatypes.GenericLLMError)
		return
	}
	c.JSON(http.StatusOK, datatypes.AskResponse{
		Result:         sink.Text(),
		Status:         string(res.Status),
		ConversationID: convID,
		SessionID:      res.SessionID,
	})
}

func (h *relayHandler) HandleWebSocket(c *gin.Context) {
	ctx := c.Request.Context()
	convID, ok := h.existingConversation(ctx, c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(wsReadLimit)

	var writeMu sync.Mutex
	slog.Info("WebSocket client connected", "conversation_id", convID)

	for {
		var req datatypes.RelayRequest
		if err := ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("WebSocket client disconnected", "conversation_id", convID, "error", err)
			}
			return
		}

		if err := req.Validate(); err != nil {
			if werr := sendWSError(ws, &writeMu, validationMessage(err)); werr != nil {
				return
			}
			continue
		}

		sink := relay.NewWebSocketSink(ws, &writeMu)
		res := h.relay.Run(ctx, relay.Request{
			ConversationID: convID,
			Prompt:         req.Prompt,
			System:         req.System,
			Model:          req.Model,
			Endpoint:       observability.EndpointWebSocket,
		}, sink)
		if res.ClientGone {
			return
		}
	}
}

// =============================================================================
// Helpers
// =============================================================================

var errBadConversationID = errors.New("bad conversation id")

func (h *relayHandler) resolveAskModelConversation(ctx context.Context, header string) (*conversation.Conversation, error) {
	if header == "" {
		return h.store.CreateConversation(ctx)
	}
	if err := (datatypes.ConversationIDParam{ID: header}).Validate(); err != nil {
		return nil, errBadConversationID
	}
	return h.store.EnsureConversation(ctx, header)
}

// existingConversation validates the :id path parameter and checks that
// the conversation exists, writing 400/404/500 otherwise.
func (h *relayHandler) existingConversation(ctx context.Context, c *gin.Context) (string, bool) {
	id, ok := conversationIDParam(c)
	if !ok {
		return "", false
	}
	if _, err := h.store.GetConversation(ctx, id); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			respondError(c, http.StatusNotFound, "conversation not found")
			return "", false
		}
		slog.Error("Failed to load conversation", "conversation_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, sanitizeErrorForClient(err))
		return "", false
	}
	return id, true
}

func conversationIDParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := (datatypes.ConversationIDParam{ID: id}).Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "invalid conversation id")
		return "", false
	}
	return id, true
}

func bindRelayRequest(c *gin.Context) (datatypes.RelayRequest, bool) {
	var req datatypes.RelayRequest
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRelayBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		respondError(c, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if err := req.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, validationMessage(err))
		return req, false
	}
	return req, true
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func sendWSError(ws *websocket.Conn, mu *sync.Mutex, message string) error {
	mu.Lock()
	defer mu.Unlock()
	err := ws.WriteJSON(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: message})
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

func recordOutcome(span trace.Span, res *relay.Result) {
	span.SetAttributes(
		attribute.String("session.id", res.SessionID),
		attribute.String("relay.state", res.State.String()),
		attribute.String("relay.status", string(res.Status)),
	)
	if res.UpstreamErr != nil {
		span.RecordError(res.UpstreamErr)
	}
	if res.PersistErr != nil {
		span.RecordError(res.PersistErr)
	}
}
