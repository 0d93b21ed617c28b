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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/akili/services/llm"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/AleutianAI/akili/services/relay"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

// failingProvider never opens a stream.
type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Stream(_ context.Context, _ llm.GenerateRequest) (llm.FragmentStream, error) {
	return nil, &llm.UpstreamStatusError{Provider: "failing", StatusCode: 500, Body: "secret internal detail"}
}

func newTestStore(t *testing.T) *conversation.GormStore {
	t.Helper()
	db, err := conversation.OpenDB(conversation.DBConfig{
		Driver: conversation.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "handlers_test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conversation.NewGormStore(db)
}

// newRelayRouter wires the relay endpoints the way routes.SetupRoutes does.
func newRelayRouter(t *testing.T, provider llm.Provider) (*gin.Engine, *conversation.GormStore) {
	t.Helper()
	store := newTestStore(t)
	r := relay.New(provider, store, relay.StaticInstructions(""), nil, relay.DefaultConfig())
	h := NewRelayHandler(r, store)

	router := gin.New()
	router.POST("/api/ask-model", h.HandleAskModel)
	router.POST("/v1/conversations/:id/stream", h.HandleStream)
	router.POST("/v1/conversations/:id/ask", h.HandleAsk)
	router.GET("/v1/conversations/:id/ws", h.HandleWebSocket)
	return router, store
}

func cannedProvider(text string) *llm.CannedProvider {
	return &llm.CannedProvider{Response: text}
}

func postJSON(router http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createConversation(t *testing.T, store *conversation.GormStore) string {
	t.Helper()
	conv, err := store.CreateConversation(context.Background())
	require.NoError(t, err)
	return conv.ID
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewRelayHandler_PanicsOnNilDependencies(t *testing.T) {
	store := newTestStore(t)
	r := relay.New(cannedProvider("x"), store, nil, nil, relay.DefaultConfig())

	assert.Panics(t, func() { NewRelayHandler(nil, store) }, "should panic on nil relay")
	assert.Panics(t, func() { NewRelayHandler(r, nil) }, "should panic on nil store")
	assert.NotPanics(t, func() { NewRelayHandler(r, store) })
}

// =============================================================================
// HandleStream Tests
// =============================================================================

func TestHandleStream_TextStreamAndPersistence(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("Use flexbox with justify-content."))
	convID := createConversation(t, store)

	w := postJSON(router, "/v1/conversations/"+convID+"/stream", gin.H{"prompt": "How do I center a div?"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", w.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, convID, w.Header().Get("X-Conversation-Id"))
	assert.NotEmpty(t, w.Header().Get("X-Session-Id"))
	assert.Equal(t, "Use flexbox with justify-content.", w.Body.String())

	msgs, err := store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "How do I center a div?", msgs[0].Content)
	assert.Equal(t, "Use flexbox with justify-content.", msgs[1].Content)
	assert.Equal(t, conversation.StatusComplete, msgs[1].Status)

	conv, err := store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "How do I center a div?", conv.Title)
}

func TestHandleStream_SSEWhenRequested(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("one two"))
	convID := createConversation(t, store)

	w := postJSON(router, "/v1/conversations/"+convID+"/stream", gin.H{"prompt": "count"},
		map[string]string{"Accept": "text/event-stream"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var events []datatypes.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(w.Body.String()))
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			var ev datatypes.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(line), &ev))
			events = append(events, ev)
		}
	}
	require.Len(t, events, 3)
	assert.Equal(t, "one ", events[0].Content)
	assert.Equal(t, "two", events[1].Content)
	assert.Equal(t, datatypes.StreamEventDone, events[2].Type)
	assert.Equal(t, "complete", events[2].Status)
	assert.Equal(t, events[1].Hash, events[2].PrevHash)
}

func TestHandleStream_UpstreamFailureReturns502(t *testing.T) {
	router, store := newRelayRouter(t, failingProvider{})
	convID := createConversation(t, store)

	w := postJSON(router, "/v1/conversations/"+convID+"/stream", gin.H{"prompt": "hi"}, nil)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"LLM error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "secret internal detail")

	msgs, err := store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing is stored when the upstream never opened")
}

func TestHandleStream_Validation(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("x"))
	convID := createConversation(t, store)

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
	}{
		{"bad id", "/v1/conversations/not-a-uuid/stream", gin.H{"prompt": "hi"}, http.StatusBadRequest},
		{"unknown conversation", "/v1/conversations/" + uuid.NewString() + "/stream", gin.H{"prompt": "hi"}, http.StatusNotFound},
		{"missing prompt", "/v1/conversations/" + convID + "/stream", gin.H{}, http.StatusBadRequest},
		{"blank prompt", "/v1/conversations/" + convID + "/stream", gin.H{"prompt": "   "}, http.StatusBadRequest},
		{"oversized prompt", "/v1/conversations/" + convID + "/stream",
			gin.H{"prompt": strings.Repeat("a", datatypes.MaxPromptBytes+1)}, http.StatusBadRequest},
		{"not json", "/v1/conversations/" + convID + "/stream", "just text", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(router, tt.path, tt.body, nil)
			assert.Equal(t, tt.wantStatus, w.Code)

			var body datatypes.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Message)
		})
	}
}

// =============================================================================
// HandleAskModel / HandleAsk Tests
// =============================================================================

func TestHandleAskModel_CreatesConversation(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("Sure thing."))

	w := postJSON(router, "/api/ask-model", gin.H{"prompt": "Build me a navbar"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Sure thing.", w.Body.String())
	convID := w.Header().Get("X-Conversation-Id")
	require.NoError(t, uuid.Validate(convID))

	conv, err := store.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, "Build me a navbar", conv.Title)
}

func TestHandleAskModel_ReusesNamedConversation(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("ok"))
	convID := uuid.NewString()

	for i := 0; i < 2; i++ {
		w := postJSON(router, "/api/ask-model", gin.H{"prompt": "turn"}, map[string]string{"X-Conversation-Id": convID})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, convID, w.Header().Get("X-Conversation-Id"))
	}

	n, err := store.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestHandleAskModel_InvalidHeaderID(t *testing.T) {
	router, _ := newRelayRouter(t, cannedProvider("ok"))
	w := postJSON(router, "/api/ask-model", gin.H{"prompt": "hi"}, map[string]string{"X-Conversation-Id": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAsk_ReturnsWholeAnswer(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("The answer is 42."))
	convID := createConversation(t, store)

	w := postJSON(router, "/v1/conversations/"+convID+"/ask", gin.H{"prompt": "What is the answer?"}, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "The answer is 42.", resp.Result)
	assert.Equal(t, "complete", resp.Status)
	assert.Equal(t, convID, resp.ConversationID)
	assert.NotEmpty(t, resp.SessionID)
}

func TestHandleAsk_UpstreamFailure(t *testing.T) {
	router, store := newRelayRouter(t, failingProvider{})
	convID := createConversation(t, store)

	w := postJSON(router, "/v1/conversations/"+convID+"/ask", gin.H{"prompt": "hi"}, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"LLM error"}`, w.Body.String())
}

// =============================================================================
// HandleWebSocket Tests
// =============================================================================

func TestHandleWebSocket_SessionsPerFrame(t *testing.T) {
	router, store := newRelayRouter(t, cannedProvider("hi there"))
	convID := createConversation(t, store)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/conversations/" + convID + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	readUntilTerminal := func() []datatypes.StreamEvent {
		var events []datatypes.StreamEvent
		for {
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
			var ev datatypes.StreamEvent
			require.NoError(t, ws.ReadJSON(&ev))
			events = append(events, ev)
			if ev.Type != datatypes.StreamEventToken {
				return events
			}
		}
	}

	// Invalid frame gets an error and the connection stays usable.
	require.NoError(t, ws.WriteJSON(gin.H{"prompt": ""}))
	events := readUntilTerminal()
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.StreamEventError, events[0].Type)

	for i := 0; i < 2; i++ {
		require.NoError(t, ws.WriteJSON(gin.H{"prompt": "hello"}))
		events = readUntilTerminal()
		require.Len(t, events, 3)
		assert.Equal(t, "hi ", events[0].Content)
		assert.Equal(t, "there", events[1].Content)
		assert.Equal(t, datatypes.StreamEventDone, events[2].Type)
		assert.Empty(t, events[0].PrevHash, "each session starts a new chain")
	}

	n, err := store.CountMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestHandleWebSocket_UnknownConversation(t *testing.T) {
	router, _ := newRelayRouter(t, cannedProvider("x"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/"+uuid.NewString()+"/ws", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Error Helper Tests
// =============================================================================

func TestSanitizeErrorForClient(t *testing.T) {
	msg := sanitizeErrorForClient(errors.New("dial tcp 10.1.2.3:5432: connection refused"))
	assert.Equal(t, genericClientError, msg)
	assert.NotContains(t, msg, "10.1.2.3")
}

func TestValidationMessage(t *testing.T) {
	req := datatypes.RelayRequest{}
	msg := validationMessage(req.Validate())
	assert.Equal(t, "invalid request: prompt is required", msg)
	assert.Equal(t, "invalid request body", validationMessage(errors.New("other")))
}
