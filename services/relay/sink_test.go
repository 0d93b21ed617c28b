// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfo = SessionInfo{SessionID: "sess-1", ConversationID: "conv-1"}

// parseSSE splits an SSE body into its data payloads.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestTextSink_HeadersAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewTextSink(rec)

	require.NoError(t, sink.Begin(testInfo))
	require.NoError(t, sink.WriteFragment("Hel"))
	require.NoError(t, sink.WriteFragment("lo"))
	require.NoError(t, sink.End(&Result{State: StateClosed, Status: conversation.StatusComplete}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Equal(t, "sess-1", rec.Header().Get("X-Session-Id"))
	assert.Equal(t, "conv-1", rec.Header().Get("X-Conversation-Id"))
	assert.Equal(t, "Hello", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestTextSink_FailWritesGenericError(t *testing.T) {
	rec := httptest.NewRecorder()
	NewTextSink(rec).Fail(errors.New("connection refused to 10.0.0.5:11434"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")

	var body datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, datatypes.GenericLLMError, body.Message)
}

func TestSSESink_EventsFormHashChain(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	require.NoError(t, sink.Begin(testInfo))
	require.NoError(t, sink.WriteFragment("Hel"))
	require.NoError(t, sink.WriteFragment("lo"))
	require.NoError(t, sink.End(&Result{State: StateClosed, Status: conversation.StatusComplete}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: token\n")

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, datatypes.StreamEventToken, events[0].Type)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)
	assert.Equal(t, datatypes.StreamEventDone, events[2].Type)
	assert.Equal(t, "complete", events[2].Status)

	assert.Empty(t, events[0].PrevHash)
	for i, ev := range events {
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, computeEventHash(ev), ev.Hash, "event %d hash", i)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, ev.PrevHash, "event %d chain", i)
		}
	}
}

func TestSSESink_AbortedEndsWithError(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	require.NoError(t, sink.Begin(testInfo))
	require.NoError(t, sink.WriteFragment("Partial"))
	require.NoError(t, sink.End(&Result{State: StateAborted, Status: conversation.StatusPartial}))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.StreamEventError, events[1].Type)
	assert.Equal(t, "partial", events[1].Status)
	assert.Equal(t, "stream interrupted", events[1].Error)
}

func TestBufferSink(t *testing.T) {
	sink := NewBufferSink()
	assert.False(t, sink.Began())

	require.NoError(t, sink.Begin(testInfo))
	require.NoError(t, sink.WriteFragment("a"))
	require.NoError(t, sink.WriteFragment("b"))
	assert.True(t, sink.Began())
	assert.Equal(t, "ab", sink.Text())
	assert.NoError(t, sink.OpenErr())

	failed := NewBufferSink()
	failed.Fail(errors.New("boom"))
	assert.EqualError(t, failed.OpenErr(), "boom")
	assert.False(t, failed.Began())
}
