// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockOllamaServer creates a test server that writes the given pieces to
// /api/generate, flushing after each one so the client sees separate reads.
//
// # Inputs
//
//   - t: Test handle; the server is closed on cleanup.
//   - status: HTTP status to answer with.
//   - pieces: Raw body pieces, not necessarily line aligned.
//
// # Outputs
//
//   - *httptest.Server: Running server.
//   - <-chan ollamaGenerateRequest: Receives each decoded request body.
func newMockOllamaServer(t *testing.T, status int, pieces ...string) (*httptest.Server, <-chan ollamaGenerateRequest) {
	t.Helper()
	reqs := make(chan ollamaGenerateRequest, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var got ollamaGenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&got)
		reqs <- got
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, p := range pieces {
			_, _ = io.WriteString(w, p)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(server.Close)
	return server, reqs
}

func newTestOllamaClient(t *testing.T, baseURL string) *OllamaClient {
	t.Helper()
	client, err := NewOllamaClient(Config{BaseURL: baseURL, Model: "test-model"})
	require.NoError(t, err)
	return client
}

// drain reads a stream to its end and returns the fragments joined, the
// number of completions seen and the terminating error (nil on io.EOF).
func drain(t *testing.T, stream FragmentStream) (string, int, []Event, error) {
	t.Helper()
	var sb strings.Builder
	var others []Event
	completions := 0
	for i := 0; i < 10000; i++ {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), completions, others, nil
		}
		if err != nil {
			return sb.String(), completions, others, err
		}
		switch ev.Kind {
		case EventFragment:
			sb.WriteString(ev.Text)
		case EventCompletion:
			completions++
		default:
			others = append(others, ev)
		}
	}
	t.Fatal("stream never terminated")
	return "", 0, nil, nil
}

// =============================================================================
// OllamaClient.Stream Tests
// =============================================================================

func TestOllamaStream_ReassemblesSplitReads(t *testing.T) {
	t.Parallel()

	server, reqs := newMockOllamaServer(t, http.StatusOK,
		`{"response":"Hel`,
		"lo\"}\n{\"resp",
		"onse\":\"\",\"done\":true}\n",
	)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "hi", System: "be brief"})
	require.NoError(t, err)
	defer stream.Close()

	text, completions, others, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, 1, completions)
	assert.Empty(t, others)

	req := <-reqs
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, "hi", req.Prompt)
	assert.Equal(t, "be brief", req.System)
	assert.True(t, req.Stream)
}

func TestOllamaStream_MultiByteAcrossReads(t *testing.T) {
	t.Parallel()

	line := "{\"response\":\"café ✓\"}\n"
	cut := strings.Index(line, "✓") + 1 // inside the 3-byte sequence
	server, _ := newMockOllamaServer(t, http.StatusOK, line[:cut], line[cut:], "{\"done\":true}\n")
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, _, _, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "café ✓", text)
}

func TestOllamaStream_NonSuccessStatus(t *testing.T) {
	t.Parallel()

	server, _ := newMockOllamaServer(t, http.StatusInternalServerError, `{"error":"boom"}`)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Nil(t, stream)

	var statusErr *UpstreamStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "boom")
	assert.Equal(t, "ollama", statusErr.Provider)
}

func TestOllamaStream_MalformedLinesSkipped(t *testing.T) {
	t.Parallel()

	server, _ := newMockOllamaServer(t, http.StatusOK,
		"{\"response\":\"a\"}\nnot json\n\n{\"response\":\"b\"}\n{\"done\":true}\n",
	)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, completions, others, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 1, completions)
	assert.Empty(t, others, "malformed lines never leave the stream")

	counter, ok := stream.(MalformedCounter)
	require.True(t, ok)
	assert.Equal(t, 1, counter.Malformed())
}

func TestOllamaStream_EndsWithoutCompletion(t *testing.T) {
	t.Parallel()

	server, _ := newMockOllamaServer(t, http.StatusOK,
		"{\"response\":\"Partial\"}\n{\"response\":\" ans\"}\n{\"response\":\"wer",
	)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, completions, _, err := drain(t, stream)
	assert.ErrorIs(t, err, ErrStreamEnded)
	assert.Equal(t, "Partial ans", text, "unterminated trailing line is discarded")
	assert.Zero(t, completions)
}

func TestOllamaStream_InStreamError(t *testing.T) {
	t.Parallel()

	server, _ := newMockOllamaServer(t, http.StatusOK,
		"{\"response\":\"so far\"}\n{\"error\":\"out of memory\"}\n",
	)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, _, others, _ := drain(t, stream)
	assert.Equal(t, "so far", text)
	require.Len(t, others, 1)
	assert.Equal(t, EventUpstreamError, others[0].Kind)
	assert.Equal(t, "out of memory", others[0].Text)
}

func TestOllamaStream_NothingAfterCompletion(t *testing.T) {
	t.Parallel()

	server, _ := newMockOllamaServer(t, http.StatusOK,
		"{\"response\":\"a\",\"done\":true}\n{\"response\":\"ignored\"}\n",
	)
	client := newTestOllamaClient(t, server.URL)

	stream, err := client.Stream(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, completions, _, err := drain(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "a", text)
	assert.Equal(t, 1, completions)

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOllamaStream_ContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "{\"response\":\"slow\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestOllamaClient(t, server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	stream, err := client.Stream(ctx, GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	defer stream.Close()

	text, _, _, err := drain(t, stream)
	assert.Equal(t, "slow", text)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOllamaStream_RequestOptionsOverride(t *testing.T) {
	t.Parallel()

	server, reqs := newMockOllamaServer(t, http.StatusOK, "{\"done\":true}\n")
	temp := float32(0.7)
	topK := 20
	client, err := NewOllamaClient(Config{BaseURL: server.URL, Model: "m", Options: Options{TopK: &topK}})
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), GenerateRequest{
		Model:   "other",
		Prompt:  "x",
		Options: &Options{Temperature: &temp},
	})
	require.NoError(t, err)
	_, _, _, err = drain(t, stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close(), "close is idempotent")

	req := <-reqs
	assert.Equal(t, "other", req.Model)
	assert.InDelta(t, 0.7, req.Options["temperature"], 0.001)
	assert.EqualValues(t, 20, req.Options["top_k"])
}

func TestNewOllamaClient_RejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := NewOllamaClient(Config{BaseURL: "ftp://example"})
	assert.Error(t, err)
}
