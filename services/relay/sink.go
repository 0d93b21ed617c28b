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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/google/uuid"
)

// SessionInfo identifies a session to its sink.
type SessionInfo struct {
	SessionID      string
	ConversationID string
}

// Sink is the client side of a relay session.
//
// # Description
//
// Exactly one of two sequences happens per session:
//
//	Fail                              (upstream open failed, nothing sent)
//	Begin, WriteFragment*, End        (stream started)
//
// A Begin or WriteFragment error, or cancellation of the request context,
// marks the client as gone. After that the session makes no further calls
// on the sink, End included.
type Sink interface {
	Begin(info SessionInfo) error
	WriteFragment(text string) error
	End(res *Result) error
	Fail(err error)
}

// =============================================================================
// Chunked Text Sink
// =============================================================================

// TextSink streams raw fragment text as a chunked text/plain response.
type TextSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewTextSink(w http.ResponseWriter) *TextSink {
	flusher, _ := w.(http.Flusher)
	return &TextSink{w: w, flusher: flusher}
}

func (s *TextSink) Begin(info SessionInfo) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Session-Id", info.SessionID)
	h.Set("X-Conversation-Id", info.ConversationID)
	s.w.WriteHeader(http.StatusOK)
	s.flush()
	return nil
}

func (s *TextSink) WriteFragment(text string) error {
	if _, err := io.WriteString(s.w, text); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	s.flush()
	return nil
}

// End flushes what is left. Closing the response signals end of stream for
// both completed and aborted sessions.
func (s *TextSink) End(_ *Result) error {
	s.flush()
	return nil
}

func (s *TextSink) Fail(_ error) {
	writeOpenFailure(s.w)
}

func (s *TextSink) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// writeOpenFailure writes the single error indication for a session whose
// upstream never started streaming.
func writeOpenFailure(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(datatypes.NewErrorResponse(datatypes.GenericLLMError))
}

// =============================================================================
// SSE Sink
// =============================================================================

// EventChain stamps StreamEvents with ids, timestamps and a hash chain.
type EventChain struct {
	mu       sync.Mutex
	prevHash string
	info     SessionInfo
}

// Stamp fills the event's id, timestamp, session ids and hashes.
func (c *EventChain) Stamp(ev datatypes.StreamEvent) datatypes.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now().UnixMilli()
	ev.SessionID = c.info.SessionID
	ev.ConversationID = c.info.ConversationID
	ev.PrevHash = c.prevHash
	ev.Hash = computeEventHash(ev)
	c.prevHash = ev.Hash
	return ev
}

func (c *EventChain) reset(info SessionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
	c.prevHash = ""
}

func computeEventHash(ev datatypes.StreamEvent) string {
	input := strings.Join([]string{
		ev.ID,
		string(ev.Type),
		fmt.Sprint(ev.CreatedAt),
		ev.PrevHash,
		ev.Content,
		ev.Status,
		ev.Error,
		ev.SessionID,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// SSESink streams token/done/error events as Server-Sent Events.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	chain   EventChain
}

func NewSSESink(w http.ResponseWriter) *SSESink {
	flusher, _ := w.(http.Flusher)
	return &SSESink{w: w, flusher: flusher}
}

// SetSSEHeaders sets the headers every SSE response needs.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func (s *SSESink) Begin(info SessionInfo) error {
	s.chain.reset(info)
	SetSSEHeaders(s.w)
	s.w.Header().Set("X-Session-Id", info.SessionID)
	s.w.Header().Set("X-Conversation-Id", info.ConversationID)
	s.w.WriteHeader(http.StatusOK)
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *SSESink) WriteFragment(text string) error {
	return s.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: text})
}

// End sends "done" for completed sessions and "error" for aborted ones.
func (s *SSESink) End(res *Result) error {
	if res.State == StateAborted {
		return s.writeEvent(datatypes.StreamEvent{
			Type:   datatypes.StreamEventError,
			Error:  "stream interrupted",
			Status: string(res.Status),
		})
	}
	return s.writeEvent(datatypes.StreamEvent{Type: datatypes.StreamEventDone, Status: string(res.Status)})
}

func (s *SSESink) Fail(_ error) {
	writeOpenFailure(s.w)
}

func (s *SSESink) writeEvent(ev datatypes.StreamEvent) error {
	ev = s.chain.Stamp(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// =============================================================================
// Buffering Sink
// =============================================================================

// BufferSink collects the stream in memory for non-streaming callers.
type BufferSink struct {
	mu      sync.Mutex
	sb      strings.Builder
	info    SessionInfo
	began   bool
	result  *Result
	openErr error
}

func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

func (s *BufferSink) Begin(info SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.began = true
	return nil
}

func (s *BufferSink) WriteFragment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sb.WriteString(text)
	return nil
}

func (s *BufferSink) End(res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
	return nil
}

func (s *BufferSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Text returns everything forwarded to the client, which can be longer than
// the persisted content when the response was truncated.
func (s *BufferSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}

// OpenErr returns the upstream open failure, if any.
func (s *BufferSink) OpenErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openErr
}

// Began reports whether the stream started.
func (s *BufferSink) Began() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.began
}
