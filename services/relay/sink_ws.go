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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/akili/services/orchestrator/datatypes"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WebSocketSink streams one session as JSON frames on a shared connection.
// A connection carries many sessions in sequence; a fresh sink is made for
// each.
type WebSocketSink struct {
	conn  *websocket.Conn
	mu    *sync.Mutex
	chain EventChain
}

// NewWebSocketSink wraps conn. writeMu serializes writes with any other
// writer on the same connection (pings, other frames).
func NewWebSocketSink(conn *websocket.Conn, writeMu *sync.Mutex) *WebSocketSink {
	return &WebSocketSink{conn: conn, mu: writeMu}
}

func (s *WebSocketSink) Begin(info SessionInfo) error {
	s.chain.reset(info)
	return nil
}

func (s *WebSocketSink) WriteFragment(text string) error {
	return s.send(datatypes.StreamEvent{Type: datatypes.StreamEventToken, Content: text})
}

func (s *WebSocketSink) End(res *Result) error {
	if res.State == StateAborted {
		return s.send(datatypes.StreamEvent{
			Type:   datatypes.StreamEventError,
			Error:  "stream interrupted",
			Status: string(res.Status),
		})
	}
	return s.send(datatypes.StreamEvent{Type: datatypes.StreamEventDone, Status: string(res.Status)})
}

func (s *WebSocketSink) Fail(_ error) {
	if err := s.send(datatypes.StreamEvent{Type: datatypes.StreamEventError, Error: datatypes.GenericLLMError}); err != nil {
		slog.Warn("Failed to send WebSocket error frame", "error", err)
	}
}

func (s *WebSocketSink) send(ev datatypes.StreamEvent) error {
	ev = s.chain.Stamp(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}
