// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// StreamEventType names an SSE event or WebSocket frame.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventDone  StreamEventType = "done"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event on the SSE and WebSocket surfaces.
//
// # Description
//
// Events of one session form a hash chain: each carries the previous
// event's Hash in PrevHash, so a client can detect dropped or reordered
// events. The first event of a session has an empty PrevHash.
//
// # Fields
//
//   - Type: token, done or error.
//   - Content: Fragment text (token events).
//   - Status: complete, partial or truncated (done events).
//   - Error: Sanitized failure text (error events).
type StreamEvent struct {
	ID             string          `json:"id"`
	Type           StreamEventType `json:"type"`
	CreatedAt      int64           `json:"created_at"`
	SessionID      string          `json:"session_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Content        string          `json:"content,omitempty"`
	Status         string          `json:"status,omitempty"`
	Error          string          `json:"error,omitempty"`
	PrevHash       string          `json:"prev_hash,omitempty"`
	Hash           string          `json:"hash"`
}
