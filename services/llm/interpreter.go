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
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const malformedPreviewRunes = 120

// ndjsonLine is the union of the /api/generate and /api/chat line shapes.
type ndjsonLine struct {
	Response *string `json:"response"`
	Message  *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

// InterpretLine maps one complete NDJSON line to zero or more events.
//
// # Description
//
// A line with a non-empty "error" field yields a single EventUpstreamError.
// Otherwise non-empty "response" (or "message.content") text yields an
// EventFragment, and "done": true yields an EventCompletion after it.
// Lines that parse but carry neither produce no events. Blank lines are
// skipped; anything that is not a JSON object yields EventMalformed with a
// short preview of the line.
func InterpretLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	var parsed ndjsonLine
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return []Event{{Kind: EventMalformed, Text: preview(trimmed)}}
	}

	if parsed.Error != "" {
		return []Event{{Kind: EventUpstreamError, Text: parsed.Error}}
	}

	var events []Event
	text := ""
	if parsed.Response != nil {
		text = *parsed.Response
	} else if parsed.Message != nil {
		text = parsed.Message.Content
	}
	if text != "" {
		events = append(events, Event{Kind: EventFragment, Text: text})
	}
	if parsed.Done {
		events = append(events, Event{Kind: EventCompletion, DoneReason: parsed.DoneReason})
	}
	return events
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= malformedPreviewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:malformedPreviewRunes]) + "..."
}
