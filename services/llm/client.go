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
	"errors"
	"fmt"
	"time"
)

// ErrStreamEnded is returned by FragmentStream.Next when the upstream closed
// the connection before sending a completion signal.
var ErrStreamEnded = errors.New("upstream stream ended before completion")

// Options carries generation knobs forwarded to the upstream model.
// Nil fields are left to the provider's defaults.
type Options struct {
	Temperature *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty" yaml:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Config is the process-wide upstream configuration record injected into a
// provider constructor.
type Config struct {
	// Backend selects the provider: "ollama" (default), "openai" or "canned".
	Backend string
	// BaseURL is the upstream endpoint root, e.g. http://localhost:11434.
	BaseURL string
	// Model is used when a request does not name one.
	Model string
	// APIKey is only used by the openai backend.
	APIKey string
	// HeaderTimeout bounds the wait for upstream response headers.
	// The body is bounded by the caller's context instead.
	HeaderTimeout time.Duration
	Options       Options
}

// GenerateRequest is one upstream generation call.
type GenerateRequest struct {
	Model   string
	Prompt  string
	System  string
	Options *Options
}

// EventKind classifies an interpreted upstream event.
type EventKind int

const (
	// EventFragment carries one piece of generated text.
	EventFragment EventKind = iota + 1
	// EventCompletion is the authoritative end-of-generation signal.
	EventCompletion
	// EventMalformed marks a line that was not valid structured data.
	EventMalformed
	// EventUpstreamError marks an error reported inside the stream.
	EventUpstreamError
)

func (k EventKind) String() string {
	switch k {
	case EventFragment:
		return "fragment"
	case EventCompletion:
		return "completion"
	case EventMalformed:
		return "malformed"
	case EventUpstreamError:
		return "upstream_error"
	default:
		return "unknown"
	}
}

// Event is a single interpreted upstream event.
type Event struct {
	Kind EventKind
	// Text is the fragment text, the in-stream error message, or a preview
	// of the offending line for malformed events.
	Text string
	// DoneReason is set on completion events when the upstream reports one.
	DoneReason string
}

// FragmentStream is the lazy sequence of events produced by one generation
// call. It is consumed by a single goroutine.
type FragmentStream interface {
	// Next blocks until the next event is available. After a completion it
	// returns io.EOF. ErrStreamEnded reports an upstream close without
	// completion; any other error is a transport failure.
	Next() (Event, error)
	// Close releases the upstream connection. It is safe to call twice.
	Close() error
}

// MalformedCounter is implemented by streams that skip malformed lines
// internally and want to report how many they dropped.
type MalformedCounter interface {
	Malformed() int
}

// Provider opens streaming generation calls against an upstream model.
type Provider interface {
	// Stream issues the generation call. A non-success upstream response is
	// reported as *UpstreamStatusError before any event is produced.
	Stream(ctx context.Context, req GenerateRequest) (FragmentStream, error)
	Name() string
}

// UpstreamStatusError is returned when the upstream answers with a
// non-success status before streaming begins.
type UpstreamStatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}
