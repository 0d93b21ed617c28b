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
	"io"
	"strings"
	"time"
)

const (
	DefaultCannedResponse = "I'm working on that for you... (This is a mock response)"
	defaultCannedLatency  = 1500 * time.Millisecond
)

// CannedProvider answers every request with a fixed response after a delay.
// It backs local development and demos without a model server.
type CannedProvider struct {
	Response string
	// Latency is waited once before the first fragment.
	Latency time.Duration
	// FragmentDelay is waited between fragments.
	FragmentDelay time.Duration
}

func NewCannedProvider() *CannedProvider {
	return &CannedProvider{Response: DefaultCannedResponse, Latency: defaultCannedLatency}
}

func (c *CannedProvider) Name() string { return "canned" }

func (c *CannedProvider) Stream(ctx context.Context, _ GenerateRequest) (FragmentStream, error) {
	if err := sleepCtx(ctx, c.Latency); err != nil {
		return nil, err
	}
	return &cannedStream{ctx: ctx, words: splitKeepingSpace(c.Response), delay: c.FragmentDelay}, nil
}

type cannedStream struct {
	ctx   context.Context
	words []string
	delay time.Duration
	sent  int
	done  bool
}

func (s *cannedStream) Next() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	if s.sent >= len(s.words) {
		s.done = true
		return Event{Kind: EventCompletion, DoneReason: "stop"}, nil
	}
	if s.sent > 0 {
		if err := sleepCtx(s.ctx, s.delay); err != nil {
			return Event{}, err
		}
	}
	w := s.words[s.sent]
	s.sent++
	return Event{Kind: EventFragment, Text: w}, nil
}

func (s *cannedStream) Close() error { return nil }

// splitKeepingSpace splits after each space so the pieces concatenate back
// to the original text.
func splitKeepingSpace(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
