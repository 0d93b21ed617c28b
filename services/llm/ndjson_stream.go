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
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultReadSize = 4096

// ndjsonStream drives LineReassembler and InterpretLine over an upstream body.
// Malformed lines are logged and counted here and never surface from Next.
type ndjsonStream struct {
	ctx       context.Context
	body      io.ReadCloser
	buf       []byte
	lines     *LineReassembler
	pending   []Event
	err       error
	finished  bool
	malformed int
	fragments int
	span      trace.Span
	closeOnce sync.Once
}

func newNDJSONStream(ctx context.Context, body io.ReadCloser, span trace.Span) *ndjsonStream {
	return &ndjsonStream{
		ctx:   ctx,
		body:  body,
		buf:   make([]byte, defaultReadSize),
		lines: NewLineReassembler(),
		span:  span,
	}
}

func (s *ndjsonStream) Next() (Event, error) {
	for {
		if s.finished {
			return Event{}, io.EOF
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			switch ev.Kind {
			case EventMalformed:
				s.malformed++
				slog.Warn("Skipping malformed upstream line", "preview", ev.Text)
				continue
			case EventCompletion:
				s.finished = true
				s.pending = nil
			case EventFragment:
				s.fragments++
			}
			return ev, nil
		}
		if s.err != nil {
			return Event{}, s.err
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			for _, line := range s.lines.Feed(s.buf[:n]) {
				s.pending = append(s.pending, InterpretLine(line)...)
			}
		}
		if err != nil {
			s.err = s.classify(err)
		}
	}
}

func (s *ndjsonStream) classify(err error) error {
	if errors.Is(err, io.EOF) {
		if dropped := s.lines.Discard(); dropped > 0 {
			slog.Warn("Discarding unterminated trailing upstream line", "bytes", dropped)
		}
		return ErrStreamEnded
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("read upstream stream: %w", ctxErr)
	}
	return fmt.Errorf("read upstream stream: %w", err)
}

func (s *ndjsonStream) Malformed() int {
	return s.malformed + s.lines.Oversized()
}

func (s *ndjsonStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.span != nil {
			s.span.SetAttributes(
				attribute.Int("llm.fragments", s.fragments),
				attribute.Int("llm.malformed_lines", s.Malformed()),
				attribute.Bool("llm.completed", s.finished),
			)
			if s.err != nil && !errors.Is(s.err, io.EOF) {
				s.span.RecordError(s.err)
				s.span.SetStatus(codes.Error, s.err.Error())
			}
			s.span.End()
		}
	})
	return err
}
