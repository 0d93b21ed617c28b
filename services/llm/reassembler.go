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
	"bytes"
)

// DefaultMaxLineBytes bounds a single NDJSON line held in the carry-over.
const DefaultMaxLineBytes = 1 << 20

// LineReassembler turns arbitrarily split network reads into complete lines.
//
// # Description
//
// Each Feed appends the new bytes to a carry-over buffer, splits on '\n' and
// returns every complete line. The trailing segment without a terminator is
// kept for the next Feed. Lines are only converted to strings once complete,
// so a multi-byte UTF-8 sequence split across two reads is carried as raw
// bytes and decoded intact: '\n' can never appear inside a UTF-8 sequence.
//
// A carry-over that grows past MaxLineBytes without a newline is dropped and
// the remainder of that line is skipped; the line is counted in Oversized.
//
// # Thread Safety
//
// Not safe for concurrent use. A stream has exactly one reader.
type LineReassembler struct {
	carry     []byte
	maxLine   int
	skipping  bool
	oversized int
}

// NewLineReassembler creates a reassembler with DefaultMaxLineBytes.
func NewLineReassembler() *LineReassembler {
	return &LineReassembler{maxLine: DefaultMaxLineBytes}
}

// WithMaxLineBytes overrides the per-line bound. Values <= 0 disable it.
func (r *LineReassembler) WithMaxLineBytes(n int) *LineReassembler {
	r.maxLine = n
	return r
}

// Feed consumes one raw read and returns the lines it completed, without
// their terminators. A trailing '\r' is stripped.
func (r *LineReassembler) Feed(p []byte) []string {
	var lines []string
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			r.hold(p)
			break
		}
		segment := p[:idx]
		p = p[idx+1:]

		if r.skipping {
			r.skipping = false
			r.carry = r.carry[:0]
			continue
		}
		if len(r.carry) > 0 {
			r.carry = append(r.carry, segment...)
			segment = r.carry
		}
		if r.maxLine > 0 && len(segment) > r.maxLine {
			r.oversized++
			r.carry = r.carry[:0]
			continue
		}
		lines = append(lines, string(bytes.TrimSuffix(segment, []byte{'\r'})))
		r.carry = r.carry[:0]
	}
	return lines
}

func (r *LineReassembler) hold(p []byte) {
	if r.skipping {
		return
	}
	r.carry = append(r.carry, p...)
	if r.maxLine > 0 && len(r.carry) > r.maxLine {
		r.oversized++
		r.skipping = true
		r.carry = r.carry[:0]
	}
}

// Pending reports how many bytes are carried over waiting for a newline.
func (r *LineReassembler) Pending() int {
	return len(r.carry)
}

// Oversized reports how many lines were dropped for exceeding the bound.
func (r *LineReassembler) Oversized() int {
	return r.oversized
}

// Discard drops the carry-over at end of stream and returns its size.
// An unterminated final line is never parsed.
func (r *LineReassembler) Discard() int {
	n := len(r.carry)
	r.carry = r.carry[:0]
	r.skipping = false
	return n
}
