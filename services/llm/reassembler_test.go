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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// LineReassembler Tests
// =============================================================================

func TestLineReassembler_ThreeReads(t *testing.T) {
	t.Parallel()

	r := NewLineReassembler()
	var lines []string
	lines = append(lines, r.Feed([]byte(`{"response":"Hel`))...)
	assert.Empty(t, lines)
	lines = append(lines, r.Feed([]byte("lo\"}\n{\"resp"))...)
	lines = append(lines, r.Feed([]byte("onse\":\"\",\"done\":true}\n"))...)

	require.Len(t, lines, 2)
	assert.Equal(t, `{"response":"Hello"}`, lines[0])
	assert.Equal(t, `{"response":"","done":true}`, lines[1])
	assert.Zero(t, r.Pending())
}

func TestLineReassembler_SplitAnywhere(t *testing.T) {
	t.Parallel()

	// Multi-byte runes so some split points fall inside a UTF-8 sequence.
	body := "{\"response\":\"héllo wörld ✓\"}\n{\"response\":\"日本語\"}\n{\"done\":true}\n"
	want := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	raw := []byte(body)

	for i := 0; i <= len(raw); i++ {
		for j := i; j <= len(raw); j++ {
			r := NewLineReassembler()
			var got []string
			got = append(got, r.Feed(raw[:i])...)
			got = append(got, r.Feed(raw[i:j])...)
			got = append(got, r.Feed(raw[j:])...)
			require.Equal(t, want, got, "split at %d/%d", i, j)
		}
	}
}

func TestLineReassembler_ByteAtATime(t *testing.T) {
	t.Parallel()

	body := "{\"response\":\"Ω≈ç√\"}\n{\"done\":true}\n"
	r := NewLineReassembler()
	var got []string
	for i := 0; i < len(body); i++ {
		got = append(got, r.Feed([]byte{body[i]})...)
	}
	assert.Equal(t, []string{`{"response":"Ω≈ç√"}`, `{"done":true}`}, got)
}

func TestLineReassembler_StripsCarriageReturn(t *testing.T) {
	t.Parallel()

	r := NewLineReassembler()
	assert.Equal(t, []string{"a", "b"}, r.Feed([]byte("a\r\nb\r\n")))
}

func TestLineReassembler_DiscardDropsUnterminatedTail(t *testing.T) {
	t.Parallel()

	r := NewLineReassembler()
	lines := r.Feed([]byte("{\"response\":\"ok\"}\n{\"response\":\"tru"))
	assert.Equal(t, []string{`{"response":"ok"}`}, lines)
	assert.Equal(t, len(`{"response":"tru`), r.Pending())
	assert.Equal(t, len(`{"response":"tru`), r.Discard())
	assert.Zero(t, r.Pending())
}

func TestLineReassembler_OversizedLineSkipped(t *testing.T) {
	t.Parallel()

	r := NewLineReassembler().WithMaxLineBytes(8)
	lines := r.Feed([]byte("0123456789"))
	assert.Empty(t, lines)
	lines = r.Feed([]byte("abc\nok\n"))
	assert.Equal(t, []string{"ok"}, lines)
	assert.Equal(t, 1, r.Oversized())

	lines = r.Feed([]byte("also-too-long\nfine\n"))
	assert.Equal(t, []string{"fine"}, lines)
	assert.Equal(t, 2, r.Oversized())
}

func TestLineReassembler_EmptyLinesPreserved(t *testing.T) {
	t.Parallel()

	r := NewLineReassembler()
	assert.Equal(t, []string{"", "x", ""}, r.Feed([]byte("\nx\n\n")))
}
