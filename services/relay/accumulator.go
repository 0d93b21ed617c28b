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
	"log/slog"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/awnumar/memguard"
)

// DefaultMaxResponseBytes bounds the accumulated assistant response.
const DefaultMaxResponseBytes = 512 * 1024

var (
	mlockCheckOnce      sync.Once
	currentMlockLimitKB int64
)

// Accumulator collects fragments into the full assistant response.
//
// # Description
//
// Append never fails. Once the configured limit is reached the buffer keeps
// the longest valid UTF-8 prefix that fits, drops the rest and reports
// Truncated. Callers keep forwarding fragments to the client regardless.
//
// # Thread Safety
//
// Implementations are safe for concurrent use, though a session only
// appends from one goroutine.
type Accumulator interface {
	// Append adds a fragment and reports whether any of it was dropped.
	Append(fragment string) (dropped bool)
	// String returns the accumulated text. Valid until Destroy.
	String() string
	Len() int
	Truncated() bool
	// Destroy releases (and for locked buffers, wipes) the memory.
	Destroy()
}

// NewAccumulator returns a locked accumulator when requested and the
// process mlock limit allows it, and a heap accumulator otherwise.
func NewAccumulator(limit int, locked bool) Accumulator {
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	if locked {
		required := requiredMlockKB(limit)
		mlockCheckOnce.Do(func() {
			currentMlockLimitKB = checkMlockLimit()
			logMlockStatus(required)
		})
		if mlockAllows(currentMlockLimitKB, required) {
			if acc := newLockedAccumulator(limit); acc != nil {
				return acc
			}
		}
	}
	return newPlainAccumulator(limit)
}

// requiredMlockKB is the RLIMIT_MEMLOCK a locked buffer of limit bytes
// needs, rounded up to whole pages.
func requiredMlockKB(limit int) int64 {
	page := os.Getpagesize()
	pages := (limit + page - 1) / page
	return int64(pages) * int64(page) / 1024
}

// mlockAllows reports whether currentKB covers requiredKB. A negative
// currentKB means unlimited or unknown.
func mlockAllows(currentKB, requiredKB int64) bool {
	return currentKB < 0 || currentKB >= requiredKB
}

// fitPrefix returns the part of fragment that fits in room bytes without
// splitting a UTF-8 sequence.
func fitPrefix(fragment string, room int) string {
	if room <= 0 {
		return ""
	}
	if len(fragment) <= room {
		return fragment
	}
	cut := room
	for cut > 0 && !utf8.RuneStart(fragment[cut]) {
		cut--
	}
	return fragment[:cut]
}

// =============================================================================
// Heap Accumulator
// =============================================================================

type plainAccumulator struct {
	mu        sync.Mutex
	data      []byte
	limit     int
	truncated bool
}

func newPlainAccumulator(limit int) *plainAccumulator {
	initial := limit
	if initial > 16*1024 {
		initial = 16 * 1024
	}
	return &plainAccumulator{data: make([]byte, 0, initial), limit: limit}
}

func (a *plainAccumulator) Append(fragment string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.truncated {
		return fragment != ""
	}
	part := fitPrefix(fragment, a.limit-len(a.data))
	a.data = append(a.data, part...)
	if len(part) < len(fragment) {
		a.truncated = true
		return true
	}
	return false
}

func (a *plainAccumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.data)
}

func (a *plainAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

func (a *plainAccumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

func (a *plainAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = nil
}

// =============================================================================
// Locked Accumulator
// =============================================================================

// lockedAccumulator keeps the response in an mlocked, guard-paged buffer so
// generated text is never swapped to disk, and wipes it on Destroy.
type lockedAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	truncated bool
	destroyed bool
}

func newLockedAccumulator(limit int) *lockedAccumulator {
	buf := memguard.NewBuffer(limit)
	if buf == nil || buf.Size() == 0 {
		slog.Warn("Could not allocate locked buffer, falling back to heap", "size", limit)
		return nil
	}
	return &lockedAccumulator{buffer: buf}
}

func (a *lockedAccumulator) Append(fragment string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed || a.truncated {
		return fragment != ""
	}
	part := fitPrefix(fragment, a.buffer.Size()-a.offset)
	copy(a.buffer.Bytes()[a.offset:], part)
	a.offset += len(part)
	if len(part) < len(fragment) {
		a.truncated = true
		return true
	}
	return false
}

func (a *lockedAccumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return ""
	}
	return string(a.buffer.Bytes()[:a.offset])
}

func (a *lockedAccumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *lockedAccumulator) Truncated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.truncated
}

func (a *lockedAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.buffer.Destroy()
	a.destroyed = true
}

func logMlockStatus(requiredKB int64) {
	if mlockAllows(currentMlockLimitKB, requiredKB) {
		slog.Info("Locked response buffers enabled",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", requiredKB,
		)
		return
	}
	slog.Warn("mlock limit insufficient, response buffers fall back to heap memory",
		"current_limit_kb", currentMlockLimitKB,
		"required_kb", requiredKB,
	)
}
