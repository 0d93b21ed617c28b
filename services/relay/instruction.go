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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// DefaultSystemInstruction is sent when neither config nor file sets one.
const DefaultSystemInstruction = "You are Akili, a web development assistant. Always identify yourself as Akili. " +
	"Write your responses in plain, natural conversational text. Do not use markdown formatting like bold, " +
	"italics, headers, bullet points or numbered lists. Just write normal sentences and paragraphs."

// Instructions supplies the system instruction for new sessions.
type Instructions interface {
	Current() string
}

// StaticInstructions is a fixed system instruction.
type StaticInstructions string

func (s StaticInstructions) Current() string {
	if s == "" {
		return DefaultSystemInstruction
	}
	return string(s)
}

// InstructionSource serves a system instruction loaded from a file and
// reloads it when the file changes. Sessions already running keep the
// instruction they started with.
//
// # Description
//
// The parent directory is watched rather than the file itself, so editors
// that save by rename-and-replace are picked up. A reload that fails or
// yields an empty file keeps the previous instruction.
type InstructionSource struct {
	path     string
	fallback string
	current  atomic.Value
}

// NewInstructionSource loads path once. fallback is served when the file
// is empty.
func NewInstructionSource(path, fallback string) (*InstructionSource, error) {
	if fallback == "" {
		fallback = DefaultSystemInstruction
	}
	s := &InstructionSource{path: filepath.Clean(path), fallback: fallback}
	s.current.Store(fallback)
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *InstructionSource) Current() string {
	return s.current.Load().(string)
}

func (s *InstructionSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read system instruction file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		slog.Warn("System instruction file is empty, keeping previous instruction", "path", s.path)
		return nil
	}
	s.current.Store(text)
	return nil
}

// Watch blocks, reloading on changes, until ctx is done.
func (s *InstructionSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create instruction watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("Watching system instruction file", "path", s.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("System instruction watcher error", "error", err)
		case <-ctx.Done():
			slog.Debug("System instruction watcher stopping")
			return nil
		}
	}
}

func (s *InstructionSource) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != s.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	if err := s.reload(); err != nil {
		slog.Warn("Failed to reload system instruction", "path", s.path, "error", err)
		return
	}
	slog.Info("Reloaded system instruction", "path", s.path)
}
