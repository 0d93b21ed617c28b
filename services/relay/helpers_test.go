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
	"errors"
	"net/http"
	"sync"

	"github.com/AleutianAI/akili/services/llm"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
)

// =============================================================================
// In-memory Store
// =============================================================================

type memStore struct {
	mu        sync.Mutex
	titles    map[string]string
	messages  map[string][]conversation.Message
	nextID    uint
	appendErr error
	recentErr error
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{
		titles:   make(map[string]string),
		messages: make(map[string][]conversation.Message),
	}
	for _, id := range ids {
		s.titles[id] = conversation.DefaultTitle
	}
	return s
}

func (s *memStore) RecentMessages(_ context.Context, id string, n int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	msgs := s.messages[id]
	if n <= 0 {
		return nil, nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return append([]conversation.Message(nil), msgs...), nil
}

func (s *memStore) CountMessages(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.messages[id])), nil
}

func (s *memStore) AppendMessage(_ context.Context, msg *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	if _, ok := s.titles[msg.ConversationID]; !ok {
		return conversation.ErrNotFound
	}
	s.nextID++
	msg.ID = s.nextID
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *memStore) SetTitleIfDefault(_ context.Context, id, candidate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	title, ok := s.titles[id]
	if !ok {
		return false, conversation.ErrNotFound
	}
	if title != conversation.DefaultTitle {
		return false, nil
	}
	s.titles[id] = candidate
	return true, nil
}

func (s *memStore) seed(id string, role conversation.Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.messages[id] = append(s.messages[id], conversation.Message{
		ID: s.nextID, ConversationID: id, Role: role, Content: content, Status: conversation.StatusComplete,
	})
}

func (s *memStore) all(id string) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Message(nil), s.messages[id]...)
}

func (s *memStore) byRole(id string, role conversation.Role) []conversation.Message {
	var out []conversation.Message
	for _, m := range s.all(id) {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) title(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[id]
}

// =============================================================================
// Scripted Provider
// =============================================================================

type step struct {
	ev  llm.Event
	err error
}

func frag(text string) step { return step{ev: llm.Event{Kind: llm.EventFragment, Text: text}} }

func completion() step { return step{ev: llm.Event{Kind: llm.EventCompletion, DoneReason: "stop"}} }

func fail(err error) step { return step{err: err} }

// scriptedProvider replays steps. With hang set, the stream blocks on its
// context once the steps run out.
type scriptedProvider struct {
	mu      sync.Mutex
	steps   []step
	openErr error
	hang    bool
	reqs    []llm.GenerateRequest
	closed  bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req llm.GenerateRequest) (llm.FragmentStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &scriptedStream{ctx: ctx, p: p, steps: p.steps, hang: p.hang}, nil
}

func (p *scriptedProvider) lastRequest() llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqs[len(p.reqs)-1]
}

func (p *scriptedProvider) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type scriptedStream struct {
	ctx   context.Context
	p     *scriptedProvider
	steps []step
	i     int
	hang  bool
}

func (s *scriptedStream) Next() (llm.Event, error) {
	if s.i < len(s.steps) {
		st := s.steps[s.i]
		s.i++
		return st.ev, st.err
	}
	if s.hang {
		<-s.ctx.Done()
		return llm.Event{}, s.ctx.Err()
	}
	return llm.Event{}, llm.ErrStreamEnded
}

func (s *scriptedStream) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	s.p.closed = true
	return nil
}

// =============================================================================
// Recording Sink
// =============================================================================

var errClientGone = errors.New("client gone")

type recordingSink struct {
	mu         sync.Mutex
	began      bool
	info       SessionInfo
	fragments  []string
	ended      *Result
	failed     error
	onFragment func(n int)
	writeErrAt int
}

func (s *recordingSink) Begin(info SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.began = true
	s.info = info
	return nil
}

func (s *recordingSink) WriteFragment(text string) error {
	s.mu.Lock()
	if s.writeErrAt > 0 && len(s.fragments)+1 >= s.writeErrAt {
		s.mu.Unlock()
		return errClientGone
	}
	s.fragments = append(s.fragments, text)
	n := len(s.fragments)
	hook := s.onFragment
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *recordingSink) End(res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = res
	return nil
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fragments...)
}

// =============================================================================
// Broken Connection Writer
// =============================================================================

// brokenPipeWriter is a ResponseWriter whose writes fail from failAt onward,
// like a client that hung up mid-stream.
type brokenPipeWriter struct {
	mu     sync.Mutex
	header http.Header
	failAt int
	writes int
	failed bool
	// afterFailure counts write attempts once a write has failed.
	afterFailure int
}

func newBrokenPipeWriter(failAt int) *brokenPipeWriter {
	return &brokenPipeWriter{header: make(http.Header), failAt: failAt}
}

func (w *brokenPipeWriter) Header() http.Header { return w.header }

func (w *brokenPipeWriter) WriteHeader(int) {}

func (w *brokenPipeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.failed {
		w.afterFailure++
	}
	if w.writes >= w.failAt {
		w.failed = true
		return 0, errors.New("write: broken pipe")
	}
	return len(p), nil
}

func (w *brokenPipeWriter) Flush() {}

func (w *brokenPipeWriter) counts() (writes, afterFailure int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes, w.afterFailure
}
