// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay runs streaming inference sessions between a client
// connection and an upstream model.
//
// # Description
//
// A session opens the upstream generation call, forwards every fragment to
// the client in arrival order while accumulating it, and commits the
// assistant's message to the conversation store exactly once: complete on a
// completion signal, tagged partial when the upstream stops early. A client
// that disconnects stops receiving writes but the upstream is still drained
// (bounded by a drain timeout) so the answer is persisted.
//
// # Thread Safety
//
// A Relay is safe for concurrent use; each Run is one single-threaded
// session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/akili/services/llm"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/AleutianAI/akili/services/orchestrator/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("akili.relay")

// State is a relay session's lifecycle state.
type State int

const (
	StateOpening State = iota
	StateStreaming
	StateFinalizing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config tunes relay sessions.
type Config struct {
	// HistoryWindow is how many prior messages are rendered into the prompt.
	HistoryWindow int
	// UpstreamTimeout is the overall deadline for one upstream generation.
	UpstreamTimeout time.Duration
	// DrainTimeout bounds how long the upstream is drained after the client
	// disconnects.
	DrainTimeout time.Duration
	// CommitTimeout bounds each store write.
	CommitTimeout time.Duration
	// MaxResponseBytes caps the persisted assistant message.
	MaxResponseBytes int
	// LockedBuffer accumulates responses in mlocked memory when possible.
	LockedBuffer bool
	// Model overrides the provider's default model for every session.
	Model string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:    20,
		UpstreamTimeout:  5 * time.Minute,
		DrainTimeout:     30 * time.Second,
		CommitTimeout:    10 * time.Second,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryWindow < 0 {
		c.HistoryWindow = 0
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = d.UpstreamTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = d.CommitTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	return c
}

// Request is one user turn to relay.
type Request struct {
	ConversationID string
	Prompt         string
	// System overrides the configured system instruction when non-empty.
	System   string
	Model    string
	Endpoint observability.Endpoint
}

// Result is the outcome of a session, returned for logging and metrics.
type Result struct {
	SessionID      string
	ConversationID string
	State          State
	// Content is the persisted (or, if persistence was skipped, would-be)
	// assistant text.
	Content   string
	Status    conversation.Status
	Fragments int
	// ClientGone is set when the client disconnected before the end.
	ClientGone bool
	// UserPersisted reports whether the user turn was stored.
	UserPersisted bool
	// Persisted reports whether the assistant turn was stored.
	Persisted bool
	// PersistErr is the assistant (or user) commit failure, if any.
	PersistErr error
	// UpstreamErr is why the upstream failed to open or stopped early.
	UpstreamErr error
	Duration    time.Duration
}

// Relay runs sessions against one provider and store.
type Relay struct {
	provider     llm.Provider
	store        Store
	gate         *Gate
	instructions Instructions
	metrics      *observability.RelayMetrics
	cfg          Config
}

// New builds a Relay. instructions may be nil (default instruction) and
// metrics may be nil (no metrics).
func New(provider llm.Provider, store Store, instructions Instructions,
	metrics *observability.RelayMetrics, cfg Config) *Relay {

	if instructions == nil {
		instructions = StaticInstructions("")
	}
	return &Relay{
		provider:     provider,
		store:        store,
		gate:         NewGate(store),
		instructions: instructions,
		metrics:      metrics,
		cfg:          cfg.withDefaults(),
	}
}

// session is the per-run state. It is only touched by the Run goroutine,
// except clientGone which the disconnect watcher also sets.
type session struct {
	r           *Relay
	req         Request
	res         *Result
	log         *slog.Logger
	sink        Sink
	acc         Accumulator
	commit      assistantCommit
	clientGone  atomic.Bool
	goneOnce    sync.Once
	started     time.Time
	firstFrag   bool
	truncLogged bool
}

// Run executes one relay session and blocks until it reaches Closed or
// Aborted.
//
// # Description
//
// Opening: the prompt is rendered from the history window and the upstream
// call is made on a context detached from ctx and bounded by
// UpstreamTimeout. An open failure calls sink.Fail and stores nothing.
//
// Streaming: the user turn is committed (setting the title on a first
// message), the sink begins, and each fragment is accumulated then written
// to the client. Cancellation of ctx marks the client gone, suppresses
// further writes and arms DrainTimeout on the upstream.
//
// Finalizing / Aborted: the assistant text is committed once, as complete
// (or truncated) after a completion signal, or as partial when the upstream
// stopped early with non-empty content. Storage failures are reported in
// Result and never change what the client already saw. sink.End is called
// last, and only while the client is still connected.
//
// # Inputs
//
//   - ctx: The client request context. Its cancellation means disconnect.
//   - req: The user turn.
//   - sink: Client side of the session.
//
// # Outputs
//
//   - *Result: Never nil.
func (r *Relay) Run(ctx context.Context, req Request, sink Sink) *Result {
	s := &session{
		r:    r,
		req:  req,
		sink: sink,
		res: &Result{
			SessionID:      uuid.NewString(),
			ConversationID: req.ConversationID,
			State:          StateOpening,
		},
		started: time.Now(),
	}
	s.commit.gate = r.gate
	s.log = slog.With("session_id", s.res.SessionID, "conversation_id", req.ConversationID)

	ctx, span := tracer.Start(ctx, "relay.Session")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", s.res.SessionID),
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("relay.endpoint", string(req.Endpoint)),
	)

	r.metrics.SessionStarted(req.Endpoint)
	defer func() {
		s.res.Duration = time.Since(s.started)
		r.metrics.SessionEnded(req.Endpoint, s.res.State.String(), s.res.Duration.Seconds())
		span.SetAttributes(
			attribute.String("relay.state", s.res.State.String()),
			attribute.Int("relay.fragments", s.res.Fragments),
			attribute.Bool("relay.persisted", s.res.Persisted),
		)
		if s.res.UpstreamErr != nil {
			span.RecordError(s.res.UpstreamErr)
			span.SetStatus(codes.Error, s.res.UpstreamErr.Error())
		}
	}()

	s.run(ctx)
	return s.res
}

func (s *session) run(ctx context.Context) {
	cfg := s.r.cfg

	upstreamCtx, cancelUpstream := context.WithTimeout(context.WithoutCancel(ctx), cfg.UpstreamTimeout)
	defer cancelUpstream()

	stream, err := s.open(ctx, upstreamCtx)
	if err != nil {
		s.res.State = StateAborted
		s.res.UpstreamErr = err
		s.r.metrics.RecordPersistence(observability.PersistSkipped)
		s.log.Error("Upstream failed to open", "provider", s.r.provider.Name(), "error", err)
		s.sink.Fail(err)
		return
	}
	defer stream.Close()

	s.res.State = StateStreaming
	s.commitUser(ctx)

	done := make(chan struct{})
	defer close(done)
	stopWatch := context.AfterFunc(ctx, func() {
		s.markClientGone("request context done")
		timer := time.NewTimer(cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			s.log.Warn("Drain timeout reached after client disconnect, cancelling upstream",
				"drain_timeout", cfg.DrainTimeout)
			cancelUpstream()
		case <-done:
		}
	})
	defer stopWatch()

	info := SessionInfo{SessionID: s.res.SessionID, ConversationID: s.req.ConversationID}
	if err := s.sink.Begin(info); err != nil {
		s.markClientGone(err.Error())
	}

	s.acc = NewAccumulator(cfg.MaxResponseBytes, cfg.LockedBuffer)
	defer s.acc.Destroy()

	completed := s.pump(ctx, upstreamCtx, stream)

	if mc, ok := stream.(llm.MalformedCounter); ok {
		s.r.metrics.RecordMalformed(s.r.provider.Name(), mc.Malformed())
	}
	s.finish(ctx, completed)

	if s.clientGone.Load() {
		return
	}
	if err := s.sink.End(s.res); err != nil {
		s.log.Info("Failed to write end of stream", "error", err)
	}
}

// open issues the upstream call for the rendered prompt.
func (s *session) open(ctx, upstreamCtx context.Context) (llm.FragmentStream, error) {
	history, err := s.r.store.RecentMessages(ctx, s.req.ConversationID, s.r.cfg.HistoryWindow)
	if err != nil {
		s.log.Warn("Failed to load history, continuing without it", "error", err)
		history = nil
	}

	system := s.req.System
	if system == "" {
		system = s.r.instructions.Current()
	}
	model := s.req.Model
	if model == "" {
		model = s.r.cfg.Model
	}

	stream, err := s.r.provider.Stream(upstreamCtx, llm.GenerateRequest{
		Model:  model,
		Prompt: RenderPrompt(history, s.req.Prompt),
		System: system,
	})
	if err != nil {
		var statusErr *llm.UpstreamStatusError
		switch {
		case errors.As(err, &statusErr):
			s.r.metrics.RecordUpstreamError(s.r.provider.Name(), observability.UpstreamStatus)
		case errors.Is(err, context.DeadlineExceeded):
			s.r.metrics.RecordUpstreamError(s.r.provider.Name(), observability.UpstreamTimeout)
		default:
			s.r.metrics.RecordUpstreamError(s.r.provider.Name(), observability.UpstreamTransport)
		}
		return nil, err
	}
	s.log.Debug("Upstream stream opened", "provider", s.r.provider.Name(), "history_messages", len(history))
	return stream, nil
}

// commitUser stores the user turn. Failure is logged and reported but does
// not stop the stream.
func (s *session) commitUser(ctx context.Context) {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.r.cfg.CommitTimeout)
	defer cancel()
	if err := s.r.gate.CommitUser(commitCtx, s.req.ConversationID, s.req.Prompt); err != nil {
		s.res.PersistErr = fmt.Errorf("commit user turn: %w", err)
		s.log.Error("Failed to persist user turn", "error", err)
		return
	}
	s.res.UserPersisted = true
}

// pump forwards events until completion or upstream failure and reports
// whether a completion signal arrived.
func (s *session) pump(ctx, upstreamCtx context.Context, stream llm.FragmentStream) bool {
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			s.res.UpstreamErr = err
			s.recordStreamFailure(upstreamCtx, err)
			return false
		}

		switch ev.Kind {
		case llm.EventFragment:
			s.forward(ctx, ev.Text)
		case llm.EventCompletion:
			return true
		case llm.EventUpstreamError:
			s.res.UpstreamErr = fmt.Errorf("upstream reported error: %s", ev.Text)
			s.r.metrics.RecordUpstreamError(s.r.provider.Name(), observability.UpstreamInStream)
			s.log.Error("Upstream reported an error mid-stream", "error", ev.Text)
			return false
		case llm.EventMalformed:
			s.r.metrics.RecordMalformed(s.r.provider.Name(), 1)
			s.log.Warn("Skipping malformed upstream event", "preview", ev.Text)
		}
	}
}

func (s *session) recordStreamFailure(upstreamCtx context.Context, err error) {
	kind := observability.UpstreamTransport
	switch {
	case errors.Is(err, llm.ErrStreamEnded):
		kind = observability.UpstreamEnded
	case errors.Is(upstreamCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = observability.UpstreamTimeout
	}
	s.r.metrics.RecordUpstreamError(s.r.provider.Name(), kind)
	s.log.Warn("Upstream stream stopped before completion", "kind", string(kind), "error", err)
}

// forward accumulates one fragment and writes it to the client unless the
// client is gone.
func (s *session) forward(ctx context.Context, text string) {
	s.res.Fragments++
	s.r.metrics.RecordFragment(s.req.Endpoint)
	if !s.firstFrag {
		s.firstFrag = true
		s.r.metrics.RecordTimeToFirstFragment(s.req.Endpoint, time.Since(s.started).Seconds())
	}
	if dropped := s.acc.Append(text); dropped && !s.truncLogged {
		s.truncLogged = true
		s.log.Warn("Response exceeds buffer limit, persisting a truncated prefix",
			"max_response_bytes", s.r.cfg.MaxResponseBytes)
	}

	if s.clientGone.Load() {
		return
	}
	if ctx.Err() != nil {
		s.markClientGone("request context done")
		return
	}
	if err := s.sink.WriteFragment(text); err != nil {
		s.markClientGone(err.Error())
	}
}

func (s *session) markClientGone(reason string) {
	s.goneOnce.Do(func() {
		s.clientGone.Store(true)
		s.r.metrics.RecordClientDisconnect(s.req.Endpoint)
		s.log.Info("Client disconnected, draining upstream for persistence", "reason", reason)
	})
}

// finish moves to Finalizing or Aborted and commits the assistant turn.
func (s *session) finish(ctx context.Context, completed bool) {
	content := s.acc.String()
	s.res.Content = content
	s.res.ClientGone = s.clientGone.Load()

	switch {
	case !completed:
		s.res.State = StateAborted
		s.res.Status = conversation.StatusPartial
	case s.acc.Truncated():
		s.res.State = StateFinalizing
		s.res.Status = conversation.StatusTruncated
	default:
		s.res.State = StateFinalizing
		s.res.Status = conversation.StatusComplete
	}

	if !completed && content == "" {
		s.r.metrics.RecordPersistence(observability.PersistSkipped)
		s.log.Info("Upstream stopped before any content, nothing to persist")
		return
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.r.cfg.CommitTimeout)
	defer cancel()
	err := s.commit.Do(commitCtx, s.req.ConversationID, content, s.res.Status)
	if err != nil {
		s.res.PersistErr = fmt.Errorf("commit assistant turn: %w", err)
		s.r.metrics.RecordPersistence(observability.PersistFailed)
		s.log.Error("Failed to persist assistant turn", "status", string(s.res.Status), "error", err)
	} else {
		s.res.Persisted = true
		s.r.metrics.RecordPersistence(observability.PersistOutcome(s.res.Status))
		s.log.Info("Persisted assistant turn",
			"status", string(s.res.Status),
			"bytes", len(content),
			"fragments", s.res.Fragments,
		)
	}

	if completed {
		s.res.State = StateClosed
	}
}
