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
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrAlreadyCommitted is returned when a session tries to commit its
// assistant turn a second time.
var ErrAlreadyCommitted = errors.New("assistant turn already committed")

// Store is the subset of the conversation store the relay needs.
type Store interface {
	RecentMessages(ctx context.Context, conversationID string, n int) ([]conversation.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int64, error)
	AppendMessage(ctx context.Context, msg *conversation.Message) error
	SetTitleIfDefault(ctx context.Context, conversationID, candidate string) (bool, error)
}

// Gate writes relay turns to the store. It does not deduplicate; a session
// holds exactly one assistantCommit and uses it at most once.
type Gate struct {
	store Store
}

func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// CommitUser appends the user turn. When the conversation has no messages
// yet, the title is first derived from this turn; title failures are logged
// and do not block the append.
func (g *Gate) CommitUser(ctx context.Context, conversationID, content string) error {
	ctx, span := tracer.Start(ctx, "relay.Gate.CommitUser")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	n, err := g.store.CountMessages(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("count messages before first turn: %w", err)
	}
	if n == 0 {
		if _, err := g.store.SetTitleIfDefault(ctx, conversationID, conversation.CandidateTitle(content)); err != nil {
			slog.Error("Failed to assign conversation title", "conversation_id", conversationID, "error", err)
		}
	}

	msg := &conversation.Message{
		ConversationID: conversationID,
		Role:           conversation.RoleUser,
		Content:        content,
		Status:         conversation.StatusComplete,
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// commit appends one assistant message.
func (g *Gate) commit(ctx context.Context, conversationID, content string, status conversation.Status) error {
	ctx, span := tracer.Start(ctx, "relay.Gate.CommitAssistant")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("message.status", string(status)),
		attribute.Int("message.bytes", len(content)),
	)

	msg := &conversation.Message{
		ConversationID: conversationID,
		Role:           conversation.RoleAssistant,
		Content:        content,
		Status:         status,
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// assistantCommit is the per-session guard that makes the assistant commit
// happen at most once.
type assistantCommit struct {
	gate *Gate
	done atomic.Bool
}

func (c *assistantCommit) Do(ctx context.Context, conversationID, content string, status conversation.Status) error {
	if !c.done.CompareAndSwap(false, true) {
		return ErrAlreadyCommitted
	}
	return c.gate.commit(ctx, conversationID, content, status)
}
