// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation provides durable storage for conversations and their
// messages.
//
// # Description
//
// Conversations and messages live in two relational tables managed through
// gorm. PostgreSQL is the production backend; SQLite (pure Go, no cgo) backs
// local runs and tests. Every operation is a short, self-contained statement
// or transaction: nothing holds a transaction open across a streaming
// response.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Write serialization is
// delegated to the database.
package conversation

import (
	"context"
	"time"
)

// ConversationStore is the full store surface used by the HTTP layer, the
// relay and maintenance.
type ConversationStore interface {
	CreateConversation(ctx context.Context) (*Conversation, error)

	// EnsureConversation returns the conversation with id, creating it with
	// the default title when it does not exist yet.
	EnsureConversation(ctx context.Context, id string) (*Conversation, error)

	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns conversations newest first. limit <= 0
	// means no limit.
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)

	// ListMessages returns every message of a conversation, oldest first.
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// RecentMessages returns the newest n messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error)

	CountMessages(ctx context.Context, conversationID string) (int64, error)

	// AppendMessage inserts one immutable message row and sets msg.ID.
	AppendMessage(ctx context.Context, msg *Message) error

	// SetTitleIfDefault overwrites the title only while it still holds
	// DefaultTitle. It reports whether the title changed.
	SetTitleIfDefault(ctx context.Context, conversationID, candidate string) (bool, error)

	DeleteConversation(ctx context.Context, id string) error

	// BackfillTitles titles every default-titled conversation from its
	// earliest user message and returns how many changed.
	BackfillTitles(ctx context.Context) (int, error)

	// DeleteEmptyConversations removes conversations with zero messages that
	// are older than grace. grace <= 0 removes every empty conversation.
	DeleteEmptyConversations(ctx context.Context, grace time.Duration) (int, error)
}
