// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DefaultTitle is the sentinel title every conversation starts with.
const DefaultTitle = "New Conversation"

// ErrNotFound is returned when a conversation id has no row.
var ErrNotFound = errors.New("conversation not found")

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status tags how an assistant message ended. User messages are always
// StatusComplete.
type Status string

const (
	StatusComplete  Status = "complete"
	StatusPartial   Status = "partial"
	StatusTruncated Status = "truncated"
)

// Conversation is one chat thread.
//
// # Fields
//
//   - ID: Opaque UUID string, stable for the conversation's lifetime.
//   - Title: DefaultTitle until the first user message, then set once.
//   - UpdatedAt: Bumped on every appended message; drives list ordering
//     for clients that want recency.
type Conversation struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Title     string    `gorm:"size:255;not null;default:'New Conversation'" json:"title"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID and the default title when unset.
func (c *Conversation) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	return nil
}

// Message is an immutable, role-tagged turn. Ordering within a
// conversation is CreatedAt ascending, ties broken by ID.
type Message struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	Role           Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Status         Status    `gorm:"type:varchar(16);not null;default:'complete'" json:"status"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
}
