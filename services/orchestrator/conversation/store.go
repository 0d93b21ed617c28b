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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements ConversationStore on a gorm handle.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an opened, migrated handle (see OpenDB).
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ ConversationStore = (*GormStore)(nil)

func (s *GormStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	c := &Conversation{}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

func (s *GormStore) EnsureConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{ID: id, Title: DefaultTitle}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(c).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure conversation %s: %w", id, err)
	}
	return s.GetConversation(ctx, id)
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *GormStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Conversation
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for %s: %w", conversationID, err)
	}
	return out, nil
}

func (s *GormStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(n).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages for %s: %w", conversationID, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *GormStore) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Message{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for %s: %w", conversationID, err)
	}
	return n, nil
}

// AppendMessage inserts msg and bumps the conversation's updated_at in one
// short transaction. Returns ErrNotFound when the conversation is missing.
func (s *GormStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.Status == "" {
		msg.Status = StatusComplete
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ?", msg.ConversationID).
			UpdateColumn("updated_at", tx.NowFunc())
		if res.Error != nil {
			return fmt.Errorf("failed to touch conversation %s: %w", msg.ConversationID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to append %s message to %s: %w", msg.Role, msg.ConversationID, err)
		}
		return nil
	})
}

func (s *GormStore) SetTitleIfDefault(ctx context.Context, conversationID, candidate string) (bool, error) {
	if candidate == "" || candidate == DefaultTitle {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND title = ?", conversationID, DefaultTitle).
		Update("title", candidate)
	if res.Error != nil {
		return false, fmt.Errorf("failed to set title for %s: %w", conversationID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages for %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&Conversation{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete conversation %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BackfillTitles titles default-titled conversations from their earliest
// user message.
//
// # Description
//
// Conversations without a user message are skipped, as are those whose
// candidate title would equal DefaultTitle. The update is conditional on the
// title still being the default, so concurrent sessions and repeated runs
// never overwrite a title that was already set.
func (s *GormStore) BackfillTitles(ctx context.Context) (int, error) {
	var pending []Conversation
	if err := s.db.WithContext(ctx).Where("title = ?", DefaultTitle).Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("failed to find untitled conversations: %w", err)
	}

	updated := 0
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		var first Message
		err := s.db.WithContext(ctx).
			Where("conversation_id = ? AND role = ?", c.ID, RoleUser).
			Order("created_at ASC").Order("id ASC").
			First(&first).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("failed to load first message of %s: %w", c.ID, err)
		}
		changed, err := s.SetTitleIfDefault(ctx, c.ID, CandidateTitle(first.Content))
		if err != nil {
			return updated, err
		}
		if changed {
			updated++
			slog.Debug("Backfilled conversation title", "conversation_id", c.ID)
		}
	}
	return updated, nil
}

func (s *GormStore) DeleteEmptyConversations(ctx context.Context, grace time.Duration) (int, error) {
	q := s.db.WithContext(ctx).
		Where("NOT EXISTS (SELECT 1 FROM messages WHERE messages.conversation_id = conversations.id)")
	if grace > 0 {
		q = q.Where("created_at < ?", s.db.NowFunc().Add(-grace))
	}
	res := q.Delete(&Conversation{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete empty conversations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
