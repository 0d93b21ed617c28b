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
	"testing"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
	"github.com/stretchr/testify/assert"
)

func TestRenderPrompt_NoHistory(t *testing.T) {
	assert.Equal(t, "Hello there", RenderPrompt(nil, "Hello there"))
}

func TestRenderPrompt_WithHistory(t *testing.T) {
	history := []conversation.Message{
		{Role: conversation.RoleUser, Content: "Hi"},
		{Role: conversation.RoleAssistant, Content: "Hello! How can I help?", Status: conversation.StatusPartial},
	}
	got := RenderPrompt(history, "Explain flexbox")
	assert.Equal(t, "User: Hi\n\nAssistant: Hello! How can I help?\n\nUser: Explain flexbox\n\nAssistant:", got)
}

func TestRenderPrompt_SkipsUnknownRoles(t *testing.T) {
	history := []conversation.Message{
		{Role: "system", Content: "ignored"},
		{Role: conversation.RoleUser, Content: "Hi"},
	}
	assert.Equal(t, "User: Hi\n\nUser: again\n\nAssistant:", RenderPrompt(history, "again"))
}
