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
	"strings"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
)

// RenderPrompt lays out the history window followed by the current turn.
//
// # Description
//
// Each prior message becomes a "User: ..." or "Assistant: ..." block, in
// store order, separated by blank lines. Partial or truncated assistant
// messages are included as stored. The prompt ends with the current user
// turn and an open "Assistant:" cue. With no history the prompt is the
// current turn alone, so single-shot requests reach the model unchanged.
func RenderPrompt(history []conversation.Message, current string) string {
	if len(history) == 0 {
		return current
	}
	var sb strings.Builder
	for _, m := range history {
		switch m.Role {
		case conversation.RoleUser:
			sb.WriteString("User: ")
		case conversation.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(current)
	sb.WriteString("\n\nAssistant:")
	return sb.String()
}
