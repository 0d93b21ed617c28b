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
	"strings"
)

// MaxTitleRunes is the display length of an automatic title before the
// ellipsis marker.
const MaxTitleRunes = 50

const titleEllipsis = "..."

// CandidateTitle derives a display title from a user message. Whitespace
// runs collapse to one space. Text longer than MaxTitleRunes is cut and
// marked with "...". An empty result falls back to DefaultTitle.
func CandidateTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return DefaultTitle
	}
	runes := []rune(collapsed)
	if len(runes) <= MaxTitleRunes {
		return collapsed
	}
	return strings.TrimRight(string(runes[:MaxTitleRunes]), " ") + titleEllipsis
}
