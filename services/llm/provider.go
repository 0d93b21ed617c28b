// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// NewProvider selects a provider implementation by cfg.Backend.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "ollama":
		return NewOllamaClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	case "canned", "mock":
		return NewCannedProvider(), nil
	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
}

// Collect drains a full generation into a string. It is the non-streaming
// path and fails unless the upstream signals completion.
func Collect(ctx context.Context, p Provider, req GenerateRequest) (string, error) {
	stream, err := p.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		switch ev.Kind {
		case EventFragment:
			sb.WriteString(ev.Text)
		case EventUpstreamError:
			return sb.String(), fmt.Errorf("upstream reported error: %s", ev.Text)
		case EventCompletion:
			return sb.String(), nil
		}
	}
}
