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
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openAISecretPath   = "/run/secrets/openai_api_key"
)

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	options Options
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		keyBytes, err := os.ReadFile(openAISecretPath)
		if err != nil {
			slog.Error("OpenAI API key not configured and secret not found", "path", openAISecretPath)
			return nil, fmt.Errorf("openai API key not configured")
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the OpenAI API key from the secrets mount")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
		slog.Warn("No OpenAI model configured, defaulting", "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		options: cfg.Options,
	}, nil
}

func (o *OpenAIClient) Name() string { return "openai" }

func (o *OpenAIClient) Stream(ctx context.Context, req GenerateRequest) (FragmentStream, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	ctx, span := tracer.Start(ctx, "OpenAIClient.Stream")
	span.SetAttributes(
		attribute.String("llm.provider", o.Name()),
		attribute.String("llm.model", model),
	)

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	opts := o.options
	if req.Options != nil {
		opts = mergeOptions(o.options, *req.Options)
	}
	if opts.Temperature != nil {
		chatReq.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		chatReq.TopP = *opts.TopP
	}
	if opts.NumPredict != nil {
		chatReq.MaxCompletionTokens = *opts.NumPredict
	}
	if len(opts.Stop) > 0 {
		chatReq.Stop = opts.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		err = o.translateError(err)
		slog.Error("OpenAI API call failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &openAIStream{ctx: ctx, stream: stream, span: span}, nil
}

// translateError surfaces HTTP failures as *UpstreamStatusError so the relay
// treats every provider's non-success status the same way.
func (o *OpenAIClient) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &UpstreamStatusError{Provider: o.Name(), StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &UpstreamStatusError{Provider: o.Name(), StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("openai API call failed: %w", err)
}

type openAIStream struct {
	ctx       context.Context
	stream    *openai.ChatCompletionStream
	span      trace.Span
	pending   []Event
	finished  bool
	err       error
	fragments int
	closeOnce sync.Once
}

func (s *openAIStream) Next() (Event, error) {
	for {
		if s.finished {
			return Event{}, io.EOF
		}
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if ev.Kind == EventCompletion {
				s.finished = true
				s.pending = nil
			}
			if ev.Kind == EventFragment {
				s.fragments++
			}
			return ev, nil
		}
		if s.err != nil {
			return Event{}, s.err
		}

		resp, err := s.stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.err = ErrStreamEnded
			case s.ctx.Err() != nil:
				s.err = fmt.Errorf("read upstream stream: %w", s.ctx.Err())
			default:
				s.err = fmt.Errorf("read upstream stream: %w", err)
			}
			continue
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, Event{Kind: EventFragment, Text: choice.Delta.Content})
			}
			if choice.FinishReason != "" {
				s.pending = append(s.pending, Event{Kind: EventCompletion, DoneReason: string(choice.FinishReason)})
			}
		}
	}
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.stream.Close()
		s.span.SetAttributes(
			attribute.Int("llm.fragments", s.fragments),
			attribute.Bool("llm.completed", s.finished),
		)
		if s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetStatus(codes.Error, s.err.Error())
		}
		s.span.End()
	})
	return nil
}
