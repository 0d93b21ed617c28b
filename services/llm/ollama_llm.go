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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("akili.llm")

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "llama3"
	defaultHeaderTimeout = 2 * time.Minute

	// maxErrorBodyBytes caps how much of a failed upstream response is read.
	maxErrorBodyBytes = 64 << 10
)

// OllamaClient streams generations from an Ollama server's /api/generate.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	options    Options
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// NewOllamaClient builds a client from the injected configuration record.
//
// The HTTP client carries no overall timeout because the response body is a
// long-lived stream; ResponseHeaderTimeout bounds the wait for the upstream
// to start answering and the caller's context bounds everything else.
func NewOllamaClient(cfg Config) (*OllamaClient, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("ollama base URL must be http(s): %q", cfg.BaseURL)
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("No Ollama model configured, requests must specify one", "default", defaultOllamaModel)
		model = defaultOllamaModel
	}
	headerTimeout := cfg.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}

	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   8,
			},
		},
		baseURL: baseURL,
		model:   model,
		options: cfg.Options,
	}, nil
}

func (o *OllamaClient) Name() string { return "ollama" }

// Stream issues a streaming /api/generate call.
//
// # Outputs
//
// On a 2xx response, a FragmentStream reading the NDJSON body. On any other
// status, *UpstreamStatusError with up to 64KiB of the response body. The
// returned stream owns the response body and the tracing span; callers must
// Close it.
func (o *OllamaClient) Stream(ctx context.Context, req GenerateRequest) (FragmentStream, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	ctx, span := tracer.Start(ctx, "OllamaClient.Stream")
	span.SetAttributes(
		attribute.String("llm.provider", o.Name()),
		attribute.String("llm.model", model),
		attribute.Int("llm.prompt_bytes", len(req.Prompt)),
	)

	fail := func(err error) (FragmentStream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	opts := o.options
	if req.Options != nil {
		opts = mergeOptions(o.options, *req.Options)
	}
	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: opts.toMap(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal request to Ollama: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request to Ollama: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return fail(fmt.Errorf("ollama API call failed: %w", err))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		slog.Error("Ollama returned non-success status", "status_code", resp.StatusCode, "body", string(errBody))
		return fail(&UpstreamStatusError{
			Provider:   o.Name(),
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		})
	}

	return newNDJSONStream(ctx, resp.Body, span), nil
}

// mergeOptions overlays per-request options on the configured defaults.
func mergeOptions(base, over Options) Options {
	out := base
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.TopK != nil {
		out.TopK = over.TopK
	}
	if over.TopP != nil {
		out.TopP = over.TopP
	}
	if over.NumPredict != nil {
		out.NumPredict = over.NumPredict
	}
	if len(over.Stop) > 0 {
		out.Stop = over.Stop
	}
	return out
}

func (o Options) toMap() map[string]any {
	m := make(map[string]any)
	if o.Temperature != nil {
		m["temperature"] = *o.Temperature
	}
	if o.TopK != nil {
		m["top_k"] = *o.TopK
	}
	if o.TopP != nil {
		m["top_p"] = *o.TopP
	}
	if o.NumPredict != nil {
		m["num_predict"] = *o.NumPredict
	}
	if len(o.Stop) > 0 {
		m["stop"] = o.Stop
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
