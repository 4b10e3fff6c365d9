// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("sitka.llm.ollama")

// OllamaClient talks to a local Ollama daemon.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	embedModel string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL, OLLAMA_MODEL, and
// OLLAMA_EMBED_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := os.Getenv("OLLAMA_MODEL")
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, requests must specify model, default qwen3")
		model = "qwen3"
	}
	embedModel := os.Getenv("OLLAMA_EMBED_MODEL")
	if embedModel == "" {
		slog.Warn("OLLAMA_EMBED_MODEL not set, defaulting to nomic-embed-text")
		embedModel = "nomic-embed-text"
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Chat implements the Client interface.
func (o *OllamaClient) Chat(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()

	model := opts.ModelTag
	if model == "" {
		model = o.model
	}
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Generating text via Ollama", "model", model)

	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens != nil {
		options["num_predict"] = *opts.MaxTokens
	}

	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	}

	var out ollamaGenerateResponse
	if err := o.post(ctx, "/api/generate", payload, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", wrapOp(err, "chat")
	}
	return out.Response, nil
}

// Embed implements the Client interface.
func (o *OllamaClient) Embed(ctx context.Context, texts []string, modelTag string) ([][]float32, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()

	model := modelTag
	if model == "" {
		model = o.embedModel
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.batch_size", len(texts)),
	)

	var out ollamaEmbedResponse
	if err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: model, Input: texts}, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapOp(err, "embed")
	}
	if len(out.Embeddings) != len(texts) {
		err := fmt.Errorf("Ollama returned %d embeddings for %d inputs", len(out.Embeddings), len(texts))
		span.RecordError(err)
		return nil, &Error{Kind: KindTransient, Op: "embed", Backend: "ollama", Err: err}
	}
	return out.Embeddings, nil
}

// post sends a JSON request and decodes the JSON response.
func (o *OllamaClient) post(ctx context.Context, path string, payload any, out any) error {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindInvalid, Op: "request", Backend: "ollama",
			Err: fmt.Errorf("failed to marshal request to Ollama: %w", err)}
	}

	// NewRequestWithContext so in-flight calls abort on cancellation.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return &Error{Kind: KindInvalid, Op: "request", Backend: "ollama",
			Err: fmt.Errorf("failed to create request to Ollama: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return classify("request", "ollama", 0, fmt.Errorf("Ollama API call failed: %w", err))
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify("request", "ollama", 0, fmt.Errorf("failed to read response body from Ollama: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return classify("request", "ollama", resp.StatusCode,
			fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode, string(respBodyBytes)))
	}
	if err := json.Unmarshal(respBodyBytes, out); err != nil {
		return classify("request", "ollama", 0, fmt.Errorf("failed to parse Ollama response: %w", err))
	}
	return nil
}

// wrapOp rewrites the Op on a gateway error to the caller-visible operation.
func wrapOp(err error, op string) error {
	if gerr, ok := err.(*Error); ok {
		gerr.Op = op
		return gerr
	}
	return err
}
