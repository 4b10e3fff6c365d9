// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("sitka.llm.openai")

// OpenAIClient talks to OpenAI or any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel string
}

// NewOpenAIClient builds a client from environment configuration.
//
// # Description
//
// Reads OPENAI_API_KEY (falling back to the container secret path),
// OPENAI_MODEL, OPENAI_EMBED_MODEL, and optionally OPENAI_BASE_URL for
// compatible gateways.
//
// # Outputs
//
//   - *OpenAIClient: The configured client.
//   - error: Non-nil when no API key is available.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	embedModel := os.Getenv("OPENAI_EMBED_MODEL")
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
		slog.Warn("OPENAI_EMBED_MODEL not set, defaulting", "model", embedModel)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
		slog.Info("Using OpenAI-compatible base URL", "base_url", cfg.BaseURL)
	}

	slog.Info("Initializing OpenAI client", "model", model, "embed_model", embedModel)
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		embedModel: embedModel,
	}, nil
}

// Chat implements the Client interface.
func (o *OpenAIClient) Chat(ctx context.Context, prompt string, opts ChatOptions) (string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()

	model := opts.ModelTag
	if model == "" {
		model = o.model
	}
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Generating text via OpenAI", "model", model)

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: opts.Temperature,
	}
	if opts.MaxTokens != nil {
		req.MaxCompletionTokens = *opts.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", classify("chat", "openai", openaiStatus(err), err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("OpenAI returned no choices")
		span.RecordError(err)
		return "", &Error{Kind: KindTransient, Op: "chat", Backend: "openai", Err: err}
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed implements the Client interface.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string, modelTag string) ([][]float32, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()

	model := modelTag
	if model == "" {
		model = o.embedModel
	}
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.batch_size", len(texts)),
	)

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, classify("embed", "openai", openaiStatus(err), err)
	}
	if len(resp.Data) != len(texts) {
		err := fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
		span.RecordError(err)
		return nil, &Error{Kind: KindTransient, Op: "embed", Backend: "openai", Err: err}
	}

	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// openaiStatus extracts the HTTP status from a go-openai error, 0 if none.
func openaiStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
