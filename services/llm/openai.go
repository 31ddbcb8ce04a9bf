// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the reasoning oracle client used by the workflow
// engine for planning, parameter resolution, verification, and candidate
// disambiguation. The client talks to the OpenAI Chat Completions REST API
// directly over net/http, without third-party SDKs.
package llm

import (
	"bufio"
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
)

// =============================================================================
// Wire Types
// =============================================================================

const defaultOpenAIBaseURL = "https://api.openai.com/v1/chat/completions"

// Message is one turn of a conversation sent to the oracle.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []Message             `json:"messages"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Choices []openaiChoice `json:"choices"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Streaming chunk shapes. Only the delta content is consumed.
type openaiStreamChunk struct {
	Choices []openaiStreamChoice `json:"choices"`
}

type openaiStreamChoice struct {
	Delta openaiStreamDelta `json:"delta"`
}

type openaiStreamDelta struct {
	Content string `json:"content"`
}

// =============================================================================
// Client Implementation
// =============================================================================

// OpenAIClient is the reasoning oracle backed by OpenAI models.
//
// Description:
//
//	Supports two calling modes: CompleteStructured, which forces a JSON
//	object response and returns the raw bytes for the caller to decode, and
//	ChatStream, which streams assistant text fragment-by-fragment. The
//	engine treats both as fallible: timeouts, non-200 statuses, and
//	malformed payloads surface as errors, never panics.
//
// Thread Safety: OpenAIClient is safe for concurrent use.
type OpenAIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenAIClientWithConfig creates an OpenAIClient with explicit configuration.
//
// Description:
//
//	Creates a client without reading environment variables. Useful for
//	testing with mock servers or when configuration comes from a source
//	other than the environment.
func NewOpenAIClientWithConfig(apiKey, model, baseURL string) *OpenAIClient {
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewOpenAIClient creates a client from OPENAI_API_KEY and OPENAI_MODEL.
//
// Outputs:
//   - *OpenAIClient: The configured client.
//   - error: Non-nil if OPENAI_API_KEY is missing.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL")
	if apiKey == "" {
		slog.Warn("OpenAI API Key is empty. OpenAI Client will not function.")
		return nil, fmt.Errorf("openai: API key is missing (OPENAI_API_KEY)")
	}
	if model == "" {
		model = "gpt-4o"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o")
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultOpenAIBaseURL,
	}, nil
}

// CompleteStructured sends a system+user prompt and returns the assistant's
// JSON object response as raw bytes.
//
// Description:
//
//	Sets response_format {"type":"json_object"} so the model is constrained
//	to emit a single JSON object. The response is validated to be
//	well-formed JSON before it is returned; callers decode it into their
//	own result shapes.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - system: System role instruction.
//   - prompt: User prompt.
//
// Outputs:
//   - json.RawMessage: The assistant's JSON object. Nil on error.
//   - error: Non-nil on transport, API, or malformed-output failure.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) CompleteStructured(ctx context.Context, system, prompt string) (json.RawMessage, error) {
	reqPayload := openaiRequest{
		Model: o.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &openaiResponseFormat{Type: "json_object"},
	}

	content, err := o.complete(ctx, reqPayload)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(content)
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("openai: response is not valid JSON (%d bytes)", len(trimmed))
	}
	return json.RawMessage(trimmed), nil
}

// CompleteStructuredMessages is CompleteStructured over a full message
// history, used by the final synthesis which replays prior turns.
func (o *OpenAIClient) CompleteStructuredMessages(ctx context.Context, messages []Message) (json.RawMessage, error) {
	reqPayload := openaiRequest{
		Model:          o.model,
		Messages:       messages,
		ResponseFormat: &openaiResponseFormat{Type: "json_object"},
	}

	content, err := o.complete(ctx, reqPayload)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(content)
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("openai: response is not valid JSON (%d bytes)", len(trimmed))
	}
	return json.RawMessage(trimmed), nil
}

// complete performs one non-streaming chat completion and returns the
// assistant content.
func (o *OpenAIClient) complete(ctx context.Context, reqPayload openaiRequest) (string, error) {
	slog.Debug("Completing via OpenAI",
		slog.String("model", reqPayload.Model),
		slog.Int("messages", len(reqPayload.Messages)),
	)

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("openai: parsing response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("openai: API error: %s - %s", apiResp.Error.Type, SafeLogString(apiResp.Error.Message))
	}

	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: returned no choices")
	}

	slog.Debug("Received OpenAI response",
		slog.String("finish_reason", apiResp.Choices[0].FinishReason),
		slog.Int("response_len", len(apiResp.Choices[0].Message.Content)),
	)

	return apiResp.Choices[0].Message.Content, nil
}

// ChatStream streams a conversation response fragment-by-fragment.
//
// Description:
//
//	Sends a streaming chat completion and invokes callback once per content
//	fragment as SSE events arrive. Returns nil after the [DONE] marker.
//	A non-nil callback error aborts the stream and is returned to the
//	caller.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation history.
//   - callback: Invoked once per text fragment. Must not be nil.
//
// Outputs:
//   - error: Non-nil on transport or API failure, or the callback's error.
//
// Thread Safety: This method is safe for concurrent use.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []Message, callback func(fragment string) error) error {
	reqPayload := openaiRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("openai: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("openai: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			slog.Warn("openai: skipping malformed stream chunk", slog.String("error", err.Error()))
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if fragment := chunk.Choices[0].Delta.Content; fragment != "" {
			if cbErr := callback(fragment); cbErr != nil {
				return cbErr
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openai: reading stream: %w", err)
	}

	// Stream ended without an explicit [DONE]; treat as complete.
	return nil
}
