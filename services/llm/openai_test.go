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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClientWithConfig("test-key", "test-model", srv.URL)
}

func TestCompleteStructured(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected response_format json_object, got %+v", req.ResponseFormat)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("expected bearer auth header, got %q", got)
		}
		resp := openaiResponse{
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: `{"steps": []}`},
				FinishReason: "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	})

	raw, err := client.CompleteStructured(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("CompleteStructured failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("response is not decodable JSON: %v", err)
	}
	if _, ok := decoded["steps"]; !ok {
		t.Errorf("expected 'steps' key in response, got %v", decoded)
	}
}

func TestCompleteStructuredRejectsNonJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := openaiResponse{
			Choices: []openaiChoice{{
				Message:      openaiMessage{Role: "assistant", Content: "not json at all"},
				FinishReason: "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	})

	if _, err := client.CompleteStructured(context.Background(), "s", "p"); err == nil {
		t.Fatal("expected error for non-JSON response, got nil")
	}
}

func TestCompleteStructuredAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"type": "rate_limit", "message": "slow down"}}`)
	})

	_, err := client.CompleteStructured(context.Background(), "s", "p")
	if err == nil {
		t.Fatal("expected error for 429 status, got nil")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected status code in error, got: %v", err)
	}
}

func TestChatStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true in request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hello", ", ", "world"} {
			chunk := openaiStreamChunk{Choices: []openaiStreamChoice{{Delta: openaiStreamDelta{Content: frag}}}}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var got strings.Builder
	err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(fragment string) error {
		got.WriteString(fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if got.String() != "Hello, world" {
		t.Errorf("expected 'Hello, world', got %q", got.String())
	}
}

func TestChatStreamCallbackErrorAborts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 10; i++ {
			chunk := openaiStreamChunk{Choices: []openaiStreamChoice{{Delta: openaiStreamDelta{Content: "x"}}}}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	wantErr := fmt.Errorf("client went away")
	calls := 0
	err := client.ChatStream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(fragment string) error {
		calls++
		return wantErr
	})
	if err == nil || !strings.Contains(err.Error(), "client went away") {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected stream to stop after first callback error, got %d calls", calls)
	}
}
