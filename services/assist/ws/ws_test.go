// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianAssist/services/assist/engine"
	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
	"github.com/AleutianAI/AleutianAssist/services/assist/session"
	assistbadger "github.com/AleutianAI/AleutianAssist/services/assist/storage/badger"
	"github.com/AleutianAI/AleutianAssist/services/assist/tools"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

type stubChatter struct {
	fragments []string
}

func (s *stubChatter) ChatStream(ctx context.Context, messages []llm.Message, callback func(string) error) error {
	for _, f := range s.fragments {
		if err := callback(f); err != nil {
			return err
		}
	}
	return nil
}

func newTestServer(t *testing.T, chatter Chatter) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog, err := registry.GetDefault(context.Background())
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	db, err := assistbadger.OpenDB(assistbadger.InMemoryConfig())
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	turnLog := session.NewTurnLog(db)
	eng := engine.New(catalog, nil, tools.NewDispatcher(catalog), turnLog,
		engine.NewMetrics(prometheus.NewRegistry()))
	manager := NewManager(eng, session.NewBadgerStore(db), turnLog, chatter)

	router := gin.New()
	router.GET("/ws", manager.HandleWorkflow)
	router.GET("/chat", manager.HandleChat)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("decoding frame %q: %v", payload, err)
	}
	return msg
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dial(t, srv, "/ws?session_id=ping-test")

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "pong" {
		t.Fatalf("expected pong, got %v", msg)
	}
}

// A client-initiated heartbeat is acknowledged at the transport layer and
// never reaches the engine as an unknown message type.
func TestClientHeartbeatAcked(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dial(t, srv, "/ws?session_id=hb-test")

	if err := conn.WriteJSON(map[string]string{"type": "heartbeat"}); err != nil {
		t.Fatalf("writing heartbeat: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "heartbeat_ack" {
		t.Fatalf("expected heartbeat_ack, got %v", msg)
	}
}

// Without an oracle, a goal runs the planning-unavailable path end to end
// over the wire: status frames, then error, workflow_complete, done.
func TestWorkflowMessageSequence(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dial(t, srv, "/ws?session_id=seq-test")

	if err := conn.WriteJSON(map[string]string{"type": "message", "content": "check my mail"}); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	var types []string
	for {
		msg := readJSON(t, conn)
		msgType, _ := msg["type"].(string)
		if msgType == "ping" {
			continue
		}
		types = append(types, msgType)
		if msgType == "done" {
			break
		}
	}

	want := []string{"status", "status", "error", "workflow_complete", "done"}
	if len(types) != len(want) {
		t.Fatalf("expected sequence %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d: expected %s, got %s (full: %v)", i, want[i], types[i], types)
		}
	}
}

func TestMalformedFrameIsRecoverable(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dial(t, srv, "/ws?session_id=malformed-test")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "error" || msg["recoverable"] != true {
		t.Fatalf("expected recoverable protocol error, got %v", msg)
	}

	// The connection survives; a ping still round-trips.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "pong" {
		t.Fatalf("expected pong after recovery, got %v", msg)
	}
}

func TestGateResponseWithoutGate(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := dial(t, srv, "/ws?session_id=nogate-test")

	if err := conn.WriteJSON(map[string]any{
		"type": "hitl_response", "response_type": "confirmation", "approved": true,
	}); err != nil {
		t.Fatalf("writing response: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "error" || msg["stage"] != "protocol" {
		t.Fatalf("expected protocol error, got %v", msg)
	}
}

func TestChatStreamsFragments(t *testing.T) {
	srv := newTestServer(t, &stubChatter{fragments: []string{"Hello", " there"}})
	conn := dial(t, srv, "/chat?session_id=chat-test")

	if err := conn.WriteJSON(map[string]string{"type": "message", "content": "hi"}); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	var got strings.Builder
	for {
		msg := readJSON(t, conn)
		switch msg["type"] {
		case "chunk":
			got.WriteString(msg["content"].(string))
		case "done":
			if got.String() != "Hello there" {
				t.Fatalf("expected streamed reply, got %q", got.String())
			}
			return
		default:
			t.Fatalf("unexpected frame %v", msg)
		}
	}
}
