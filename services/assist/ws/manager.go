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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAssist/services/assist/engine"
	"github.com/AleutianAI/AleutianAssist/services/assist/session"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

const (
	// heartbeatInterval is how often the server probes the client.
	heartbeatInterval = 30 * time.Second
	// heartbeatTimeout is how long after a probe an acknowledgment is
	// considered timely.
	heartbeatTimeout = 10 * time.Second

	// chatHistoryWindow is how many trailing turns feed the plain chat
	// endpoint's context.
	chatHistoryWindow = 20
)

// Chatter streams a conversational response fragment-by-fragment. The
// OpenAI client satisfies it.
type Chatter interface {
	ChatStream(ctx context.Context, messages []llm.Message, callback func(fragment string) error) error
}

// Manager owns websocket sessions: it upgrades connections, runs one
// sequential dispatch loop plus one heartbeat loop per connection, and
// commits session state after every processed message.
//
// Thread Safety: Manager is safe for concurrent use; each connection gets
// its own goroutines and its own session state.
type Manager struct {
	engine   *engine.Engine
	store    session.Store
	turnLog  *session.TurnLog
	chatter  Chatter
	upgrader websocket.Upgrader
}

// NewManager assembles a Manager. chatter may be nil; the chat endpoint
// then reports unavailability per message.
func NewManager(eng *engine.Engine, store session.Store, turnLog *session.TurnLog, chatter Chatter) *Manager {
	return &Manager{
		engine:  eng,
		store:   store,
		turnLog: turnLog,
		chatter: chatter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from app origins; access control is
			// the deployment proxy's concern.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// sessionID resolves the session key for a connection: an explicit
// session_id query parameter continues an existing session, otherwise a
// fresh id is minted.
func sessionID(c *gin.Context) string {
	if id := c.Query("session_id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleWorkflow serves the workflow execution endpoint.
//
// Description:
//
//	Runs until the client disconnects. Messages are processed strictly
//	sequentially: the next frame is not read until the previous cycle
//	reached a stable outcome and state was saved. A heartbeat loop runs
//	concurrently and is cancelled and awaited on teardown.
func (m *Manager) HandleWorkflow(c *gin.Context) {
	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := Wrap(wsConn)
	defer conn.Close()

	sid := sessionID(c)
	slog.Info("Workflow session connected", slog.String("session_id", sid))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.heartbeatLoop(gctx, conn, sid)
	})
	g.Go(func() error {
		defer cancel() // read loop exit ends the heartbeat
		return m.dispatchLoop(gctx, conn, sid)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, engine.ErrConnectionClosed) {
		slog.Warn("Workflow session ended with error",
			slog.String("session_id", sid),
			slog.String("error", err.Error()),
		)
	}
	slog.Info("Workflow session closed", slog.String("session_id", sid))
}

// heartbeatLoop probes the client on a fixed interval. A missed
// acknowledgment is logged as a liveness signal; actual disconnect
// detection belongs to the transport.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *Conn, sid string) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				return engine.ErrConnectionClosed
			}
			if since := conn.SinceAck(); since > heartbeatInterval+heartbeatTimeout {
				slog.Warn("Client liveness acknowledgment overdue",
					slog.String("session_id", sid),
					slog.Duration("since_ack", since),
				)
			}
		}
	}
}

// dispatchLoop reads frames one at a time and runs a full engine cycle per
// application message, committing state before the next read.
func (m *Manager) dispatchLoop(ctx context.Context, conn *Conn, sid string) error {
	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return engine.ErrConnectionClosed
			}
			return err
		}

		var msg engine.Inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			recoverable := true
			_ = conn.WriteJSON(engine.Outbound{
				Type: engine.OutError, Stage: "protocol",
				Message: "malformed message", Recoverable: &recoverable,
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = conn.WriteJSON(map[string]string{"type": "pong"})
			continue
		case "heartbeat":
			conn.NoteAck()
			_ = conn.WriteJSON(map[string]string{"type": "heartbeat_ack"})
			continue
		case "pong", "heartbeat_ack":
			conn.NoteAck()
			continue
		}

		state, err := m.store.Load(ctx, sid)
		if err != nil {
			slog.Error("Session load failed",
				slog.String("session_id", sid),
				slog.String("error", err.Error()),
			)
			recoverable := true
			_ = conn.WriteJSON(engine.Outbound{
				Type: engine.OutError, Stage: "session",
				Message: "session state unavailable", Recoverable: &recoverable,
			})
			continue
		}
		if state == nil {
			state = session.NewState(sid)
		}

		outcome := m.engine.ProcessMessage(ctx, state, msg, conn)

		if err := m.store.Save(ctx, state); err != nil {
			slog.Error("Session save failed",
				slog.String("session_id", sid),
				slog.String("outcome", string(outcome)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleChat serves the plain conversational endpoint: no planning, no
// tools, just streamed chat over the session's turn history.
func (m *Manager) HandleChat(c *gin.Context) {
	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	conn := Wrap(wsConn)
	defer conn.Close()

	sid := sessionID(c)
	slog.Info("Chat session connected", slog.String("session_id", sid))
	ctx := c.Request.Context()

	for {
		payload, err := conn.ReadMessage()
		if err != nil {
			slog.Info("Chat session closed", slog.String("session_id", sid))
			return
		}

		var msg engine.Inbound
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != "message" || msg.Content == "" {
			_ = conn.WriteJSON(map[string]string{"type": "error", "message": "expected a message with content"})
			continue
		}

		if m.chatter == nil {
			_ = conn.WriteJSON(map[string]string{"type": "error", "message": "chat is not available"})
			continue
		}

		if err := m.turnLog.Append(ctx, sid, "user", msg.Content); err != nil {
			slog.Warn("Turn log append failed", slog.String("error", err.Error()))
		}

		if err := m.streamChat(ctx, conn, sid); err != nil {
			slog.Warn("Chat stream failed",
				slog.String("session_id", sid),
				slog.String("error", err.Error()),
			)
			_ = conn.WriteJSON(map[string]string{"type": "error", "message": "chat stream failed"})
		}
		_ = conn.WriteJSON(map[string]string{"type": "done"})
	}
}

// streamChat replays the trailing turn history into the chatter and relays
// fragments to the client, logging the assembled reply afterwards.
func (m *Manager) streamChat(ctx context.Context, conn *Conn, sid string) error {
	turns, err := m.turnLog.ReadLast(ctx, sid, chatHistoryWindow)
	if err != nil {
		return err
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: "You are a helpful personal assistant. Answer directly and concisely.",
	})
	for _, turn := range turns {
		role := turn.Role
		if role != "user" && role != "assistant" {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}

	var reply []byte
	err = m.chatter.ChatStream(ctx, messages, func(fragment string) error {
		reply = append(reply, fragment...)
		return conn.WriteJSON(map[string]string{"type": "chunk", "content": fragment})
	})
	if err != nil {
		return err
	}

	if len(reply) > 0 {
		if err := m.turnLog.Append(ctx, sid, "assistant", string(reply)); err != nil {
			slog.Warn("Turn log append failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
