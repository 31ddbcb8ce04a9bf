// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ws owns the duplex connection lifecycle: upgrade, heartbeat
// liveness, the sequential message dispatch loop, and graceful teardown.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianAssist/services/assist/engine"
)

// writeTimeout bounds a single frame write so one stalled client cannot
// wedge its writer.
const writeTimeout = 10 * time.Second

// Conn wraps a websocket connection with a write lock and liveness
// bookkeeping. Reads stay single-goroutine; writes may come from both the
// dispatch loop and the heartbeat loop and are serialized here.
//
// Thread Safety: WriteJSON/Emit are safe for concurrent use. ReadMessage
// must be called from one goroutine only.
type Conn struct {
	ws *websocket.Conn

	mu      sync.Mutex
	lastAck time.Time
}

// Wrap adopts an upgraded websocket connection.
func Wrap(wsConn *websocket.Conn) *Conn {
	return &Conn{
		ws:      wsConn,
		lastAck: time.Now(),
	}
}

// WriteJSON sends one JSON frame under the write lock.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// Emit satisfies engine.Emitter. Failures propagate to the engine, which
// logs and continues; a closed transport never aborts a cycle.
func (c *Conn) Emit(_ context.Context, msg engine.Outbound) error {
	return c.WriteJSON(msg)
}

// ReadMessage blocks for the next frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, payload, err := c.ws.ReadMessage()
	return payload, err
}

// NoteAck records a liveness acknowledgment from the client.
func (c *Conn) NoteAck() {
	c.mu.Lock()
	c.lastAck = time.Now()
	c.mu.Unlock()
}

// SinceAck reports how long ago the last liveness acknowledgment arrived.
func (c *Conn) SinceAck() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastAck)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
