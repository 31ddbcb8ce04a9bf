// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"fmt"
	"testing"

	assistbadger "github.com/AleutianAI/AleutianAssist/services/assist/storage/badger"
)

func newTestDB(t *testing.T) *assistbadger.DB {
	t.Helper()
	db, err := assistbadger.OpenDB(assistbadger.InMemoryConfig())
	if err != nil {
		t.Fatalf("opening in-memory badger: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("closing badger: %v", err)
		}
	})
	return db
}

func TestStoreLoadMissReturnsNil(t *testing.T) {
	store := NewBadgerStore(newTestDB(t))

	state, err := store.Load(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil state for unknown session, got %+v", state)
	}
}

func TestStoreMidPlanRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerStore(newTestDB(t))

	state := NewState("sess-1")
	state.Goal = "schedule a meeting with dana"
	state.Plan = []Step{
		{ID: "s1", Tool: "check_calendar_availability", Status: StepCompleted},
		{ID: "s2", Tool: "schedule_calendar_event", Status: StepPending,
			Variables: map[string]any{"title": "Sync"},
			Missing:   []string{"start_time", "end_time"}},
		{ID: "s3", Tool: "send_email", Status: StepPending},
	}
	state.Cursor = 1
	state.SetContext("availability", "free 2-3pm")
	state.Gate = &Gate{
		Kind:      GateForm,
		StepIndex: 1,
		Fields: []FormField{
			{Name: "start_time", Label: "Start Time", Type: "datetime", Required: true},
			{Name: "end_time", Label: "End Time", Type: "datetime", Required: true},
		},
	}
	state.AppendTurn("user", "schedule a meeting with dana")

	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected state after save, got nil")
	}
	if loaded.Cursor != 1 {
		t.Errorf("expected cursor 1, got %d", loaded.Cursor)
	}
	if len(loaded.Plan) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(loaded.Plan))
	}
	if loaded.Plan[0].Status != StepCompleted {
		t.Errorf("expected first step completed, got %s", loaded.Plan[0].Status)
	}
	if got := loaded.Context["availability"]; got != "free 2-3pm" {
		t.Errorf("context not preserved, got %v", got)
	}
	if loaded.Gate == nil || loaded.Gate.Kind != GateForm || loaded.Gate.StepIndex != 1 {
		t.Errorf("gate not preserved: %+v", loaded.Gate)
	}
	if len(loaded.Gate.Fields) != 2 {
		t.Errorf("expected 2 form fields, got %d", len(loaded.Gate.Fields))
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped on save")
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerStore(newTestDB(t))

	if err := store.Save(ctx, NewState("sess-del")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "sess-del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	state, err := store.Load(ctx, "sess-del")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state != nil {
		t.Errorf("expected nil after delete, got %+v", state)
	}
	// Deleting an absent session is a no-op.
	if err := store.Delete(ctx, "sess-del"); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}

func TestHistoryCap(t *testing.T) {
	state := NewState("sess-hist")
	for i := 0; i < maxHistoryTurns+7; i++ {
		state.AppendTurn("user", fmt.Sprintf("message %d", i))
	}
	if len(state.History) != maxHistoryTurns {
		t.Fatalf("expected history capped at %d, got %d", maxHistoryTurns, len(state.History))
	}
	// Eviction is oldest-first.
	if state.History[0].Content != "message 7" {
		t.Errorf("expected oldest surviving turn to be 'message 7', got %q", state.History[0].Content)
	}
	last := state.History[len(state.History)-1]
	if last.Content != fmt.Sprintf("message %d", maxHistoryTurns+6) {
		t.Errorf("expected newest turn preserved, got %q", last.Content)
	}
}

func TestResetPlanPreservesHistory(t *testing.T) {
	state := NewState("sess-reset")
	state.Goal = "do things"
	state.Plan = []Step{{ID: "s1", Tool: "read_emails"}}
	state.Cursor = 1
	state.SetContext("k", "v")
	state.Gate = &Gate{Kind: GateConfirmation, StepIndex: 0}
	state.AppendTurn("user", "do things")

	state.ResetPlan()

	if state.Plan != nil || state.Cursor != 0 || state.Gate != nil || state.Goal != "" {
		t.Errorf("expected plan-scoped state cleared, got %+v", state)
	}
	if len(state.Context) != 0 {
		t.Errorf("expected context cleared, got %v", state.Context)
	}
	if len(state.History) != 1 {
		t.Errorf("expected history preserved across reset, got %d turns", len(state.History))
	}
}

func TestTurnLogOrderedReadAndTail(t *testing.T) {
	ctx := context.Background()
	log := NewTurnLog(newTestDB(t))

	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, "sess-log", "user", fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	// A second session must not bleed into the first.
	if err := log.Append(ctx, "sess-other", "user", "unrelated"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	turns, err := log.ReadAll(ctx, "sess-log")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if want := fmt.Sprintf("turn %d", i); turn.Content != want {
			t.Errorf("turn %d out of order: got %q, want %q", i, turn.Content, want)
		}
	}

	tail, err := log.ReadLast(ctx, "sess-log", 2)
	if err != nil {
		t.Fatalf("ReadLast failed: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "turn 3" || tail[1].Content != "turn 4" {
		t.Errorf("unexpected tail: %+v", tail)
	}
}
