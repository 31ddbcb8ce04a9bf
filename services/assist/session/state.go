// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the per-connection workflow state: the active plan,
// the execution cursor, the accumulated context, any open human-input gate,
// and the rolling conversation history. State survives across messages on
// the same connection and is persisted between them.
package session

import (
	"time"
)

// maxHistoryTurns bounds the rolling conversation history kept on a
// session. Older turns are evicted oldest-first.
const maxHistoryTurns = 20

// StepStatus describes where a planned step sits in its lifecycle.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepAwaiting  StepStatus = "awaiting_input"
	StepCompleted StepStatus = "completed"
	StepCancelled StepStatus = "cancelled"
	StepFailed    StepStatus = "failed"
)

// GateKind discriminates the three human-input gate shapes.
type GateKind string

const (
	// GateForm asks the user to supply missing required parameters.
	GateForm GateKind = "form"
	// GateConfirmation asks the user to approve or decline a sensitive step.
	GateConfirmation GateKind = "confirmation"
	// GateSelection asks the user to pick one of several ambiguous candidates.
	GateSelection GateKind = "selection"
)

// Step is one planned tool invocation.
type Step struct {
	// ID is a stable identifier for the step within its plan.
	ID string `json:"id"`
	// Tool is the registry identifier of the tool to invoke.
	Tool string `json:"tool"`
	// Goal is the oracle's short description of what this step achieves.
	Goal string `json:"goal,omitempty"`
	// Variables holds the argument values known so far for the step.
	Variables map[string]any `json:"variables,omitempty"`
	// Missing lists required parameter names with no value yet.
	Missing []string `json:"missing,omitempty"`
	// Status tracks the step's lifecycle.
	Status StepStatus `json:"status"`
}

// Candidate is one disambiguation option for a Selection gate.
type Candidate struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Detail    string `json:"detail,omitempty"`
	Relevance string `json:"relevance,omitempty"`
}

// FormField describes one input the user must supply to resolve a Form gate.
type FormField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Gate is an open human-input gate. At most one gate is open on a session
// at any time; while it is open, no step executes.
type Gate struct {
	// Kind selects the gate shape.
	Kind GateKind `json:"kind"`
	// StepIndex is the plan index of the step this gate blocks.
	StepIndex int `json:"step_index"`
	// Fields holds the inputs requested by a Form gate.
	Fields []FormField `json:"fields,omitempty"`
	// Message is the human-readable prompt shown with the gate.
	Message string `json:"message,omitempty"`
	// Candidates holds the options offered by a Selection gate.
	Candidates []Candidate `json:"candidates,omitempty"`
	// TargetParam names the parameter a Selection gate's chosen candidate
	// ID is bound to.
	TargetParam string `json:"target_param,omitempty"`
	// AllowNone indicates a Selection gate may be declined entirely.
	AllowNone bool `json:"allow_none,omitempty"`
}

// Turn is one conversational exchange kept in the rolling history.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the full per-session workflow state.
//
// Description:
//
//	State owns everything the engine needs to resume mid-plan after any
//	message: the plan and cursor, the context accumulated from completed
//	steps, the single open gate (if any), and the capped conversation
//	history. A zero-valued State with a SessionID is a valid idle session.
//
// Thread Safety: State is NOT safe for concurrent use. The connection
// manager processes one inbound message at a time per session, so no
// internal locking is needed.
type State struct {
	// SessionID identifies the owning connection.
	SessionID string `json:"session_id"`
	// Goal is the user request the current plan serves.
	Goal string `json:"goal,omitempty"`
	// Plan is the ordered list of tool steps. Nil when idle.
	Plan []Step `json:"plan,omitempty"`
	// Cursor indexes the next step to run within Plan.
	Cursor int `json:"cursor"`
	// Context carries values produced by completed steps and gate
	// resolutions, consumed by argument resolution for later steps.
	Context map[string]any `json:"context,omitempty"`
	// Gate is the single open human-input gate, or nil.
	Gate *Gate `json:"gate,omitempty"`
	// History is the rolling conversation history, oldest first.
	History []Turn `json:"history,omitempty"`
	// UpdatedAt is the time of the last mutation, set on save.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns an idle session for the given ID.
func NewState(sessionID string) *State {
	return &State{
		SessionID: sessionID,
		Context:   map[string]any{},
	}
}

// Active reports whether a plan is in flight.
func (s *State) Active() bool {
	return s.Plan != nil && s.Cursor < len(s.Plan)
}

// CurrentStep returns the step under the cursor, or nil when the plan is
// exhausted or absent.
func (s *State) CurrentStep() *Step {
	if s.Plan == nil || s.Cursor < 0 || s.Cursor >= len(s.Plan) {
		return nil
	}
	return &s.Plan[s.Cursor]
}

// ResetPlan clears all plan-scoped state, returning the session to idle.
// History is preserved; it belongs to the conversation, not the plan.
func (s *State) ResetPlan() {
	s.Goal = ""
	s.Plan = nil
	s.Cursor = 0
	s.Context = map[string]any{}
	s.Gate = nil
}

// AppendTurn records one conversational exchange, evicting the oldest
// turns beyond the history cap.
func (s *State) AppendTurn(role, content string) {
	s.History = append(s.History, Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
}

// SetContext writes one context value, allocating the map if needed.
func (s *State) SetContext(key string, value any) {
	if s.Context == nil {
		s.Context = map[string]any{}
	}
	s.Context[key] = value
}
