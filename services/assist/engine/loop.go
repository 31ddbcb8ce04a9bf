// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the workflow execution state machine: it turns
// a free-form user goal into an ordered plan of tool invocations, executes
// them one at a time, suspends behind human-input gates for missing
// parameters, sensitive actions, and ambiguous results, verifies each step
// through the reasoning oracle, and synthesizes a final answer when the
// plan completes.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
	"github.com/AleutianAI/AleutianAssist/services/assist/session"
	"github.com/AleutianAI/AleutianAssist/services/assist/tools"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// synthesisWindow is how many trailing turns feed the final synthesis.
const synthesisWindow = 15

const synthesisSystemPrompt = `You summarize a completed assistant workflow for the user.
Given the conversation turns, write the final response: what was done, any
values the user should keep (links, ids, times), and anything skipped or
cancelled. Be direct and complete.
Return a JSON object: {"response": "<final answer text>"}`

// Outcome is the stable state a processing cycle ends in.
type Outcome string

const (
	OutcomeIdle             Outcome = "idle"
	OutcomeAwaitingGate     Outcome = "awaiting_gate"
	OutcomeCompletedSuccess Outcome = "completed_success"
	OutcomeCompletedError   Outcome = "completed_error"
	OutcomeStopped          Outcome = "stopped"
)

// stepOutcome is the loop-internal result of visiting one step.
type stepOutcome int

const (
	stepAdvance stepOutcome = iota
	stepAwait
	stepFatal
	stepStop
)

// TurnRecorder is the durable turn log the engine appends to and the final
// synthesis reads from. *session.TurnLog satisfies it.
type TurnRecorder interface {
	Append(ctx context.Context, sessionID, role, content string) error
	ReadLast(ctx context.Context, sessionID string, n int) ([]session.Turn, error)
}

// Engine is the workflow execution state machine.
//
// Description:
//
//	One Engine serves all sessions; it holds no per-session state. The
//	connection layer loads session state, calls ProcessMessage, and
//	commits the mutated state once the cycle reaches a stable outcome.
//	A nil oracle is tolerated: planning reports a recoverable failure,
//	resolution and verification degrade, matching surfaces raw candidates.
//
// Thread Safety: Engine is safe for concurrent use across sessions. Calls
// for the SAME session must be serialized by the caller.
type Engine struct {
	catalog    *registry.Registry
	oracle     Oracle
	dispatcher *tools.Dispatcher
	turnLog    TurnRecorder
	metrics    *Metrics
	tracer     trace.Tracer
}

// New assembles an Engine from its collaborators.
func New(catalog *registry.Registry, oracle Oracle, dispatcher *tools.Dispatcher, turnLog TurnRecorder, metrics *Metrics) *Engine {
	if oracle == nil {
		slog.Warn("Engine starting without a reasoning oracle; planning will be unavailable")
	}
	return &Engine{
		catalog:    catalog,
		oracle:     oracle,
		dispatcher: dispatcher,
		turnLog:    turnLog,
		metrics:    metrics,
		tracer:     otel.Tracer("aleutian-assist/engine"),
	}
}

// ProcessMessage runs one full processing cycle for an inbound message.
//
// Description:
//
//	Drives the session state machine until it reaches a stable state:
//	idle, awaiting a gate, or a terminal completion. The caller commits
//	the mutated state afterwards; this method never saves.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - state: The session's mutable state, loaded by the caller.
//   - msg: The decoded inbound message.
//   - emitter: Outbound message sink. Send failures are swallowed.
//
// Outputs:
//   - Outcome: The stable state the cycle ended in.
func (e *Engine) ProcessMessage(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	ctx, span := e.tracer.Start(ctx, "engine.ProcessMessage",
		trace.WithAttributes(
			attribute.String("session.id", state.SessionID),
			attribute.String("message.type", msg.Type),
		))
	defer span.End()

	e.metrics.MessagesTotal.WithLabelValues(msg.Type).Inc()

	switch msg.Type {
	case InboundMessage:
		return e.handleUserMessage(ctx, state, msg, emitter)
	case InboundHITLResponse:
		return e.handleGateResponse(ctx, state, msg, emitter)
	default:
		emit(ctx, emitter, errorMsg("protocol", fmt.Sprintf("unknown message type %q", msg.Type), true))
		if state.Gate != nil {
			return OutcomeAwaitingGate
		}
		return OutcomeIdle
	}
}

// handleUserMessage starts a fresh goal, unless a gate is open — an open
// gate is never discarded by plain text; the gate schema is re-sent and
// only a structured hitl_response resolves it.
func (e *Engine) handleUserMessage(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	if state.Gate != nil {
		slog.Info("Plain message while a gate is open, re-sending gate",
			slog.String("session_id", state.SessionID),
			slog.String("gate_kind", string(state.Gate.Kind)),
		)
		emit(ctx, emitter, contentMsg("I still need your input on the pending request before I can continue."))
		e.reemitGate(ctx, state, emitter)
		return OutcomeAwaitingGate
	}
	if msg.Content == "" {
		emit(ctx, emitter, errorMsg("protocol", "message carried no content", true))
		return OutcomeIdle
	}

	// A fresh goal with no gate pending discards any finished or stale plan.
	state.ResetPlan()
	state.Goal = msg.Content
	e.recordTurn(ctx, state, "user", msg.Content)

	emit(ctx, emitter, statusMsg(StatusThinking, "Understanding your request..."))
	entities := e.extractEntities(ctx, msg.Content)

	emit(ctx, emitter, statusMsg(StatusChoosingTools, "Choosing the right tools..."))
	plan, summary, err := e.plan(ctx, msg.Content, entities)
	if err != nil {
		slog.Error("Planning failed",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()),
		)
		state.ResetPlan()
		emit(ctx, emitter, errorMsg("planning", "I couldn't work out a plan for that request. Please try rephrasing.", true))
		emit(ctx, emitter, workflowCompleteMsg(CompleteError))
		emit(ctx, emitter, doneMsg())
		return OutcomeCompletedError
	}
	if len(plan) == 0 {
		answer := "I don't have a tool that can help with that request."
		e.recordTurn(ctx, state, "assistant", answer)
		state.ResetPlan()
		emit(ctx, emitter, contentMsg(answer))
		emit(ctx, emitter, doneMsg())
		return OutcomeIdle
	}

	state.Plan = plan
	state.Cursor = 0
	// Extracted entities seed the execution context so the resolver's
	// context-first precedence sees them on every step visit.
	for k, v := range entities {
		state.SetContext(k, v)
	}
	emit(ctx, emitter, planPreviewMsg(summary, plan, entities))

	return e.runPlan(ctx, state, emitter)
}

// runPlan advances through the plan from the current cursor until it is
// exhausted, a gate suspends it, or a fatal error clears it.
func (e *Engine) runPlan(ctx context.Context, state *session.State, emitter Emitter) Outcome {
	finalStatus := CompleteSuccess

loop:
	for state.Active() {
		step := state.CurrentStep()
		if step.Status == session.StepCompleted || step.Status == session.StepCancelled {
			state.Cursor++
			continue
		}

		switch e.executeStep(ctx, state, step, emitter) {
		case stepAwait:
			return OutcomeAwaitingGate
		case stepFatal:
			return OutcomeCompletedError
		case stepStop:
			finalStatus = CompleteStopped
			break loop
		case stepAdvance:
			state.Cursor++
		}
	}

	return e.synthesize(ctx, state, emitter, finalStatus)
}

// executeStep handles the gate-opening phase of one step: argument
// resolution, the missing-parameter form, and the sensitive-tool
// confirmation. Steps that clear both gates proceed to invocation.
func (e *Engine) executeStep(ctx context.Context, state *session.State, step *session.Step, emitter Emitter) stepOutcome {
	if !e.catalog.Has(step.Tool) {
		slog.Warn("Dropping step with unknown tool", slog.String("tool", step.Tool))
		step.Status = session.StepCancelled
		return stepAdvance
	}

	args, missing, degraded := e.resolveArguments(ctx, state, step)
	step.Variables = args
	step.Missing = missing
	if degraded {
		slog.Debug("Step resolved with degraded arguments", slog.String("tool", step.Tool))
	}

	if len(missing) > 0 {
		state.Gate = &session.Gate{
			Kind:      session.GateForm,
			StepIndex: state.Cursor,
			Fields:    formFields(missing),
			Message:   fmt.Sprintf("I need a few more details before running %s.", step.Tool),
		}
		step.Status = session.StepAwaiting
		e.metrics.GatesOpened.WithLabelValues(string(session.GateForm)).Inc()
		emit(ctx, emitter, formMsg(step.Tool, state.Gate.Fields, state.Gate.Message))
		return stepAwait
	}

	// Sensitive tools always require explicit approval, even with a
	// complete argument set.
	if e.catalog.IsSensitive(step.Tool) {
		state.Gate = &session.Gate{
			Kind:      session.GateConfirmation,
			StepIndex: state.Cursor,
			Message:   fmt.Sprintf("Please confirm before I run %s.", step.Tool),
		}
		step.Status = session.StepAwaiting
		e.metrics.GatesOpened.WithLabelValues(string(session.GateConfirmation)).Inc()
		emit(ctx, emitter, confirmationMsg(step.Tool, step.Variables, state.Gate.Message))
		return stepAwait
	}

	return e.invokeStep(ctx, state, step, emitter)
}

// invokeStep dispatches a fully gated step to its tool, disambiguates
// multi-result output, and verifies the outcome.
func (e *Engine) invokeStep(ctx context.Context, state *session.State, step *session.Step, emitter Emitter) stepOutcome {
	start := time.Now()
	defer func() {
		e.metrics.StepDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, span := e.tracer.Start(ctx, "engine.InvokeTool",
		trace.WithAttributes(attribute.String("tool.id", step.Tool)))
	defer span.End()

	emit(ctx, emitter, statusMsg(StatusExecutingTool, fmt.Sprintf("Running %s...", step.Tool)))

	payload, err := e.dispatcher.Execute(ctx, step.Tool, step.Variables)
	if err != nil {
		e.metrics.ToolExecutions.WithLabelValues(step.Tool, "error").Inc()
		emit(ctx, emitter, toolResultMsg(step.Tool, false, nil, err.Error()))
		return e.failPlan(ctx, state, step, emitter, err)
	}
	e.metrics.ToolExecutions.WithLabelValues(step.Tool, "success").Inc()
	emit(ctx, emitter, toolResultMsg(step.Tool, true, payload, ""))

	if desc := e.catalog.Get(step.Tool); desc != nil && desc.MultiResult {
		if out, handled := e.disambiguate(ctx, state, step, desc.SelectionParam, payload, emitter); handled {
			return out
		}
	}

	v := e.verifyStep(ctx, state, step, step.Variables, payload)
	e.applyVerdict(state, v)

	summary := v.Summary
	if summary == "" {
		summary = fmt.Sprintf("Completed %s.", step.Tool)
	}
	e.recordTurn(ctx, state, "assistant", summary)

	if v.Success {
		step.Status = session.StepCompleted
	} else {
		step.Status = session.StepFailed
		reason := v.Reason
		if reason == "" {
			reason = summary
		}
		emit(ctx, emitter, contentMsg(fmt.Sprintf("That step didn't go as expected: %s", reason)))
	}

	if !v.ShouldContinue {
		slog.Info("Verifier stopped the plan",
			slog.String("tool", step.Tool),
			slog.String("reason", v.Reason),
		)
		return stepStop
	}
	return stepAdvance
}

// disambiguate routes multi-result tool output: auto-binds a single or
// confident match, reports "no good matches", or opens a Selection gate.
// handled=false means the payload needs no disambiguation and the normal
// verification path continues.
func (e *Engine) disambiguate(ctx context.Context, state *session.State, step *session.Step, targetParam string, payload map[string]any, emitter Emitter) (stepOutcome, bool) {
	candidates := extractCandidates(payload)
	if len(candidates) == 0 {
		// Zero raw candidates: the tool simply found nothing; the verifier
		// judges that on the normal path.
		return 0, false
	}

	if len(candidates) == 1 {
		e.bindSelection(state, state.Cursor, targetParam, candidates[0].ID)
		emit(ctx, emitter, contentMsg(fmt.Sprintf("Found %q.", candidates[0].Name)))
		return 0, false
	}

	verdict := e.matchCandidates(ctx, state.Goal, step.Goal, candidates)

	if verdict.BestMatchID != "" {
		var name string
		for _, c := range verdict.Matches {
			if c.ID == verdict.BestMatchID {
				name = c.Name
				break
			}
		}
		e.bindSelection(state, state.Cursor, targetParam, verdict.BestMatchID)
		e.recordTurn(ctx, state, "assistant", fmt.Sprintf("Auto-selected %q (%s)", name, verdict.BestMatchID))
		emit(ctx, emitter, contentMsg(fmt.Sprintf("I picked %q as the clear match.", name)))
		return 0, false
	}

	if len(verdict.Matches) == 0 && !verdict.Degraded {
		answer := "None of the results look like a good match for what you asked."
		e.recordTurn(ctx, state, "assistant", answer)
		emit(ctx, emitter, contentMsg(answer))
		step.Status = session.StepCompleted
		return stepAdvance, true
	}

	state.Gate = &session.Gate{
		Kind:        session.GateSelection,
		StepIndex:   state.Cursor,
		Candidates:  verdict.Matches,
		TargetParam: targetParam,
		AllowNone:   true,
		Message:     "Which one did you mean?",
	}
	step.Status = session.StepAwaiting
	e.metrics.GatesOpened.WithLabelValues(string(session.GateSelection)).Inc()
	emit(ctx, emitter, selectionMsg(step.Tool, verdict.Matches, true, state.Gate.Message))
	return stepAwait, true
}

// failPlan applies the fatal tool-error policy: the plan and its context
// are cleared, the session stays alive, and exactly one error plus one
// terminal workflow_complete pair goes out.
func (e *Engine) failPlan(ctx context.Context, state *session.State, step *session.Step, emitter Emitter, toolErr error) stepOutcome {
	slog.Error("Tool execution failed, abandoning plan",
		slog.String("session_id", state.SessionID),
		slog.String("tool", step.Tool),
		slog.String("error", toolErr.Error()),
	)

	e.recordTurn(ctx, state, "assistant", fmt.Sprintf("Action failed: %s (%s)", step.Tool, toolErr))
	state.ResetPlan()

	emit(ctx, emitter, errorMsg("processing", fmt.Sprintf("%s failed: %s", step.Tool, toolErr), true))
	emit(ctx, emitter, workflowCompleteMsg(CompleteError))
	emit(ctx, emitter, doneMsg())
	return stepFatal
}

// synthesize produces the final user-facing answer from the trailing turn
// log, emits the terminal notifications, and returns the session to idle.
func (e *Engine) synthesize(ctx context.Context, state *session.State, emitter Emitter, status string) Outcome {
	answer := e.synthesizeAnswer(ctx, state)
	e.recordTurn(ctx, state, "assistant", answer)
	state.ResetPlan()

	emit(ctx, emitter, contentMsg(answer))
	emit(ctx, emitter, workflowCompleteMsg(status))
	emit(ctx, emitter, doneMsg())

	if status == CompleteStopped {
		return OutcomeStopped
	}
	return OutcomeCompletedSuccess
}

// synthesizeAnswer asks the oracle for the final summary over the trailing
// turn window, degrading to a fixed acknowledgment when unavailable.
func (e *Engine) synthesizeAnswer(ctx context.Context, state *session.State) string {
	const fallback = "I've completed the requested steps."
	if e.oracle == nil {
		return fallback
	}

	turns, err := e.turnLog.ReadLast(ctx, state.SessionID, synthesisWindow)
	if err != nil {
		slog.Warn("Turn log unavailable for synthesis", slog.String("error", err.Error()))
		return fallback
	}

	messages := make([]llm.Message, 0, len(turns)+2)
	messages = append(messages, llm.Message{Role: "system", Content: synthesisSystemPrompt})
	for _, turn := range turns {
		role := turn.Role
		if role != "user" && role != "assistant" {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: "Provide the final summary now."})

	raw, err := e.oracle.CompleteStructuredMessages(ctx, messages)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("synthesis").Inc()
		slog.Warn("Synthesis unavailable, using fallback answer", slog.String("error", err.Error()))
		return fallback
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || result.Response == "" {
		e.metrics.OracleFailures.WithLabelValues("synthesis").Inc()
		return fallback
	}
	return result.Response
}

// recordTurn appends one turn to both the capped in-state history and the
// durable turn log. Log failures are logged, not fatal.
func (e *Engine) recordTurn(ctx context.Context, state *session.State, role, content string) {
	state.AppendTurn(role, content)
	if e.turnLog == nil {
		return
	}
	if err := e.turnLog.Append(ctx, state.SessionID, role, content); err != nil {
		slog.Warn("Turn log append failed",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()),
		)
	}
}
