// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAssist/services/assist/session"
)

// handleGateResponse routes a structured hitl_response to its open gate.
// A response with no open gate, or naming the wrong gate kind, is a
// protocol error; the gate (if any) stays open.
func (e *Engine) handleGateResponse(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	if state.Gate == nil {
		emit(ctx, emitter, errorMsg("protocol", "no pending request to respond to", true))
		return OutcomeIdle
	}

	gate := state.Gate
	if msg.ResponseType != string(gate.Kind) {
		emit(ctx, emitter, errorMsg("protocol",
			fmt.Sprintf("expected a %s response, got %q", gate.Kind, msg.ResponseType), true))
		e.reemitGate(ctx, state, emitter)
		return OutcomeAwaitingGate
	}
	if gate.StepIndex < 0 || gate.StepIndex >= len(state.Plan) {
		// A gate pointing outside its plan means corrupted state; recover
		// by dropping both.
		slog.Error("Gate references a step outside the plan, resetting session plan",
			slog.Int("step_index", gate.StepIndex),
			slog.Int("plan_len", len(state.Plan)),
		)
		state.ResetPlan()
		emit(ctx, emitter, errorMsg("protocol", "pending request no longer valid", true))
		return OutcomeIdle
	}

	switch gate.Kind {
	case session.GateForm:
		return e.resolveFormGate(ctx, state, msg, emitter)
	case session.GateConfirmation:
		return e.resolveConfirmationGate(ctx, state, msg, emitter)
	case session.GateSelection:
		return e.resolveSelectionGate(ctx, state, msg, emitter)
	default:
		emit(ctx, emitter, errorMsg("protocol", fmt.Sprintf("unknown gate kind %q", gate.Kind), true))
		return OutcomeAwaitingGate
	}
}

// reemitGate resends the open gate's schema so the client can retry after
// a malformed or unrelated message.
func (e *Engine) reemitGate(ctx context.Context, state *session.State, emitter Emitter) {
	gate := state.Gate
	if gate == nil || gate.StepIndex < 0 || gate.StepIndex >= len(state.Plan) {
		return
	}
	step := state.Plan[gate.StepIndex]
	switch gate.Kind {
	case session.GateForm:
		emit(ctx, emitter, formMsg(step.Tool, gate.Fields, gate.Message))
	case session.GateConfirmation:
		emit(ctx, emitter, confirmationMsg(step.Tool, step.Variables, gate.Message))
	case session.GateSelection:
		emit(ctx, emitter, selectionMsg(step.Tool, gate.Candidates, gate.AllowNone, gate.Message))
	}
}

// resolveFormGate merges supplied field values into the step and context,
// then re-enters the loop at the same step. Resolution runs again there;
// if values are still missing a fresh form reopens.
func (e *Engine) resolveFormGate(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	gate := state.Gate
	step := &state.Plan[gate.StepIndex]

	if len(msg.Values) == 0 {
		emit(ctx, emitter, errorMsg("protocol", "form response carried no values", true))
		e.reemitGate(ctx, state, emitter)
		return OutcomeAwaitingGate
	}

	if step.Variables == nil {
		step.Variables = map[string]any{}
	}
	for name, value := range msg.Values {
		step.Variables[name] = value
		state.SetContext(name, value)
		step.Missing = removeString(step.Missing, name)
	}

	valuesJSON, _ := json.Marshal(msg.Values)
	e.recordTurn(ctx, state, "user", fmt.Sprintf("Provided details: %s", valuesJSON))

	state.Gate = nil
	step.Status = session.StepPending
	state.Cursor = gate.StepIndex

	slog.Info("Form gate resolved",
		slog.String("tool", step.Tool),
		slog.Int("values", len(msg.Values)),
	)
	return e.runPlan(ctx, state, emitter)
}

// resolveConfirmationGate executes the gated step on approval, or cancels
// it and moves on when declined.
func (e *Engine) resolveConfirmationGate(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	gate := state.Gate
	step := &state.Plan[gate.StepIndex]
	state.Gate = nil

	if msg.Approved == nil || !*msg.Approved {
		step.Status = session.StepCancelled
		e.recordTurn(ctx, state, "assistant", fmt.Sprintf("Action cancelled: %s", step.Tool))
		emit(ctx, emitter, contentMsg(fmt.Sprintf("Okay, I won't run %s.", step.Tool)))
		slog.Info("Confirmation declined", slog.String("tool", step.Tool))
		state.Cursor = gate.StepIndex + 1
		return e.runPlan(ctx, state, emitter)
	}

	slog.Info("Confirmation approved", slog.String("tool", step.Tool))
	step.Status = session.StepPending
	state.Cursor = gate.StepIndex

	switch out := e.invokeStep(ctx, state, step, emitter); out {
	case stepAwait:
		return OutcomeAwaitingGate
	case stepFatal:
		return OutcomeCompletedError
	case stepStop:
		return e.synthesize(ctx, state, emitter, CompleteStopped)
	default:
		state.Cursor++
		return e.runPlan(ctx, state, emitter)
	}
}

// resolveSelectionGate binds the chosen candidate id to the gate's target
// parameter and propagates it into every remaining step, or cancels the
// step when the user declines all candidates.
func (e *Engine) resolveSelectionGate(ctx context.Context, state *session.State, msg Inbound, emitter Emitter) Outcome {
	gate := state.Gate
	step := &state.Plan[gate.StepIndex]

	if msg.SelectedID == "" {
		state.Gate = nil
		step.Status = session.StepCancelled
		e.recordTurn(ctx, state, "assistant", fmt.Sprintf("No candidate selected for %s", step.Tool))
		emit(ctx, emitter, contentMsg("Okay, I'll skip that."))
		slog.Info("Selection declined", slog.String("tool", step.Tool))
		state.Cursor = gate.StepIndex + 1
		return e.runPlan(ctx, state, emitter)
	}

	var chosen *session.Candidate
	for i := range gate.Candidates {
		if gate.Candidates[i].ID == msg.SelectedID {
			chosen = &gate.Candidates[i]
			break
		}
	}
	if chosen == nil {
		emit(ctx, emitter, errorMsg("protocol",
			fmt.Sprintf("selected id %q is not among the offered candidates", msg.SelectedID), true))
		e.reemitGate(ctx, state, emitter)
		return OutcomeAwaitingGate
	}

	state.Gate = nil
	e.bindSelection(state, gate.StepIndex, gate.TargetParam, chosen.ID)
	step.Status = session.StepCompleted
	e.recordTurn(ctx, state, "assistant", fmt.Sprintf("Selected %q (%s)", chosen.Name, chosen.ID))

	slog.Info("Selection resolved",
		slog.String("tool", step.Tool),
		slog.String("selected", chosen.ID),
	)
	state.Cursor = gate.StepIndex + 1
	return e.runPlan(ctx, state, emitter)
}

// bindSelection writes a chosen candidate id into the execution context
// under the target parameter and into every step after fromIndex that
// could consume it, clearing it from those steps' missing lists.
func (e *Engine) bindSelection(state *session.State, fromIndex int, param, id string) {
	if param == "" {
		return
	}
	state.SetContext(param, id)
	if fromIndex >= 0 && fromIndex < len(state.Plan) {
		step := &state.Plan[fromIndex]
		if step.Variables == nil {
			step.Variables = map[string]any{}
		}
		step.Variables[param] = id
	}
	for i := fromIndex + 1; i < len(state.Plan); i++ {
		future := &state.Plan[i]
		if future.Variables == nil {
			future.Variables = map[string]any{}
		}
		future.Variables[param] = id
		future.Missing = removeString(future.Missing, param)
	}
}
