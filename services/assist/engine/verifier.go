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

const verifierSystemPrompt = `You verify whether a tool invocation achieved its step's goal.
Given the tool, its arguments, its result payload, the session goal, and the
remaining plan, decide whether the step semantically succeeded and what
should carry forward.
Return a JSON object:
{"success": true|false,
 "summary": "<one sentence describing what happened>",
 "reason": "<only when success is false>",
 "should_continue": true|false,
 "context_for_next_step": {"<key>": <value>, ...},
 "updated_variables": {"<param>": <value>, ...}}
"context_for_next_step" holds values later steps will need (ids, times,
links). "updated_variables" corrects or enriches parameters of remaining
steps. Set "should_continue" false only when continuing would act on wrong
assumptions.`

// verdict is the Verifier's assessment of one executed step.
type verdict struct {
	Success            bool           `json:"success"`
	Summary            string         `json:"summary"`
	Reason             string         `json:"reason"`
	ShouldContinue     bool           `json:"should_continue"`
	ContextForNextStep map[string]any `json:"context_for_next_step"`
	UpdatedVariables   map[string]any `json:"updated_variables"`
	// Degraded marks the conservative fallback applied on oracle failure.
	Degraded bool `json:"-"`
}

// verifyStep asks the oracle whether an executed step succeeded.
//
// Description:
//
//	Verification is best-effort. On oracle failure the conservative
//	default applies: success mirrors the executor outcome and the plan
//	continues. The fallback is logged, never surfaced to the user.
func (e *Engine) verifyStep(ctx context.Context, state *session.State, step *session.Step, args, payload map[string]any) verdict {
	fallback := verdict{
		Success:        true,
		ShouldContinue: true,
		Degraded:       true,
	}
	if e.oracle == nil {
		return fallback
	}

	argsJSON, _ := json.Marshal(args)
	payloadJSON, _ := json.Marshal(payload)
	contextJSON, _ := json.Marshal(state.Context)

	remaining := state.Plan[state.Cursor+1:]
	remainingJSON, _ := json.Marshal(remaining)

	prompt := fmt.Sprintf(
		"Session goal:\n%s\n\nStep goal:\n%s\n\nTool: %s\nArguments:\n%s\n\n"+
			"Result payload:\n%s\n\nExecution context:\n%s\n\nRemaining plan:\n%s",
		state.Goal, step.Goal, step.Tool, argsJSON, payloadJSON, contextJSON, remainingJSON,
	)

	raw, err := e.oracle.CompleteStructured(ctx, verifierSystemPrompt, prompt)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("verification").Inc()
		slog.Warn("Verification degraded to conservative default",
			slog.String("tool", step.Tool),
			slog.String("error", err.Error()),
		)
		return fallback
	}

	// A verdict that omits should_continue must not halt the plan.
	v := verdict{ShouldContinue: true}
	if err := json.Unmarshal(raw, &v); err != nil {
		e.metrics.OracleFailures.WithLabelValues("verification").Inc()
		slog.Warn("Verification returned malformed output",
			slog.String("tool", step.Tool),
			slog.String("error", err.Error()),
		)
		return fallback
	}
	return v
}

// applyVerdict merges the verdict's carried-forward values into the
// execution context and every not-yet-executed step. Merge, never replace:
// existing context keys are overwritten individually, other keys survive.
func (e *Engine) applyVerdict(state *session.State, v verdict) {
	for k, val := range v.ContextForNextStep {
		state.SetContext(k, val)
	}
	for k, val := range v.UpdatedVariables {
		state.SetContext(k, val)
	}
	if len(v.UpdatedVariables) == 0 {
		return
	}
	for i := state.Cursor + 1; i < len(state.Plan); i++ {
		future := &state.Plan[i]
		if future.Variables == nil {
			future.Variables = map[string]any{}
		}
		for k, val := range v.UpdatedVariables {
			future.Variables[k] = val
			future.Missing = removeString(future.Missing, k)
		}
	}
}

// removeString returns s without any occurrence of v.
func removeString(s []string, v string) []string {
	out := s[:0]
	for _, item := range s {
		if item != v {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
