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
	"strings"

	"github.com/AleutianAI/AleutianAssist/services/assist/session"
)

const resolverSystemPrompt = `You resolve concrete arguments for one tool invocation.
Given the session goal, conversation history, execution context, the step's
declared variables, and the tool's parameter lists, produce final arguments.
Resolution precedence: execution context values first, then values derivable
from the conversation history, then the step's declared variables.
Return a JSON object:
{"arguments": {"<param>": <value>, ...}, "missing": ["<required param with no value>", ...]}
List a parameter in "missing" only when it is required and no source yields a value.`

type resolutionResult struct {
	Arguments map[string]any `json:"arguments"`
	Missing   []string       `json:"missing"`
}

// resolveArguments computes the final argument set for one step.
//
// Description:
//
//	Re-invoked on every visit to a step, including re-entry after a form
//	gate, since later visits see more history and context. On oracle
//	failure it degrades to the declared variables overlaid with execution
//	context values and recomputes the missing list locally; degraded=true
//	marks that path for logging.
//
// Outputs:
//   - map[string]any: Final arguments. Never nil.
//   - []string: Required parameters still unresolved.
//   - bool: True when the oracle was unavailable and the fallback applied.
func (e *Engine) resolveArguments(ctx context.Context, state *session.State, step *session.Step) (map[string]any, []string, bool) {
	desc := e.catalog.Get(step.Tool)
	if desc == nil {
		// Caller filters unknown tools before resolution.
		return map[string]any{}, nil, true
	}

	if e.oracle == nil {
		return e.fallbackResolution(state, step, desc.RequiredParams)
	}

	contextJSON, _ := json.Marshal(state.Context)
	declaredJSON, _ := json.Marshal(step.Variables)

	var history strings.Builder
	for _, turn := range state.History {
		fmt.Fprintf(&history, "%s: %s\n", turn.Role, turn.Content)
	}

	prompt := fmt.Sprintf(
		"Session goal:\n%s\n\nConversation history:\n%s\nExecution context:\n%s\n\n"+
			"Tool: %s — %s\nRequired parameters: %s\nOptional parameters: %s\n"+
			"Declared variables:\n%s",
		state.Goal, history.String(), contextJSON,
		desc.ID, desc.Description,
		strings.Join(desc.RequiredParams, ", "), strings.Join(desc.OptionalParams, ", "),
		declaredJSON,
	)

	raw, err := e.oracle.CompleteStructured(ctx, resolverSystemPrompt, prompt)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("resolution").Inc()
		slog.Warn("Argument resolution degraded to declared variables",
			slog.String("tool", step.Tool),
			slog.String("error", err.Error()),
		)
		return e.fallbackResolution(state, step, desc.RequiredParams)
	}

	var result resolutionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.metrics.OracleFailures.WithLabelValues("resolution").Inc()
		slog.Warn("Argument resolution returned malformed output",
			slog.String("tool", step.Tool),
			slog.String("error", err.Error()),
		)
		return e.fallbackResolution(state, step, desc.RequiredParams)
	}

	args := result.Arguments
	if args == nil {
		args = map[string]any{}
	}
	// The oracle's missing list is advisory; required coverage is enforced
	// locally so a chatty model cannot hide an absent parameter.
	missing := missingRequired(args, desc.RequiredParams)
	return args, missing, false
}

// fallbackResolution applies context values over declared variables and
// recomputes the missing list without the oracle.
func (e *Engine) fallbackResolution(state *session.State, step *session.Step, required []string) (map[string]any, []string, bool) {
	args := map[string]any{}
	for k, v := range step.Variables {
		args[k] = v
	}
	for _, name := range required {
		if _, ok := args[name]; ok {
			continue
		}
		if v, ok := state.Context[name]; ok {
			args[name] = v
		}
	}
	return args, missingRequired(args, required), true
}

// missingRequired lists required parameters with no usable value in args.
func missingRequired(args map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
