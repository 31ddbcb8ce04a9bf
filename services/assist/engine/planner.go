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

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
	"github.com/AleutianAI/AleutianAssist/services/assist/session"
)

const plannerSystemPrompt = `You plan tool invocations for a personal assistant.
Given a user goal, extracted entities, and a tool catalog, produce an ordered
list of tool steps that accomplishes the goal.
Return a JSON object:
{"summary": "<one-sentence plan summary>",
 "steps": [{"tool": "<catalog tool id>", "goal": "<what this step achieves>",
            "variables": {"<param>": <value>, ...}}]}
Rules:
- Use ONLY tool ids present in the catalog. Never invent a tool.
- Seed each step's variables with every value you can derive from the goal
  and entities. Leave unknown parameters out.
- Return {"summary": "", "steps": []} when no catalog tool can help.`

type plannedStep struct {
	Tool      string         `json:"tool"`
	Goal      string         `json:"goal"`
	Variables map[string]any `json:"variables"`
}

type planResult struct {
	Summary string        `json:"summary"`
	Steps   []plannedStep `json:"steps"`
}

// catalogPrompt renders the tool catalog for oracle prompts.
func catalogPrompt(catalog *registry.Registry) string {
	var b strings.Builder
	for _, desc := range catalog.All() {
		fmt.Fprintf(&b, "- %s: %s", desc.ID, desc.Description)
		if len(desc.RequiredParams) > 0 {
			fmt.Fprintf(&b, " (required: %s)", strings.Join(desc.RequiredParams, ", "))
		}
		if len(desc.OptionalParams) > 0 {
			fmt.Fprintf(&b, " (optional: %s)", strings.Join(desc.OptionalParams, ", "))
		}
		if desc.UseWhen != "" {
			fmt.Fprintf(&b, " — use when: %s", desc.UseWhen)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// plan converts a goal plus extracted entities into an ordered step list.
//
// Description:
//
//	Steps naming tools outside the catalog are dropped with a warning, not
//	invented. An empty step list is a valid "no viable plan" outcome. Any
//	oracle or parse failure surfaces as ErrPlanningFailed and commits no
//	plan state.
//
// Outputs:
//   - []session.Step: The validated plan. May be empty.
//   - string: The human-readable plan summary.
//   - error: ErrPlanningFailed (wrapped) on oracle or parse failure.
func (e *Engine) plan(ctx context.Context, goal string, entities map[string]any) ([]session.Step, string, error) {
	if e.oracle == nil {
		return nil, "", fmt.Errorf("%w: %w", ErrPlanningFailed, ErrOracleUnavailable)
	}

	entityJSON, err := json.Marshal(entities)
	if err != nil {
		entityJSON = []byte("{}")
	}
	prompt := fmt.Sprintf("Goal:\n%s\n\nExtracted entities:\n%s\n\nTool catalog:\n%s",
		goal, entityJSON, catalogPrompt(e.catalog))

	raw, err := e.oracle.CompleteStructured(ctx, plannerSystemPrompt, prompt)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("planning").Inc()
		return nil, "", fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}

	var result planResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.metrics.OracleFailures.WithLabelValues("planning").Inc()
		return nil, "", fmt.Errorf("%w: malformed plan output: %w", ErrPlanningFailed, err)
	}

	steps := make([]session.Step, 0, len(result.Steps))
	for _, planned := range result.Steps {
		if !e.catalog.Has(planned.Tool) {
			slog.Warn("Planner referenced a tool outside the catalog, dropping step",
				slog.String("tool", planned.Tool))
			continue
		}
		variables := planned.Variables
		if variables == nil {
			variables = map[string]any{}
		}
		steps = append(steps, session.Step{
			ID:        uuid.NewString(),
			Tool:      planned.Tool,
			Goal:      planned.Goal,
			Variables: variables,
			Status:    session.StepPending,
		})
	}

	slog.Info("Plan constructed",
		slog.Int("steps", len(steps)),
		slog.Int("dropped", len(result.Steps)-len(steps)),
	)
	return steps, result.Summary, nil
}
