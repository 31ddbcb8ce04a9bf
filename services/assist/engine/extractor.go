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
)

const extractorSystemPrompt = `You extract structured parameters from a user request.
Return a JSON object: {"entities": {"<parameter_name>": <value>, ...}}.
Extract only values literally present or directly implied by the request:
email addresses, dates and times (ISO 8601), names, titles, counts, queries.
Return {"entities": {}} when nothing is extractable.`

type extractionResult struct {
	Entities map[string]any `json:"entities"`
}

// extractEntities pulls parameter candidates out of raw goal text.
//
// Description:
//
//	Best-effort: any oracle failure or malformed output degrades to an
//	empty entity map so planning still proceeds on the goal text alone.
func (e *Engine) extractEntities(ctx context.Context, goal string) map[string]any {
	if e.oracle == nil {
		return map[string]any{}
	}

	prompt := fmt.Sprintf("User request:\n%s", goal)
	raw, err := e.oracle.CompleteStructured(ctx, extractorSystemPrompt, prompt)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("extraction").Inc()
		slog.Warn("Entity extraction unavailable, continuing without entities",
			slog.String("error", err.Error()))
		return map[string]any{}
	}

	var result extractionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.metrics.OracleFailures.WithLabelValues("extraction").Inc()
		slog.Warn("Entity extraction returned malformed output",
			slog.String("error", err.Error()))
		return map[string]any{}
	}
	if result.Entities == nil {
		return map[string]any{}
	}

	slog.Debug("Extracted entities", slog.Int("count", len(result.Entities)))
	return result.Entities
}
