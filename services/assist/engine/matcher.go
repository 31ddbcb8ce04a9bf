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

// maxMatcherCandidates bounds the candidate list sent to the oracle.
const maxMatcherCandidates = 100

const matcherSystemPrompt = `You disambiguate candidate items returned by a search tool.
Given the user's goal and a candidate list, filter to the plausible matches
and rank them. Nominate a best match ONLY when exactly one candidate is
unambiguously correct.
Return a JSON object:
{"best_match_id": "<id or empty string>",
 "matches": [{"id": "...", "name": "...", "detail": "<why it matches>",
              "relevance": "High" | "Medium"}]}
An empty "matches" list means none of the candidates fit the goal.`

// matchVerdict is the Similarity Matcher's output.
type matchVerdict struct {
	// BestMatchID is set only for a single unambiguous match.
	BestMatchID string `json:"best_match_id"`
	// Matches is the filtered, ranked subset. Empty means no good matches.
	Matches []session.Candidate `json:"matches"`
	// Degraded marks an oracle failure; Matches then holds the raw
	// candidates for a human to pick from.
	Degraded bool `json:"-"`
}

// matchCandidates ranks multi-result tool output against the session goal.
//
// Description:
//
//	Candidates beyond the cap are dropped before the oracle call. On
//	oracle failure the verdict degrades: all (capped) raw candidates come
//	back unranked with Degraded set, so the caller routes them to a
//	Selection gate instead of guessing.
func (e *Engine) matchCandidates(ctx context.Context, goal, stepGoal string, candidates []session.Candidate) matchVerdict {
	if len(candidates) > maxMatcherCandidates {
		slog.Debug("Capping matcher candidates",
			slog.Int("raw", len(candidates)),
			slog.Int("cap", maxMatcherCandidates),
		)
		candidates = candidates[:maxMatcherCandidates]
	}

	if e.oracle == nil {
		return matchVerdict{Matches: candidates, Degraded: true}
	}

	candidateJSON, err := json.Marshal(candidates)
	if err != nil {
		return matchVerdict{Matches: candidates, Degraded: true}
	}
	prompt := fmt.Sprintf("User goal:\n%s\n\nStep goal:\n%s\n\nCandidates:\n%s",
		goal, stepGoal, candidateJSON)

	raw, err := e.oracle.CompleteStructured(ctx, matcherSystemPrompt, prompt)
	if err != nil {
		e.metrics.OracleFailures.WithLabelValues("matching").Inc()
		slog.Warn("Similarity matching unavailable, surfacing raw candidates",
			slog.String("error", err.Error()))
		return matchVerdict{Matches: candidates, Degraded: true}
	}

	var verdict matchVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		e.metrics.OracleFailures.WithLabelValues("matching").Inc()
		slog.Warn("Similarity matching returned malformed output",
			slog.String("error", err.Error()))
		return matchVerdict{Matches: candidates, Degraded: true}
	}

	// A best match must reference a surviving candidate.
	if verdict.BestMatchID != "" {
		found := false
		for _, c := range verdict.Matches {
			if c.ID == verdict.BestMatchID {
				found = true
				break
			}
		}
		if !found {
			slog.Warn("Matcher nominated a best match outside its own match list, ignoring",
				slog.String("best_match_id", verdict.BestMatchID))
			verdict.BestMatchID = ""
		}
	}
	return verdict
}

// extractCandidates pulls a candidate list out of a multi-result tool
// payload. Listing tools put their items under one of a few well-known
// keys; each item needs at least an id.
func extractCandidates(payload map[string]any) []session.Candidate {
	for _, key := range []string{"files", "items", "results", "emails", "events"} {
		rawList, ok := payload[key].([]any)
		if !ok {
			continue
		}
		var candidates []session.Candidate
		for _, rawItem := range rawList {
			item, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			id, _ := item["id"].(string)
			if id == "" {
				continue
			}
			name, _ := item["name"].(string)
			if name == "" {
				name, _ = item["title"].(string)
			}
			if name == "" {
				name, _ = item["subject"].(string)
			}
			detail, _ := item["detail"].(string)
			candidates = append(candidates, session.Candidate{ID: id, Name: name, Detail: detail})
		}
		if candidates != nil {
			return candidates
		}
	}
	return nil
}
