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

	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// Oracle is the structured-completion service the engine consults for
// planning, parameter resolution, verification, and candidate matching.
// Every call may fail or return malformed JSON; each caller has its own
// degradation policy.
type Oracle interface {
	CompleteStructured(ctx context.Context, system, prompt string) (json.RawMessage, error)
	CompleteStructuredMessages(ctx context.Context, messages []llm.Message) (json.RawMessage, error)
}
