// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import "regexp"

// maxLogLen caps how much of an upstream payload reaches logs and error
// messages.
const maxLogLen = 500

// secretPatterns lists secret formats scrubbed from logged payloads.
// Order matters: more specific prefixes must come before less specific
// ones ("sk-ant-" before "sk-") so a key is labeled by its real class.
var secretPatterns = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`sk-ant-api03-[A-Za-z0-9_-]{20,}`), "[REDACTED:anthropic_key]"},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), "[REDACTED:openai_key]"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`), "[REDACTED:google_key]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`), "[REDACTED:bearer_token]"},
	{regexp.MustCompile(`(?i)("?(?:api_?key|token|password|secret)"?\s*[:=]\s*)"[^"]{8,}"`), `$1"[REDACTED]"`},
}

// SafeLogString prepares an upstream payload for logging: secrets are
// replaced with class labels and the result is truncated. API error bodies
// can echo request headers, so everything logged from a provider response
// goes through here.
func SafeLogString(s string) string {
	for _, p := range secretPatterns {
		s = p.re.ReplaceAllString(s, p.label)
	}
	if len(s) > maxLogLen {
		return s[:maxLogLen] + "...(truncated)"
	}
	return s
}
