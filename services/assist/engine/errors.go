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

import "errors"

// Sentinel errors for the engine's failure taxonomy. Callers branch with
// errors.Is; wrapped variants carry the stage-specific detail.
var (
	// ErrPlanningFailed signals the oracle produced no usable plan. The
	// cycle ends without committing any plan state.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrProtocol signals a malformed inbound message. Reported to the
	// client; committed plan state is untouched.
	ErrProtocol = errors.New("protocol error")

	// ErrOracleUnavailable signals the reasoning oracle is not configured
	// or not reachable. Planning treats it as ErrPlanningFailed; resolution
	// and verification degrade instead.
	ErrOracleUnavailable = errors.New("reasoning oracle unavailable")

	// ErrConnectionClosed signals the transport closed mid-cycle. Sends
	// after close are swallowed; background work is cancelled.
	ErrConnectionClosed = errors.New("connection closed")
)
