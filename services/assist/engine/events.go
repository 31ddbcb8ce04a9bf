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
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAssist/services/assist/session"
)

// =============================================================================
// Inbound Messages
// =============================================================================

// Inbound message types the engine understands. Transport-level types
// (ping, heartbeat_ack) are consumed by the connection layer and never
// reach the engine.
const (
	InboundMessage      = "message"
	InboundHITLResponse = "hitl_response"
)

// Inbound is one client message after JSON decoding.
type Inbound struct {
	Type string `json:"type"`
	// Content is the free-text goal for a "message".
	Content string `json:"content,omitempty"`
	// ResponseType names the gate kind a "hitl_response" resolves:
	// form, confirmation, or selection.
	ResponseType string `json:"response_type,omitempty"`
	// Values carries the filled fields of a form response.
	Values map[string]any `json:"values,omitempty"`
	// Approved carries the verdict of a confirmation response.
	Approved *bool `json:"approved,omitempty"`
	// SelectedID carries the chosen candidate of a selection response.
	// Empty means "none of these".
	SelectedID string `json:"selected_id,omitempty"`
}

// =============================================================================
// Outbound Messages
// =============================================================================

// Outbound message types, in the order a typical cycle emits them.
const (
	OutStatus           = "status"
	OutPlanPreview      = "plan_preview"
	OutHITLForm         = "hitl_form"
	OutHITLConfirmation = "hitl_confirmation"
	OutHITLSelection    = "hitl_selection"
	OutToolResult       = "tool_result"
	OutContent          = "content"
	OutError            = "error"
	OutWorkflowComplete = "workflow_complete"
	OutDone             = "done"
)

// Status phases carried by OutStatus messages.
const (
	StatusThinking      = "thinking"
	StatusChoosingTools = "choosing_tools"
	StatusExecutingTool = "executing_tool"
)

// Workflow completion statuses.
const (
	CompleteSuccess = "success"
	CompleteError   = "error"
	CompleteStopped = "stopped"
)

// PlanPreviewStep is one row of a plan_preview message.
type PlanPreviewStep struct {
	Tool string `json:"tool"`
	Goal string `json:"goal,omitempty"`
}

// FormSchema describes the inputs requested by a hitl_form message.
type FormSchema struct {
	Tool   string              `json:"tool"`
	Fields []session.FormField `json:"fields"`
}

// ConfirmationSchema carries the resolved arguments awaiting approval.
type ConfirmationSchema struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// SelectionSchema carries the disambiguation candidates.
type SelectionSchema struct {
	Tool       string              `json:"tool"`
	Candidates []session.Candidate `json:"candidates"`
	AllowNone  bool                `json:"allow_none"`
}

// Outbound is one server message before JSON encoding. Exactly one of the
// kind-specific payload fields is set, selected by Type.
type Outbound struct {
	Type         string              `json:"type"`
	Status       string              `json:"status,omitempty"`
	Message      string              `json:"message,omitempty"`
	Stage        string              `json:"stage,omitempty"`
	Recoverable  *bool               `json:"recoverable,omitempty"`
	Summary      string              `json:"summary,omitempty"`
	Plan         []PlanPreviewStep   `json:"plan,omitempty"`
	Extracted    map[string]any      `json:"extracted_variables,omitempty"`
	Form         *FormSchema         `json:"form,omitempty"`
	Confirmation *ConfirmationSchema `json:"confirmation,omitempty"`
	Selection    *SelectionSchema    `json:"selection,omitempty"`
	Tool         string              `json:"tool,omitempty"`
	OK           *bool               `json:"ok,omitempty"`
	Result       map[string]any      `json:"result,omitempty"`
	Content      string              `json:"content,omitempty"`
}

// Emitter delivers outbound messages to the client. A closed transport
// must return an error rather than panic; the engine logs and continues.
type Emitter interface {
	Emit(ctx context.Context, msg Outbound) error
}

// =============================================================================
// Constructors
// =============================================================================

func statusMsg(status, message string) Outbound {
	return Outbound{Type: OutStatus, Status: status, Message: message}
}

func planPreviewMsg(summary string, plan []session.Step, extracted map[string]any) Outbound {
	preview := make([]PlanPreviewStep, 0, len(plan))
	for _, step := range plan {
		preview = append(preview, PlanPreviewStep{Tool: step.Tool, Goal: step.Goal})
	}
	return Outbound{Type: OutPlanPreview, Summary: summary, Plan: preview, Extracted: extracted}
}

func formMsg(tool string, fields []session.FormField, message string) Outbound {
	return Outbound{Type: OutHITLForm, Message: message, Form: &FormSchema{Tool: tool, Fields: fields}}
}

func confirmationMsg(tool string, args map[string]any, message string) Outbound {
	return Outbound{Type: OutHITLConfirmation, Message: message,
		Confirmation: &ConfirmationSchema{Tool: tool, Arguments: args}}
}

func selectionMsg(tool string, candidates []session.Candidate, allowNone bool, message string) Outbound {
	return Outbound{Type: OutHITLSelection, Message: message,
		Selection: &SelectionSchema{Tool: tool, Candidates: candidates, AllowNone: allowNone}}
}

func toolResultMsg(tool string, ok bool, result map[string]any, message string) Outbound {
	return Outbound{Type: OutToolResult, Tool: tool, OK: &ok, Result: result, Message: message}
}

func contentMsg(content string) Outbound {
	return Outbound{Type: OutContent, Content: content}
}

func errorMsg(stage, message string, recoverable bool) Outbound {
	return Outbound{Type: OutError, Stage: stage, Message: message, Recoverable: &recoverable}
}

func workflowCompleteMsg(status string) Outbound {
	return Outbound{Type: OutWorkflowComplete, Status: status}
}

func doneMsg() Outbound {
	return Outbound{Type: OutDone}
}

// emit sends one message, logging and swallowing transport errors so a
// closed connection never aborts a cycle mid-commit.
func emit(ctx context.Context, emitter Emitter, msg Outbound) {
	if err := emitter.Emit(ctx, msg); err != nil {
		slog.Warn("Dropping outbound message on closed transport",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// Form Field Inference
// =============================================================================

// inferFieldType guesses a UI input type from a parameter name so form
// gates render sensibly without per-tool schemas.
func inferFieldType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "email"):
		return "email"
	case strings.Contains(lower, "time") || strings.Contains(lower, "date"):
		return "datetime"
	case strings.Contains(lower, "body") || strings.Contains(lower, "content") ||
		strings.Contains(lower, "description") || strings.Contains(lower, "message"):
		return "textarea"
	case strings.Contains(lower, "count") || strings.Contains(lower, "limit") ||
		strings.Contains(lower, "max") || strings.Contains(lower, "number"):
		return "number"
	default:
		return "text"
	}
}

// fieldLabel renders a parameter name as a human label: "start_time"
// becomes "Start Time".
func fieldLabel(name string) string {
	parts := strings.Split(name, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

// formFields builds the field list for a Form gate over missing parameters.
func formFields(missing []string) []session.FormField {
	fields := make([]session.FormField, 0, len(missing))
	for _, name := range missing {
		fields = append(fields, session.FormField{
			Name:     name,
			Label:    fieldLabel(name),
			Type:     inferFieldType(name),
			Required: true,
		})
	}
	return fields
}
