// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools dispatches planned steps to their concrete implementations.
// The dispatch table is populated at startup and validated against the tool
// catalog so a planner can never name a tool the runtime cannot find.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
)

// Func is a concrete tool implementation. It receives resolved arguments
// and returns a structured payload. Implementations report failure through
// the error return only; they must not panic.
type Func func(ctx context.Context, args map[string]any) (map[string]any, error)

// NotImplementedError marks a tool that is in the catalog but has no
// runtime implementation registered. The engine surfaces it as an ordinary
// tool failure rather than a fatal fault.
type NotImplementedError struct {
	Tool string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("tool %q is not implemented", e.Tool)
}

// Dispatcher maps catalog tool IDs to their implementations.
//
// Description:
//
//	Register binds an implementation to a catalog ID and rejects IDs the
//	catalog does not know, which catches wiring typos at startup rather
//	than at execution time. Execute looks up and invokes the bound Func.
//
// Thread Safety: Register is intended for startup wiring only; Execute is
// safe for concurrent use once registration is complete.
type Dispatcher struct {
	catalog *registry.Registry
	funcs   map[string]Func
}

// NewDispatcher creates an empty dispatch table bound to the catalog.
func NewDispatcher(catalog *registry.Registry) *Dispatcher {
	return &Dispatcher{
		catalog: catalog,
		funcs:   map[string]Func{},
	}
}

// Register binds fn to the catalog tool id.
//
// Outputs:
//   - error: Non-nil if the id is not in the catalog or already bound.
func (d *Dispatcher) Register(id string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("tools: nil implementation for %q", id)
	}
	if !d.catalog.Has(id) {
		return fmt.Errorf("tools: %q is not in the catalog", id)
	}
	if _, dup := d.funcs[id]; dup {
		return fmt.Errorf("tools: %q registered twice", id)
	}
	d.funcs[id] = fn
	return nil
}

// MustRegister is Register that panics on wiring errors. Use only during
// startup where a bad binding should stop the process.
func (d *Dispatcher) MustRegister(id string, fn Func) {
	if err := d.Register(id, fn); err != nil {
		panic(err)
	}
}

// Has reports whether an implementation is bound for id.
func (d *Dispatcher) Has(id string) bool {
	_, ok := d.funcs[id]
	return ok
}

// Execute invokes the implementation bound to id with the given arguments.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - id: Catalog tool identifier.
//   - args: Resolved arguments for the invocation.
//
// Outputs:
//   - map[string]any: The tool's structured payload. Nil on error.
//   - error: *NotImplementedError for an unbound tool, otherwise the
//     implementation's error.
func (d *Dispatcher) Execute(ctx context.Context, id string, args map[string]any) (map[string]any, error) {
	fn, ok := d.funcs[id]
	if !ok {
		slog.Warn("Tool invoked without an implementation", slog.String("tool", id))
		return nil, &NotImplementedError{Tool: id}
	}

	slog.Debug("Executing tool", slog.String("tool", id), slog.Int("args", len(args)))
	return fn(ctx, args)
}
