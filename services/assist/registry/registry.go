// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the static tool catalog consumed by the planner,
// the parameter resolver, and the execution loop. The catalog is embedded,
// loaded once, validated, and immutable thereafter.
package registry

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Catalog
// =============================================================================

//go:embed tools.yaml
var defaultCatalogYAML []byte

// =============================================================================
// Catalog Types
// =============================================================================

// ToolDescriptor describes one registered tool.
//
// Description:
//
//	The descriptor is pure metadata: the callable implementation lives in the
//	tool execution table and is matched against the catalog at startup.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type ToolDescriptor struct {
	// ID is the stable tool identifier referenced by plan steps.
	ID string `yaml:"id" validate:"required"`

	// Description is shown to users in HITL schemas and to the planner.
	Description string `yaml:"description" validate:"required"`

	// RequiredParams must all be resolved before the tool may execute.
	RequiredParams []string `yaml:"required_params"`

	// OptionalParams are accepted but never gate execution.
	OptionalParams []string `yaml:"optional_params"`

	// UseWhen is usage guidance included in the planner prompt.
	UseWhen string `yaml:"use_when"`

	// Sensitive tools always open a confirmation gate before execution,
	// regardless of parameter completeness.
	Sensitive bool `yaml:"sensitive"`

	// MultiResult marks listing/search tools whose results are routed
	// through the similarity matcher.
	MultiResult bool `yaml:"multi_result"`

	// SelectionParam is the parameter a selection gate resolution writes
	// into later plan steps. Only meaningful when MultiResult is set.
	SelectionParam string `yaml:"selection_param"`
}

// catalogFile is the YAML document shape.
type catalogFile struct {
	Tools []ToolDescriptor `yaml:"tools" validate:"required,min=1,dive"`
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the immutable tool catalog.
//
// Thread Safety: Safe for concurrent use after Load.
type Registry struct {
	tools []ToolDescriptor
	byID  map[string]*ToolDescriptor
}

// Load parses and validates a YAML catalog.
//
// Description:
//
//	Validation covers struct tags (required fields) plus catalog-level
//	invariants: unique ids and a selection_param on every multi_result tool.
//
// Outputs:
//   - *Registry: The loaded catalog. Nil on error.
//   - error: Non-nil on YAML, validation, or invariant failure.
func Load(data []byte) (*Registry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("registry: parsing catalog YAML: %w", err)
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("registry: catalog validation: %w", err)
	}

	byID := make(map[string]*ToolDescriptor, len(file.Tools))
	for i := range file.Tools {
		td := &file.Tools[i]
		if _, dup := byID[td.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate tool id %q", td.ID)
		}
		if td.MultiResult && td.SelectionParam == "" {
			return nil, fmt.Errorf("registry: tool %q is multi_result but has no selection_param", td.ID)
		}
		byID[td.ID] = td
	}

	return &Registry{tools: file.Tools, byID: byID}, nil
}

// Get returns the descriptor for id, or nil if the id is not registered.
func (r *Registry) Get(id string) *ToolDescriptor {
	return r.byID[id]
}

// Has reports whether id is a registered tool.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns the catalog in declaration order. Callers must not mutate
// the returned slice.
func (r *Registry) All() []ToolDescriptor {
	return r.tools
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}

// IsSensitive reports whether id is on the confirmation policy list.
// Unknown ids are not sensitive; they never reach the executor anyway.
func (r *Registry) IsSensitive(id string) bool {
	td := r.byID[id]
	return td != nil && td.Sensitive
}

// =============================================================================
// Default Catalog Singleton
// =============================================================================

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// GetDefault returns the embedded default catalog, loading it on first call.
//
// Description:
//
//	Singleton in the style of the embedded config loaders: the first caller
//	pays the parse cost, later callers get the cached instance. A load
//	failure is sticky — the embedded catalog is part of the build, so a
//	failure is a programming error, not a runtime condition.
//
// Thread Safety: Safe for concurrent use.
func GetDefault(ctx context.Context) (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Load(defaultCatalogYAML)
		if defaultErr != nil {
			slog.Error("registry: embedded catalog failed to load",
				slog.String("error", defaultErr.Error()))
			return
		}
		slog.Info("registry: catalog loaded", slog.Int("tools", defaultReg.Len()))
	})
	_ = ctx
	return defaultReg, defaultErr
}
