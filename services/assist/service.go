// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assist assembles the workflow assistant service: the tool
// catalog, the execution engine, session persistence, and the websocket
// and REST surfaces.
package assist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianAssist/services/assist/engine"
	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
	"github.com/AleutianAI/AleutianAssist/services/assist/session"
	assistbadger "github.com/AleutianAI/AleutianAssist/services/assist/storage/badger"
	"github.com/AleutianAI/AleutianAssist/services/assist/tools"
	"github.com/AleutianAI/AleutianAssist/services/assist/ws"
	"github.com/AleutianAI/AleutianAssist/services/llm"
)

// Service bundles the assembled collaborators behind the HTTP surface.
type Service struct {
	Catalog *registry.Registry
	Engine  *engine.Engine
	Manager *ws.Manager
	DB      *assistbadger.DB
}

// Options configures service assembly.
type Options struct {
	// DB is the open storage handle for sessions and turn logs.
	DB *assistbadger.DB
	// Oracle may be nil; the engine then degrades per stage.
	Oracle *llm.OpenAIClient
	// Metrics is the Prometheus registerer for engine metrics.
	Metrics prometheus.Registerer
	// RegisterTools wires concrete tool implementations into the dispatch
	// table. Nil leaves every tool unimplemented, which surfaces as a
	// recoverable execution error per step.
	RegisterTools func(d *tools.Dispatcher) error
}

// NewService assembles the assistant service.
func NewService(ctx context.Context, opts Options) (*Service, error) {
	catalog, err := registry.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("assist: loading tool catalog: %w", err)
	}

	dispatcher := tools.NewDispatcher(catalog)
	if opts.RegisterTools != nil {
		if err := opts.RegisterTools(dispatcher); err != nil {
			return nil, fmt.Errorf("assist: wiring tools: %w", err)
		}
	} else {
		slog.Warn("No tool implementations registered; every execution will report not-implemented")
	}

	if opts.Metrics == nil {
		opts.Metrics = prometheus.DefaultRegisterer
	}

	turnLog := session.NewTurnLog(opts.DB)
	store := session.NewBadgerStore(opts.DB)

	var oracle engine.Oracle
	var chatter ws.Chatter
	if opts.Oracle != nil {
		oracle = opts.Oracle
		chatter = opts.Oracle
	}

	eng := engine.New(catalog, oracle, dispatcher, turnLog, engine.NewMetrics(opts.Metrics))
	manager := ws.NewManager(eng, store, turnLog, chatter)

	return &Service{
		Catalog: catalog,
		Engine:  eng,
		Manager: manager,
		DB:      opts.DB,
	}, nil
}
