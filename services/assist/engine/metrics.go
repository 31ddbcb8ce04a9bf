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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the engine's operational counters.
type Metrics struct {
	MessagesTotal  *prometheus.CounterVec
	GatesOpened    *prometheus.CounterVec
	ToolExecutions *prometheus.CounterVec
	OracleFailures *prometheus.CounterVec
	StepDuration   prometheus.Histogram
}

// NewMetrics registers the engine metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assist_messages_total",
			Help: "Inbound messages processed, by message type.",
		}, []string{"type"}),
		GatesOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assist_gates_opened_total",
			Help: "Human-input gates opened, by gate kind.",
		}, []string{"kind"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assist_tool_executions_total",
			Help: "Tool executions, by tool id and outcome.",
		}, []string{"tool", "status"}),
		OracleFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "assist_oracle_failures_total",
			Help: "Reasoning oracle failures, by calling stage.",
		}, []string{"stage"}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "assist_step_duration_seconds",
			Help:    "Wall time of one plan step from resolution to verdict.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
