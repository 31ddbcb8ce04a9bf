// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assist

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAssist/services/assist/registry"
)

// RegisterRoutes mounts the assistant's HTTP surface on the router.
//
// Endpoints:
//   - GET /health                — process liveness
//   - GET /ready                 — storage readiness
//   - GET /metrics               — Prometheus exposition
//   - GET /v1/assist/ws          — workflow execution websocket
//   - GET /v1/assist/chat        — plain conversational websocket
//   - GET /v1/assist/tools       — tool catalog listing
func RegisterRoutes(router *gin.Engine, svc *Service) {
	router.GET("/health", handleHealth)
	router.GET("/ready", svc.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/assist")
	{
		v1.GET("/ws", svc.Manager.HandleWorkflow)
		v1.GET("/chat", svc.Manager.HandleChat)
		v1.GET("/tools", svc.handleListTools)
	}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady reports whether the storage layer is usable.
func (s *Service) handleReady(c *gin.Context) {
	if s.DB == nil || s.DB.IsClosed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// toolListing is the public shape of one catalog entry. Planner-only
// fields (use_when) stay internal.
type toolListing struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	RequiredParams []string `json:"required_params,omitempty"`
	OptionalParams []string `json:"optional_params,omitempty"`
	Sensitive      bool     `json:"sensitive,omitempty"`
	MultiResult    bool     `json:"multi_result,omitempty"`
}

func (s *Service) handleListTools(c *gin.Context) {
	listings := make([]toolListing, 0, s.Catalog.Len())
	for _, td := range s.Catalog.All() {
		listings = append(listings, listingOf(td))
	}
	c.JSON(http.StatusOK, gin.H{"tools": listings})
}

func listingOf(td registry.ToolDescriptor) toolListing {
	return toolListing{
		ID:             td.ID,
		Description:    td.Description,
		RequiredParams: td.RequiredParams,
		OptionalParams: td.OptionalParams,
		Sensitive:      td.Sensitive,
		MultiResult:    td.MultiResult,
	}
}
