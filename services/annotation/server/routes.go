// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/pkg/middleware"
)

// RegisterRoutes registers the annotation API on rg.
//
// Every route authenticates through opts.AuthProvider. Queries need the
// read action; uploads need edit. Change submission is authorized per
// change by the backend validations, since assembly-level changes need
// more than feature edits.
//
// Change Endpoints:
//
//	POST /v1/changes - Execute a change
//	GET  /v1/changes - Replay the change log (?since=&channel=&limit=)
//	GET  /v1/ws - Subscribe to channels (?channels=)
//
// Query Endpoints:
//
//	GET  /v1/features - Top-level features in a region (?refSeq=&start=&end=)
//	GET  /v1/features/:id - Top-level feature containing id
//	GET  /v1/assemblies - List assemblies
//	GET  /v1/assemblies/:id/refseqs - List an assembly's refseqs
//	GET  /v1/refseqs/:id/sequence - Read residues (?start=&end=)
//
// File Endpoints:
//
//	POST /v1/files - Upload a FASTA or GFF3 file for import
//
// Example:
//
//	handlers := server.NewHandlers(executor, store, files, hub)
//	v1 := router.Group("/v1")
//	server.RegisterRoutes(v1, handlers, extensions.DefaultOptions())
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, opts extensions.ServiceOptions) {
	opts = opts.Normalize()
	rg.Use(middleware.Authenticate(opts.AuthProvider))
	read := middleware.Authorize(opts.AuthzProvider, extensions.ActionRead, "assembly")
	edit := middleware.Authorize(opts.AuthzProvider, extensions.ActionEdit, "file")

	rg.POST("/changes", handlers.HandleSubmitChange)
	rg.GET("/changes", read, handlers.HandleListChanges)
	rg.GET("/ws", read, handlers.HandleWebSocket)

	rg.GET("/features", read, handlers.HandleFeaturesInRegion)
	rg.GET("/features/:id", read, handlers.HandleGetFeature)
	rg.GET("/assemblies", read, handlers.HandleListAssemblies)
	rg.GET("/assemblies/:id/refseqs", read, handlers.HandleListRefSeqs)
	rg.GET("/refseqs/:id/sequence", read, handlers.HandleGetSequence)

	rg.POST("/files", edit, handlers.HandleUploadFile)
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// ServiceName labels otelgin spans. Default "annotate".
	ServiceName string

	// Metrics serves /metrics. Default promhttp.Handler().
	Metrics http.Handler

	Options extensions.ServiceOptions
}

// NewRouter builds the complete engine: recovery, tracing, /health,
// /metrics and the /v1 API.
func NewRouter(handlers *Handlers, cfg RouterConfig) *gin.Engine {
	name := cfg.ServiceName
	if name == "" {
		name = "annotate"
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(name))

	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers, cfg.Options)
	return router
}
