// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the read-only HTTP API: fingerprint summaries,
// per-observation detail with analysis and feedback timeline, dashboard
// stats, probe health and scheduler status. Write paths stay internal to
// the pipelines.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/collector"
	"github.com/teradata-labs/dbpulse/pkg/scheduler"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/tenant"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns a permissive CORS configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400, // 24 hours
	}
}

// Store is the storage surface the API reads from.
type Store interface {
	Ping(ctx context.Context) error
	SummarizeByFingerprint(ctx context.Context, filter storage.SummaryFilter) ([]*types.FingerprintSummary, error)
	GetObservation(ctx context.Context, id string) (*types.Observation, error)
	AnalysisForObservation(ctx context.Context, observationID string) (*types.Analysis, error)
	FeedbackTimeline(ctx context.Context, fingerprint string) ([]*types.FeedbackEntry, error)
	DashboardStats(ctx context.Context) (*types.DashboardStats, error)
}

// ProbeHealthSource reports per-probe collection health.
type ProbeHealthSource interface {
	Health() []collector.HealthSnapshot
}

// JobStatusSource reports scheduled job state.
type JobStatusSource interface {
	Status() []scheduler.JobStatus
}

// HTTPServer serves the read API.
type HTTPServer struct {
	store      Store
	probes     ProbeHealthSource
	jobs       JobStatusSource
	resolver   tenant.Resolver
	logger     *zap.Logger
	corsConfig CORSConfig
	httpServer *http.Server
}

// Options tunes the server.
type Options struct {
	Addr string
	CORS *CORSConfig

	// Resolver, when set, maps the caller's API key to a tenant scope and
	// restricts list queries to it. Nil serves every scope unauthenticated.
	Resolver tenant.Resolver
}

// New creates the HTTP server. probes and jobs may be nil; their endpoints
// then return empty lists.
func New(store Store, probes ProbeHealthSource, jobs JobStatusSource, logger *zap.Logger, opts Options) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cors := DefaultCORSConfig()
	if opts.CORS != nil {
		cors = *opts.CORS
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &HTTPServer{
		store:      store,
		probes:     probes,
		jobs:       jobs,
		resolver:   opts.Resolver,
		logger:     logger,
		corsConfig: cors,
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler builds the route table. Exposed for tests.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /slow-queries", h.handleSlowQueries)
	mux.HandleFunc("GET /slow-queries/{id}", h.handleSlowQueryDetail)
	mux.HandleFunc("GET /stats/dashboard", h.handleDashboard)
	mux.HandleFunc("GET /probes", h.handleProbes)
	mux.HandleFunc("GET /jobs", h.handleJobs)

	var handler http.Handler = mux
	if h.corsConfig.Enabled {
		handler = h.corsMiddleware(mux)
	}
	return handler
}

// Start serves until the listener fails or Stop is called.
func (h *HTTPServer) Start(ctx context.Context) error {
	h.httpServer.Handler = h.Handler()
	h.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	h.logger.Info("Starting HTTP server", zap.String("addr", h.httpServer.Addr))
	if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server")
	return h.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers to HTTP responses.
func (h *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if allowed := h.getAllowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
		}
		if h.corsConfig.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if len(h.corsConfig.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(h.corsConfig.AllowedMethods, ", "))
		}
		if len(h.corsConfig.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(h.corsConfig.AllowedHeaders, ", "))
		}
		if h.corsConfig.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.corsConfig.MaxAge))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPServer) getAllowedOrigin(origin string) string {
	for _, allowed := range h.corsConfig.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
