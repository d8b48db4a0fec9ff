// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/collector"
	"github.com/teradata-labs/dbpulse/pkg/scheduler"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

type errorBody struct {
	Error string `json:"error"`
}

// apiToken extracts the caller's credential: a Bearer token or the
// X-API-Key header.
func apiToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorBody{Error: msg})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleSlowQueries lists fingerprint summaries. Params: source_type,
// min_duration_ms, limit, offset.
func (h *HTTPServer) handleSlowQueries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.SummaryFilter{Limit: defaultPageLimit}

	if v := q.Get("source_type"); v != "" {
		st := types.SourceType(v)
		if st != types.SourceMySQL && st != types.SourcePostgres {
			h.writeError(w, http.StatusBadRequest, "unknown source_type "+v)
			return
		}
		filter.SourceType = st
	}
	if v := q.Get("min_duration_ms"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid min_duration_ms")
			return
		}
		filter.MinDurationMS = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = min(n, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	filter.TenantScope = q.Get("tenant_scope")

	if h.resolver != nil {
		identity, err := h.resolver.Resolve(r.Context(), apiToken(r))
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unknown API key")
			return
		}
		// The caller's resolved scope always wins over the query param.
		filter.TenantScope = identity.Scope
	}

	summaries, err := h.store.SummarizeByFingerprint(r.Context(), filter)
	if err != nil {
		h.logger.Error("Summary query failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "summary query failed")
		return
	}
	if summaries == nil {
		summaries = []*types.FingerprintSummary{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"slow_queries": summaries,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

// slowQueryDetail is the per-observation response: the raw capture, its
// analysis when one exists, and the feedback timeline for the fingerprint.
type slowQueryDetail struct {
	Observation *types.Observation     `json:"observation"`
	Analysis    *types.Analysis        `json:"analysis,omitempty"`
	Feedback    []*types.FeedbackEntry `json:"feedback"`
}

func (h *HTTPServer) handleSlowQueryDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	obs, err := h.store.GetObservation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "observation "+id+" not found")
		return
	}
	if err != nil {
		h.logger.Error("Observation lookup failed", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "observation lookup failed")
		return
	}

	detail := slowQueryDetail{Observation: obs, Feedback: []*types.FeedbackEntry{}}

	analysis, err := h.store.AnalysisForObservation(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Not yet analyzed.
	case err != nil:
		h.logger.Error("Analysis lookup failed", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "analysis lookup failed")
		return
	default:
		detail.Analysis = analysis
	}

	timeline, err := h.store.FeedbackTimeline(r.Context(), obs.Fingerprint)
	if err != nil {
		h.logger.Error("Feedback lookup failed", zap.String("id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "feedback lookup failed")
		return
	}
	if timeline != nil {
		detail.Feedback = timeline
	}

	h.writeJSON(w, http.StatusOK, detail)
}

func (h *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.DashboardStats(r.Context())
	if err != nil {
		h.logger.Error("Dashboard query failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dashboard query failed")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPServer) handleProbes(w http.ResponseWriter, _ *http.Request) {
	probes := []collector.HealthSnapshot{}
	if h.probes != nil {
		probes = h.probes.Health()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"probes": probes})
}

func (h *HTTPServer) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobStatus{}
	if h.jobs != nil {
		jobs = h.jobs.Status()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
