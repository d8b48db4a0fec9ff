// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package types defines the domain records shared across dbpulse components.
package types

import "time"

// SourceType identifies the dialect of a monitored database.
type SourceType string

const (
	SourceMySQL    SourceType = "mysql"
	SourcePostgres SourceType = "postgres"
)

// ObservationStatus is the lifecycle state of an observation.
// IN_FLIGHT is a logical lease state layered on NEW via claim columns;
// it never persists across a completed analyzer run.
type ObservationStatus string

const (
	StatusNew      ObservationStatus = "NEW"
	StatusAnalyzed ObservationStatus = "ANALYZED"
	// StatusError quarantines rows that violated an integrity invariant.
	StatusError ObservationStatus = "ERROR"
)

// Effectiveness is the verdict on whether an analysis improved its query.
type Effectiveness string

const (
	EffectivenessPending   Effectiveness = "PENDING"
	EffectivenessConfirmed Effectiveness = "CONFIRMED"
	EffectivenessFailed    Effectiveness = "FAILED"
)

// ImprovementLevel is the analyzer's severity hint, not a measurement.
type ImprovementLevel string

const (
	ImprovementLow      ImprovementLevel = "LOW"
	ImprovementMedium   ImprovementLevel = "MEDIUM"
	ImprovementHigh     ImprovementLevel = "HIGH"
	ImprovementCritical ImprovementLevel = "CRITICAL"
)

// RecommendationKind tags the rule family a recommendation came from.
type RecommendationKind string

const (
	KindMissingIndex  RecommendationKind = "missing_index"
	KindFullScan      RecommendationKind = "full_scan"
	KindSelectStar    RecommendationKind = "select_star"
	KindNonSargable   RecommendationKind = "non_sargable"
	KindCartesianJoin RecommendationKind = "cartesian_join"
	KindUnboundedSort RecommendationKind = "unbounded_order_by"
	KindLargeOffset   RecommendationKind = "large_offset"
	KindRewrite       RecommendationKind = "rewrite"
)

// Observation is one captured slow execution on a monitored database.
type Observation struct {
	ID             string            `json:"id"`
	SourceType     SourceType        `json:"source_type"`
	SourceHost     string            `json:"source_host"`
	SourceDatabase string            `json:"source_database"`
	Fingerprint    string            `json:"fingerprint"`
	FullSQL        string            `json:"full_sql"`
	DurationMS     float64           `json:"duration_ms"`
	RowsExamined   *int64            `json:"rows_examined,omitempty"`
	RowsReturned   *int64            `json:"rows_returned,omitempty"`
	CapturedAt     time.Time         `json:"captured_at"`
	Plan           string            `json:"plan,omitempty"`
	Status         ObservationStatus `json:"status"`
	TenantScope    string            `json:"tenant_scope,omitempty"`
}

// Recommendation is one actionable item within an analysis.
// The body fields are optional; Kind and Description are always set.
type Recommendation struct {
	Kind            RecommendationKind `json:"kind"`
	Priority        int                `json:"priority"`
	Description     string             `json:"description"`
	SQL             string             `json:"sql,omitempty"`
	Rationale       string             `json:"rationale,omitempty"`
	EstimatedImpact string             `json:"estimated_impact,omitempty"`
}

// Analysis is the diagnostic record attached to an observation.
type Analysis struct {
	ID               string           `json:"id"`
	ObservationID    string           `json:"observation_id"`
	Problem          string           `json:"problem"`
	RootCause        string           `json:"root_cause"`
	Recommendations  []Recommendation `json:"recommendations"`
	ImprovementLevel ImprovementLevel `json:"improvement_level"`
	Effectiveness    Effectiveness    `json:"effectiveness"`
	GainRatio        *float64         `json:"gain_ratio,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	Provider         string           `json:"provider"`
	ModelVersion     string           `json:"model_version"`
}

// FeedbackEntry records one pre/post evaluation of an analysis.
type FeedbackEntry struct {
	ID            int64     `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	AnalysisID    string    `json:"analysis_id"`
	OldDurationMS float64   `json:"old_duration_ms"`
	NewDurationMS float64   `json:"new_duration_ms"`
	GainRatio     float64   `json:"gain_ratio"`
	CheckedAt     time.Time `json:"checked_at"`
}

// FingerprintSummary is one dashboard row grouped by fingerprint.
type FingerprintSummary struct {
	Fingerprint       string        `json:"fingerprint"`
	SampleSQL         string        `json:"sample_sql"`
	AvgDurationMS     float64       `json:"avg_duration_ms"`
	ObservationCount  int64         `json:"observation_count"`
	BestEffectiveness Effectiveness `json:"best_effectiveness"`
	MaxConfirmedGain  *float64      `json:"max_confirmed_gain,omitempty"`
	LastSeen          time.Time     `json:"last_seen"`
}

// RankedRecommendation is a confirmed recommendation kind ordered by mean gain,
// fed back into analyzer prompts.
type RankedRecommendation struct {
	Kind        RecommendationKind `json:"kind"`
	Description string             `json:"description"`
	MeanGain    float64            `json:"mean_gain"`
	SampleCount int64              `json:"sample_count"`
}

// DashboardStats aggregates counters for the stats endpoint.
type DashboardStats struct {
	TotalObservations int64            `json:"total_observations"`
	TotalAnalyses     int64            `json:"total_analyses"`
	PendingCount      int64            `json:"pending_count"`
	ConfirmedCount    int64            `json:"confirmed_count"`
	FailedCount       int64            `json:"failed_count"`
	GainHistogram     []HistogramEntry `json:"confirmed_gain_7d"`
}

// HistogramEntry is one day's bucket in the rolling confirmed-gain histogram.
type HistogramEntry struct {
	Day            string  `json:"day"`
	ConfirmedCount int64   `json:"confirmed_count"`
	MeanGain       float64 `json:"mean_gain"`
}
