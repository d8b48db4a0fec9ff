// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package oracle

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

var knownKinds = map[types.RecommendationKind]bool{
	types.KindMissingIndex:  true,
	types.KindFullScan:      true,
	types.KindSelectStar:    true,
	types.KindNonSargable:   true,
	types.KindCartesianJoin: true,
	types.KindUnboundedSort: true,
	types.KindLargeOffset:   true,
	types.KindRewrite:       true,
}

type wireRecommendation struct {
	Kind            string `json:"kind"`
	Priority        int    `json:"priority"`
	Description     string `json:"description"`
	SQL             string `json:"sql"`
	Rationale       string `json:"rationale"`
	EstimatedImpact string `json:"estimated_impact"`
}

type wireVerdict struct {
	Problem          string               `json:"problem"`
	RootCause        string               `json:"root_cause"`
	ImprovementLevel string               `json:"improvement_level"`
	Recommendations  []wireRecommendation `json:"recommendations"`
}

// ParseVerdict extracts the structured verdict from raw model text. Models
// wrap JSON in prose or code fences often enough that this parses the
// outermost object rather than the whole message. Anything unusable is
// ErrMalformedResponse; the caller falls back to rule findings.
func ParseVerdict(text string) (*Response, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}

	var verdict wireVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	recs := make([]types.Recommendation, 0, len(verdict.Recommendations))
	for i, wr := range verdict.Recommendations {
		if strings.TrimSpace(wr.Description) == "" {
			continue
		}
		kind := types.RecommendationKind(strings.ToLower(strings.TrimSpace(wr.Kind)))
		if !knownKinds[kind] {
			// Unknown kinds carrying SQL are still useful as rewrites.
			if strings.TrimSpace(wr.SQL) == "" {
				continue
			}
			kind = types.KindRewrite
		}
		priority := wr.Priority
		if priority <= 0 {
			priority = i + 1
		}
		recs = append(recs, types.Recommendation{
			Kind:            kind,
			Priority:        priority,
			Description:     strings.TrimSpace(wr.Description),
			SQL:             strings.TrimSpace(wr.SQL),
			Rationale:       strings.TrimSpace(wr.Rationale),
			EstimatedImpact: strings.TrimSpace(wr.EstimatedImpact),
		})
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no usable recommendations", ErrMalformedResponse)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })

	level := types.ImprovementLevel(strings.ToUpper(strings.TrimSpace(verdict.ImprovementLevel)))
	switch level {
	case types.ImprovementLow, types.ImprovementMedium, types.ImprovementHigh, types.ImprovementCritical:
	default:
		level = types.ImprovementMedium
	}

	return &Response{
		Problem:          strings.TrimSpace(verdict.Problem),
		RootCause:        strings.TrimSpace(verdict.RootCause),
		Recommendations:  recs,
		ImprovementLevel: level,
	}, nil
}
