// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultAnthropicModel is the default Claude model.
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	// DefaultAnthropicEndpoint is the default Anthropic API endpoint.
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 2048
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 60 * time.Second
)

// AnthropicClient implements Provider over the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string // Default: claude-sonnet-4-5-20250929
	Endpoint  string // Default: https://api.anthropic.com/v1/messages
	Timeout   time.Duration
	MaxTokens int
}

// NewAnthropicClient creates a new Anthropic oracle.
func NewAnthropicClient(config AnthropicConfig) *AnthropicClient {
	if config.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultAnthropicModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultAnthropicEndpoint
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}

	return &AnthropicClient{
		apiKey:    config.APIKey,
		model:     config.Model,
		endpoint:  config.Endpoint,
		maxTokens: config.MaxTokens,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

const systemPrompt = `You are a database performance engineer reviewing one slow SQL statement.
Respond with a single JSON object and nothing else:
{
  "problem": "one-sentence summary",
  "root_cause": "why the statement is slow",
  "improvement_level": "LOW|MEDIUM|HIGH|CRITICAL",
  "recommendations": [
    {"kind": "missing_index|full_scan|select_star|non_sargable|cartesian_join|unbounded_order_by|large_offset|rewrite",
     "priority": 1, "description": "...", "sql": "optional DDL or rewritten query",
     "rationale": "optional", "estimated_impact": "optional"}
  ]
}
Include at least three concrete query-rewrite variants among the recommendations.`

// messagesRequest is the Anthropic Messages API request body.
type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// messagesResponse is the subset of the Messages API response we read.
type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends one statement to Claude and parses the structured verdict.
func (c *AnthropicClient) Analyze(ctx context.Context, req *Request) (*Response, error) {
	apiReq := &messagesRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []message{
			{Role: "user", Content: buildPrompt(req)},
		},
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode == http.StatusRequestTimeout,
		httpResp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, respBody)}
	default:
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, respBody)
	}

	var apiResp messagesResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrMalformedResponse, apiResp.Error.Type, apiResp.Error.Message)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	parsed, err := ParseVerdict(text.String())
	if err != nil {
		return nil, err
	}
	parsed.ModelVersion = apiResp.Model
	if parsed.ModelVersion == "" {
		parsed.ModelVersion = c.model
	}
	return parsed, nil
}

// buildPrompt renders the user message: the statement, its plan, the schema
// context, the deterministic findings and the confirmed-recommendation hints.
func buildPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString("Slow statement:\n")
	b.WriteString(req.SQL)
	b.WriteString("\n")

	if req.Plan != "" {
		b.WriteString("\nExecution plan:\n")
		b.WriteString(req.Plan)
		b.WriteString("\n")
	}
	if req.SchemaContext != "" {
		b.WriteString("\nSchema context:\n")
		b.WriteString(req.SchemaContext)
		b.WriteString("\n")
	}
	if len(req.RuleFindings) > 0 {
		b.WriteString("\nStatic findings already made:\n")
		for _, f := range req.RuleFindings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Kind, f.Description)
		}
	}
	if len(req.ConfirmedHints) > 0 {
		b.WriteString("\nRecommendation kinds with measured production gains on similar queries:\n")
		for _, h := range req.ConfirmedHints {
			fmt.Fprintf(&b, "- %s: mean gain %.0f%% over %d confirmations\n",
				h.Kind, h.MeanGain*100, h.SampleCount)
		}
	}
	return b.String()
}
