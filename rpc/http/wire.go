// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package http

import (
	"github.com/square/llmquota"
	"github.com/square/llmquota/stats"
)

// Rate limit headers set on every check response.
const (
	HeaderLimitRequests         = "X-RateLimit-Limit-Requests"
	HeaderRemainingRequests     = "X-RateLimit-Remaining-Requests"
	HeaderLimitInputTokens      = "X-RateLimit-Limit-Input-Tokens"
	HeaderRemainingInputTokens  = "X-RateLimit-Remaining-Input-Tokens"
	HeaderLimitOutputTokens     = "X-RateLimit-Limit-Output-Tokens"
	HeaderRemainingOutputTokens = "X-RateLimit-Remaining-Output-Tokens"
	HeaderReset                 = "X-RateLimit-Reset"
	HeaderRetryAfter            = "Retry-After"
)

// Entity names a quota holder. API keys are sent raw and hashed on arrival. An API key that
// already has the shape of a stored hash is rejected.
type Entity struct {
	EntityID   string              `json:"entity_id"`
	EntityType llmquota.EntityType `json:"entity_type"`
}

type ResolveRequest struct {
	Entity
	// Create provisions a default plan for a first-seen entity.
	Create bool `json:"create"`
}

type CheckRequest struct {
	Entity
	Model           string `json:"model"`
	Text            string `json:"text"`
	MaxOutputTokens int64  `json:"max_output_tokens,omitempty"`
}

type UsageRequest struct {
	Entity
	Model        string            `json:"model"`
	InputTokens  int64             `json:"input_tokens"`
	OutputTokens int64             `json:"output_tokens"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type UsageResponse struct {
	Recorded bool `json:"recorded"`
	Appended bool `json:"appended"`
}

type RevokeResponse struct {
	Revoked bool `json:"revoked"`
}

type PlansResponse struct {
	TenantID string                `json:"tenant_id"`
	Plans    []*llmquota.UsagePlan `json:"plans"`
}

type UsageRecordsResponse struct {
	TenantID string                  `json:"tenant_id"`
	Start    int64                   `json:"start"`
	End      int64                   `json:"end"`
	Records  []*llmquota.UsageRecord `json:"records"`
}

type StatsResponse struct {
	TenantID string               `json:"tenant_id"`
	Admitted []*stats.EntityScore `json:"top_admitted"`
	Denied   []*stats.EntityScore `json:"top_denied"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response other than a denied check.
type ErrorResponse struct {
	Error       string `json:"error"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description"`
}
