// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

package llmquota

import (
	"fmt"
	"strings"
	"time"
)

// EntityType is the kind of quota holder a plan is attached to.
type EntityType string

const (
	EntityUser       EntityType = "USER"
	EntityAPIKey     EntityType = "API_KEY"
	EntityService    EntityType = "SERVICE"
	EntityDepartment EntityType = "DEPARTMENT"
	EntityProject    EntityType = "PROJECT"
)

// EntityTypes lists every known EntityType.
var EntityTypes = []EntityType{EntityUser, EntityAPIKey, EntityService, EntityDepartment, EntityProject}

const (
	// SystemTenant is the tenant plans belong to when none is given.
	SystemTenant = "SYSTEM"

	// WildcardModel in ModelPermissions permits every model.
	WildcardModel = "*"
)

// ParseEntityType parses s case-insensitively. Both "api_key" and "api-key" are accepted.
func ParseEntityType(s string) (EntityType, error) {
	n := EntityType(strings.ToUpper(strings.Replace(strings.TrimSpace(s), "-", "_", -1)))
	if n.Valid() {
		return n, nil
	}
	return "", InvalidArgument("unknown entity type %q", s)
}

func (t EntityType) Valid() bool {
	for _, et := range EntityTypes {
		if t == et {
			return true
		}
	}
	return false
}

func (t EntityType) String() string {
	return string(t)
}

// RateLimits holds per-minute budgets. It doubles as a usage snapshot for a single window.
// Negative values are allowed; a negative remaining budget counts as exceeded.
type RateLimits struct {
	InputTokensPerMinute  int64 `json:"input_tokens_per_minute" yaml:"input_tokens_per_minute"`
	OutputTokensPerMinute int64 `json:"output_tokens_per_minute" yaml:"output_tokens_per_minute"`
	RequestsPerMinute     int64 `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// Add returns the field-wise sum of r and o.
func (r RateLimits) Add(o RateLimits) RateLimits {
	return RateLimits{
		InputTokensPerMinute:  r.InputTokensPerMinute + o.InputTokensPerMinute,
		OutputTokensPerMinute: r.OutputTokensPerMinute + o.OutputTokensPerMinute,
		RequestsPerMinute:     r.RequestsPerMinute + o.RequestsPerMinute,
	}
}

func (r RateLimits) String() string {
	return fmt.Sprintf("{input=%d, output=%d, rpm=%d}",
		r.InputTokensPerMinute, r.OutputTokensPerMinute, r.RequestsPerMinute)
}

// UsagePlan is the quota plan of a single entity. Plans are never deleted, only deactivated.
type UsagePlan struct {
	EntityID         string                `json:"entity_id"`
	EntityType       EntityType            `json:"entity_type"`
	TenantID         string                `json:"tenant_id"`
	ModelPermissions []string              `json:"model_permissions"`
	DefaultLimits    RateLimits            `json:"default_limits"`
	ModelLimits      map[string]RateLimits `json:"model_limits,omitempty"`
	Active           bool                  `json:"active"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// DefaultPlan synthesizes the plan handed to a first-seen entity: every model permitted, the
// system default limits, and the entity as its own tenant.
func DefaultPlan(entityID string, t EntityType, defaults RateLimits) *UsagePlan {
	id := NormalizeEntityID(entityID, t)
	return &UsagePlan{
		EntityID:         id,
		EntityType:       t,
		TenantID:         id,
		ModelPermissions: []string{WildcardModel},
		DefaultLimits:    defaults,
		Active:           true,
	}
}

// LimitsFor returns the limits that apply to model: its override if one exists, the plan's
// defaults otherwise.
func (p *UsagePlan) LimitsFor(model string) RateLimits {
	if l, ok := p.ModelLimits[model]; ok {
		return l
	}
	return p.DefaultLimits
}

// Permits reports whether the plan allows calls to model.
func (p *UsagePlan) Permits(model string) bool {
	for _, m := range p.ModelPermissions {
		if m == WildcardModel || m == model {
			return true
		}
	}
	return false
}

// Normalize hashes API key ids and fills in the default tenant and permissions. It is applied
// by every store on write.
func (p *UsagePlan) Normalize() {
	p.EntityID = NormalizeEntityID(p.EntityID, p.EntityType)
	if p.TenantID == "" {
		p.TenantID = SystemTenant
	}
	if len(p.ModelPermissions) == 0 {
		p.ModelPermissions = []string{WildcardModel}
	}
}

func (p *UsagePlan) Validate() error {
	if p == nil {
		return InvalidArgument("plan is nil")
	}
	if p.EntityID == "" {
		return InvalidArgument("plan has no entity id")
	}
	if !p.EntityType.Valid() {
		return InvalidArgument("plan has unknown entity type %q", p.EntityType)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *UsagePlan) Clone() *UsagePlan {
	if p == nil {
		return nil
	}
	c := *p
	c.ModelPermissions = append([]string(nil), p.ModelPermissions...)
	if p.ModelLimits != nil {
		c.ModelLimits = make(map[string]RateLimits, len(p.ModelLimits))
		for k, v := range p.ModelLimits {
			c.ModelLimits[k] = v
		}
	}
	return &c
}

// key is the loggable form of the plan's entity.
func (p *UsagePlan) key() string {
	return PlanKey(p.EntityID, p.EntityType)
}

// String never exposes anything but the normalized entity id.
func (p *UsagePlan) String() string {
	return fmt.Sprintf("UsagePlan{%v:%v, tenant: %v, active: %v, defaults: %v}",
		p.EntityType, NormalizeEntityID(p.EntityID, p.EntityType), p.TenantID, p.Active, p.DefaultLimits)
}

// RateLimitResult is the outcome of a single admission check. It is never persisted.
type RateLimitResult struct {
	Allowed       bool       `json:"allowed"`
	TenantID      string     `json:"tenant_id"`
	ModelID       string     `json:"model_id"`
	CurrentUsage  RateLimits `json:"current_usage"`
	ModelUsage    RateLimits `json:"model_usage"`
	AppliedLimits RateLimits `json:"applied_limits"`
	ModelLimits   RateLimits `json:"model_limits"`

	// Exceeded names the first violated dimension of a denied request, e.g.
	// "tenant.requests_per_minute", "plan.inactive" or "model.not_permitted".
	Exceeded string `json:"exceeded,omitempty"`

	EstimatedInputTokens  float64 `json:"estimated_input_tokens"`
	EstimatedOutputTokens int64   `json:"estimated_output_tokens"`

	// Window is the start of the window the check ran against, in unix seconds.
	Window int64 `json:"window"`

	// Degraded is set when a fail-open policy admitted the request without counter data.
	Degraded bool `json:"degraded,omitempty"`
}

const (
	ExceededPlanInactive       = "plan.inactive"
	ExceededModelNotPermitted  = "model.not_permitted"
	exceededTenantScopePrefix  = "tenant."
	exceededModelScopePrefix   = "model."
	dimensionInputTokens       = "input_tokens_per_minute"
	dimensionOutputTokens      = "output_tokens_per_minute"
	dimensionRequestsPerMinute = "requests_per_minute"
)

// Err returns nil for an allowed result, and a denial error otherwise.
func (r *RateLimitResult) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	switch r.Exceeded {
	case ExceededPlanInactive:
		return newError("plan is inactive", ER_PLAN_INACTIVE)
	case ExceededModelNotPermitted:
		return newError(fmt.Sprintf("model %v is not permitted", r.ModelID), ER_MODEL_NOT_PERMITTED)
	default:
		return newError(fmt.Sprintf("rate limit exceeded: %v", r.Exceeded), ER_DENIED)
	}
}
