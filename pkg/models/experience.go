package models

import "time"

// Experience routing paths.
const (
	RouteCacheHit      = "cache_hit"
	RoutePartialMatch  = "partial_match"
	RouteFullDiscovery = "full_discovery"
)

// IntentRecord is the captured intent of the original task.
type IntentRecord struct {
	Raw         string `json:"raw"`
	Fingerprint string `json:"fingerprint"` // hierarchical, e.g. "query.zoning.parcel_lookup"
	Domain      string `json:"domain"`      // broad domain, e.g. "civic.land_use"
}

// DiscoveryRecord describes how the manifest was found.
type DiscoveryRecord struct {
	QueryUsed       string  `json:"query_used"`
	ManifestMatched string  `json:"manifest_matched"`
	ManifestVersion string  `json:"manifest_version,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// ParameterMapping records how one parameter value was derived.
type ParameterMapping struct {
	Source    string `json:"source"`
	Transform string `json:"transform,omitempty"`
	ValueUsed string `json:"value_used"`
}

// InvocationRecord is the replayable recipe for calling a capability.
// Headers are recorded by name only, never with credential values.
type InvocationRecord struct {
	Endpoint         string                      `json:"endpoint"`
	Method           string                      `json:"method"`
	ParameterMapping map[string]ParameterMapping `json:"parameter_mapping"`
	HeadersRequired  []string                    `json:"headers_required"`
}

// OutcomeRecord is the result of the recorded invocation.
type OutcomeRecord struct {
	Status          string `json:"status"` // "success" or "failure"
	HTTPCode        *int   `json:"http_code,omitempty"`
	ResponseSummary string `json:"response_summary"`
	LatencyMS       *int64 `json:"latency_ms,omitempty"`
}

// CorrectionEntry is a failed attempt and its fix.
type CorrectionEntry struct {
	Attempted string `json:"attempted"`
	Error     string `json:"error"`
	Fix       string `json:"fix"`
}

// ExperienceRecord is one complete procedural-memory entry: which intent
// led to which manifest, how it was invoked and how that went.
type ExperienceRecord struct {
	ID        string    `json:"id"` // e.g. "exp_20260219_a3f7b2c1"
	Timestamp time.Time `json:"timestamp"`
	UseCount  int       `json:"use_count"`
	LastUsed  time.Time `json:"last_used"`

	Intent      IntentRecord      `json:"intent"`
	Discovery   DiscoveryRecord   `json:"discovery"`
	Invocation  InvocationRecord  `json:"invocation"`
	Outcome     OutcomeRecord     `json:"outcome"`
	Corrections []CorrectionEntry `json:"corrections"`
}

// Eligible reports whether this record can serve a cache hit at the
// given confidence threshold.
func (r *ExperienceRecord) Eligible(threshold float64) bool {
	return r != nil && r.Outcome.Status == StatusSuccess && r.Discovery.Confidence >= threshold
}

// ExperienceRoute reports which memory path served a request.
type ExperienceRoute struct {
	Path            string   `json:"path"` // cache_hit, partial_match or full_discovery
	CacheConfidence *float64 `json:"cache_confidence,omitempty"`
	ExperienceID    string   `json:"experience_id,omitempty"`
}

// ExperienceInvokeRequest drives the experience-augmented invoke endpoint.
// A zero ConfidenceThreshold means the configured default.
type ExperienceInvokeRequest struct {
	Task                string  `json:"task" binding:"required,min=1,max=2000"`
	TopK                int     `json:"top_k" binding:"omitempty,min=1,max=20"`
	ConfidenceThreshold float64 `json:"confidence_threshold" binding:"omitempty,min=0,max=1"`
}

// EffectiveTopK returns the requested candidate count, defaulting to 5.
func (r *ExperienceInvokeRequest) EffectiveTopK() int {
	if r.TopK == 0 {
		return 5
	}
	return r.TopK
}

// EffectiveThreshold returns the cache-hit confidence threshold, using
// fallback when the request leaves it unset.
func (r *ExperienceInvokeRequest) EffectiveThreshold(fallback float64) float64 {
	if r.ConfidenceThreshold == 0 {
		return fallback
	}
	return r.ConfidenceThreshold
}

// ExperienceInvokeResponse is the outcome of an experience-routed
// invocation.
type ExperienceInvokeResponse struct {
	Task             string            `json:"task"`
	Route            ExperienceRoute   `json:"route"`
	Match            *Match            `json:"match,omitempty"`
	Experience       *ExperienceRecord `json:"experience,omitempty"`
	InvocationResult *InvocationResult `json:"invocation_result,omitempty"`
	Candidates       []Match           `json:"candidates"`
}

// ExperienceStats summarizes the experience store.
type ExperienceStats struct {
	Total         int             `json:"total"`
	AvgConfidence float64         `json:"avg_confidence"`
	SuccessRate   float64         `json:"success_rate"`
	TopDomains    []DomainCount   `json:"top_domains"`
	TopManifests  []ManifestCount `json:"top_manifests"`
}

// DomainCount is one entry of the per-domain usage leaderboard.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// ManifestCount is one entry of the per-manifest usage leaderboard.
type ManifestCount struct {
	Manifest string `json:"manifest"`
	Count    int    `json:"count"`
}

// ExperiencePage is one page of experience records.
type ExperiencePage struct {
	Records []ExperienceRecord `json:"records"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	Limit   int                `json:"limit"`
}
