// Package models contains request/response models and business domain types
// shared across the discovery, invocation and experience packages.
package models

import "github.com/oap-works/oapd/pkg/manifest"

// DiscoverRequest asks for the best capability for a task.
type DiscoverRequest struct {
	Task string `json:"task" binding:"required,min=1,max=2000"`
	TopK int    `json:"top_k" binding:"omitempty,min=1,max=20"`
}

// EffectiveTopK returns the requested candidate count, defaulting to 5.
func (r *DiscoverRequest) EffectiveTopK() int {
	if r.TopK == 0 {
		return 5
	}
	return r.TopK
}

// Match is one capability candidate returned by discovery. Score is the
// cosine distance of the vector hit: lower means more similar.
type Match struct {
	Domain      string              `json:"domain"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Invoke      manifest.InvokeSpec `json:"invoke"`
	Score       float64             `json:"score"`
	Reason      string              `json:"reason,omitempty"`
}

// LLMCallMeta is telemetry for a single model call.
type LLMCallMeta struct {
	Model           string  `json:"model"`
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	TotalMS         float64 `json:"total_ms"`
	Prompt          string  `json:"prompt,omitempty"`
	SystemPrompt    string  `json:"system_prompt,omitempty"`
}

// DiscoverMeta carries timing and token counts for one discovery run.
type DiscoverMeta struct {
	Embed         LLMCallMeta  `json:"embed"`
	Reason        *LLMCallMeta `json:"reason,omitempty"`
	SearchResults int          `json:"search_results"`
	TotalMS       float64      `json:"total_ms"`
}

// DiscoverResponse is the discovery result for a task.
type DiscoverResponse struct {
	Task       string        `json:"task"`
	Match      *Match        `json:"match"`
	Candidates []Match       `json:"candidates"`
	Meta       *DiscoverMeta `json:"meta,omitempty"`
}

// ManifestEntry is a one-line index listing of a stored manifest.
type ManifestEntry struct {
	Domain      string `json:"domain"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
