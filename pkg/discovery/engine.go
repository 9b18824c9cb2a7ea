// Package discovery maps natural-language tasks to capability manifests:
// vector search proposes candidates, an LLM arbiter picks one.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
	"github.com/oap-works/oapd/pkg/vectordb"
)

// FallbackReason marks matches selected without LLM arbitration.
const FallbackReason = "Selected by vector similarity (LLM reasoning unavailable)"

const arbiterTimeout = 60 * time.Second

const systemPrompt = `You are an OAP (Open Application Protocol) discovery assistant. Your job is to pick the single best capability manifest that matches a user's task.

You will be given a task and a numbered list of candidate manifests. Each candidate has a domain, name, and description.

Respond with ONLY a JSON object (no markdown, no extra text):
{"pick": "<domain>", "reason": "<one sentence explaining why this is the best match>"}

If none of the candidates match the task at all, respond:
{"pick": null, "reason": "<explanation>"}
`

// LLMProvider is the slice of the model client the engine needs.
type LLMProvider interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, *models.LLMCallMeta, error)
	Generate(ctx context.Context, prompt string, opts ...llm.CallOption) (string, *models.LLMCallMeta, error)
}

// VectorIndex is the slice of the manifest store the engine needs.
type VectorIndex interface {
	Search(ctx context.Context, embedding []float32, topK int) ([]vectordb.Hit, error)
}

// Engine combines vector search with LLM reasoning.
type Engine struct {
	index VectorIndex
	llm   LLMProvider
}

// NewEngine builds a discovery engine over an index and a model client.
func NewEngine(index VectorIndex, provider LLMProvider) *Engine {
	return &Engine{index: index, llm: provider}
}

// Discover finds the best manifest for a task: embed the task, take the
// topK nearest manifests, and let the LLM pick among them. LLM failures
// degrade to the top vector hit rather than failing the request.
func (e *Engine) Discover(ctx context.Context, task string, topK int) (*models.DiscoverResponse, error) {
	start := time.Now()

	embedding, embedMeta, err := e.llm.EmbedQuery(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task: %w", err)
	}

	hits, err := e.index.Search(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	meta := &models.DiscoverMeta{
		Embed:         *embedMeta,
		SearchResults: len(hits),
	}
	resp := &models.DiscoverResponse{Task: task, Candidates: []models.Match{}, Meta: meta}

	if len(hits) == 0 {
		meta.TotalMS = msSince(start)
		return resp, nil
	}

	candidates := make([]models.Match, 0, len(hits))
	for _, h := range hits {
		candidates = append(candidates, models.Match{
			Domain:      h.Domain,
			Name:        h.Name,
			Description: h.Description,
			Invoke:      invokeFromManifest(h.Manifest),
			Score:       h.Score,
		})
	}
	resp.Candidates = candidates

	prompt := fmt.Sprintf("Task: %s\n\nCandidates:\n%s\n", task, formatCandidates(hits))

	raw, reasonMeta, err := e.llm.Generate(ctx, prompt,
		llm.WithSystem(systemPrompt),
		llm.WithJSONFormat(),
		llm.WithTemperature(0),
		llm.WithThinking(false),
		llm.WithTimeout(arbiterTimeout),
	)
	if err == nil {
		meta.Reason = reasonMeta

		if parsed, ok := llm.ExtractJSON(raw); ok {
			reason, _ := parsed["reason"].(string)

			if pick, _ := parsed["pick"].(string); pick != "" {
				for i := range candidates {
					if candidates[i].Domain == pick {
						candidates[i].Reason = reason
						match := candidates[i]
						resp.Match = &match
						meta.TotalMS = msSince(start)
						return resp, nil
					}
				}
			}

			// An explicit null pick means nothing fits; candidates
			// are still returned for the caller to inspect.
			if v, present := parsed["pick"]; !present || v == nil {
				meta.TotalMS = msSince(start)
				return resp, nil
			}
		}
	} else {
		slog.Warn("LLM reasoning failed, falling back to top vector match", "error", err)
	}

	fallback := candidates[0]
	fallback.Reason = FallbackReason
	resp.Candidates[0].Reason = FallbackReason
	resp.Match = &fallback
	meta.TotalMS = msSince(start)
	return resp, nil
}

// formatCandidates renders search hits as the numbered list the arbiter
// prompt expects.
func formatCandidates(hits []vectordb.Hit) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, h.Domain, h.Name)
		fmt.Fprintf(&b, "   %s\n\n", h.Description)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// invokeFromManifest pulls the invoke block out of a stored manifest.
func invokeFromManifest(m map[string]any) manifest.InvokeSpec {
	var spec manifest.InvokeSpec
	raw, ok := m["invoke"]
	if !ok {
		return spec
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return spec
	}
	_ = json.Unmarshal(data, &spec)
	return spec
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
