package experience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/invoker"
	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
)

// fingerprintSystem steers the model toward a stable hierarchical label
// for a task. The examples pin down granularity; without them the model
// invents a new taxonomy per call.
const fingerprintSystem = `You are an intent classifier. Given a natural language task, produce a hierarchical intent fingerprint and domain classification.

Respond with ONLY a JSON object (no markdown, no extra text):
{"fingerprint": "verb.category.specific_action", "domain": "broad.narrow"}

The fingerprint MUST be deterministic: the same task should always produce the same fingerprint. Focus on the core action, not surface wording.

Examples:
- "Search text files for regex" → {"fingerprint": "search.text.pattern_match", "domain": "developer.tools"}
- "Find lines matching a pattern" → {"fingerprint": "search.text.pattern_match", "domain": "developer.tools"}
- "Count the words in this text" → {"fingerprint": "count.text.word_count", "domain": "text.processing"}
- "How many lines in this file" → {"fingerprint": "count.text.line_count", "domain": "text.processing"}
- "What is 2+2" → {"fingerprint": "compute.math.calculation", "domain": "math.arithmetic"}
- "Calculate 15% tip on $80" → {"fingerprint": "compute.math.calculation", "domain": "math.arithmetic"}
- "What time is it" → {"fingerprint": "query.system.date_time", "domain": "system.info"}
- "Show today's date" → {"fingerprint": "query.system.date_time", "domain": "system.info"}
- "Filter JSON with jq" → {"fingerprint": "transform.data.json_query", "domain": "developer.tools"}
- "Find a command for disk usage" → {"fingerprint": "search.system.command_lookup", "domain": "system.tools"}
- "Read the manual for grep" → {"fingerprint": "query.system.manual_page", "domain": "system.tools"}
`

const paramExtractSystem = `You are an API parameter mapper. Given a task description and a manifest's invoke specification, extract the parameters the task implies.

Respond with ONLY a JSON object (no markdown, no extra text):
{"parameters": {"param_name": {"source": "description of where the value comes from", "transform": null, "value": "extracted_value"}}}

If the task provides input text directly (e.g. for a text processor), use "input" as the parameter name with the text as the value.

If no parameters can be extracted, respond: {"parameters": {}}
`

const fingerprintTimeout = 120 * time.Second

// Classifier is the LLM surface used for intent fingerprinting and
// parameter extraction.
type Classifier interface {
	Generate(ctx context.Context, prompt string, opts ...llm.CallOption) (string, *models.LLMCallMeta, error)
}

// Discoverer runs full manifest discovery.
type Discoverer interface {
	Discover(ctx context.Context, task string, topK int) (*models.DiscoverResponse, error)
}

// Invoker executes a capability.
type Invoker interface {
	Invoke(ctx context.Context, spec manifest.InvokeSpec, params []invoker.Param, stdin string) models.InvocationResult
}

// Engine routes tasks through procedural memory. A trusted exact match
// replays its cached invocation; a near match is validated with fresh
// discovery; everything else runs full discovery. Each invoked outcome is
// written back so repeat tasks get cheaper.
type Engine struct {
	discovery Discoverer
	llm       Classifier
	store     *Store
	inv       Invoker
	cfg       config.ExperienceConfig
}

// NewEngine wires an experience engine. The invoker should carry this
// subsystem's own timeouts.
func NewEngine(discovery Discoverer, llmClient Classifier, store *Store, inv Invoker, cfg config.ExperienceConfig) *Engine {
	return &Engine{
		discovery: discovery,
		llm:       llmClient,
		store:     store,
		inv:       inv,
		cfg:       cfg,
	}
}

// Store exposes the underlying record store for record-management APIs.
func (e *Engine) Store() *Store {
	return e.store
}

// Process runs the three-path flow: cache hit, partial match, or full
// discovery.
func (e *Engine) Process(ctx context.Context, req *models.ExperienceInvokeRequest) (*models.ExperienceInvokeResponse, error) {
	threshold := req.EffectiveThreshold(e.cfg.ConfidenceThreshold)
	topK := req.EffectiveTopK()

	fingerprint, intentDomain, err := e.FingerprintIntent(ctx, req.Task)
	if err != nil {
		slog.Warn("Intent fingerprinting failed, using full discovery", "error", err)
		return e.fullDiscovery(ctx, req, "unknown", "unknown", topK)
	}

	matches, err := e.store.FindByFingerprint(ctx, fingerprint, 5)
	if err != nil {
		return nil, err
	}
	for _, record := range matches {
		if record.Eligible(threshold) {
			slog.Info("Experience cache hit",
				"experience_id", record.ID,
				"confidence", record.Discovery.Confidence,
				"use_count", record.UseCount)
			return e.cacheHit(ctx, req, record)
		}
	}

	if parts := strings.Split(fingerprint, "."); len(parts) >= 2 {
		prefix := parts[0] + "." + parts[1]
		similar, err := e.store.FindSimilar(ctx, intentDomain, prefix, 5)
		if err != nil {
			return nil, err
		}
		if len(similar) > 0 {
			best := similar[0]
			slog.Info("Experience partial match",
				"experience_id", best.ID,
				"fingerprint", best.Intent.Fingerprint,
				"confidence", best.Discovery.Confidence)
			return e.partialMatch(ctx, req, fingerprint, intentDomain, best, topK)
		}
	}

	slog.Info("No experience match", "fingerprint", fingerprint)
	return e.fullDiscovery(ctx, req, fingerprint, intentDomain, topK)
}

// FingerprintIntent classifies a task into a hierarchical fingerprint and
// a broad domain.
func (e *Engine) FingerprintIntent(ctx context.Context, task string) (string, string, error) {
	raw, _, err := e.llm.Generate(ctx, task,
		llm.WithSystem(fingerprintSystem),
		llm.WithJSONFormat(),
		llm.WithTemperature(0),
		llm.WithThinking(false),
		llm.WithTimeout(fingerprintTimeout),
	)
	if err != nil {
		return "", "", fmt.Errorf("fingerprinting failed: %w", err)
	}
	parsed, ok := llm.ExtractJSON(raw)
	if !ok {
		return "", "", errors.New("unparsable fingerprint reply")
	}
	fingerprint, _ := parsed["fingerprint"].(string)
	domain, _ := parsed["domain"].(string)
	if fingerprint == "" || domain == "" {
		return "", "", errors.New("fingerprint reply missing fields")
	}
	return fingerprint, domain, nil
}

// CheckCache fingerprints the task and returns the best eligible cached
// record, or nil when the task has no usable history.
func (e *Engine) CheckCache(ctx context.Context, task string) (*models.ExperienceRecord, error) {
	fingerprint, _, err := e.FingerprintIntent(ctx, task)
	if err != nil {
		return nil, err
	}
	matches, err := e.store.FindByFingerprint(ctx, fingerprint, 5)
	if err != nil {
		return nil, err
	}
	for _, record := range matches {
		if record.Eligible(e.cfg.ConfidenceThreshold) {
			return record, nil
		}
	}
	return nil, nil
}

// DegradeConfidence lowers a record's confidence after its replayed
// invocation failed.
func (e *Engine) DegradeConfidence(id string, factor float64) (*float64, error) {
	return e.store.DegradeConfidence(context.Background(), id, factor)
}

// RecordSuccess persists a fresh experience for a tool that just ran
// cleanly inside a chat round.
func (e *Engine) RecordSuccess(ctx context.Context, task string, entry models.ToolRegistryEntry, args map[string]any, confidence float64) error {
	fingerprint, intentDomain, err := e.FingerprintIntent(ctx, task)
	if err != nil {
		return err
	}
	if entry.Parsed == nil {
		return fmt.Errorf("manifest for %s has no parsed invoke spec", entry.Domain)
	}

	mappings := make(map[string]models.ParameterMapping, len(args))
	for name, value := range args {
		used := ""
		if value != nil {
			used = fmt.Sprint(value)
		}
		mappings[name] = models.ParameterMapping{Source: "chat.tool_call", ValueUsed: used}
	}

	now := time.Now().UTC()
	record := &models.ExperienceRecord{
		ID:        experienceID(fingerprint, entry.Domain, now),
		Timestamp: now,
		UseCount:  1,
		LastUsed:  now,
		Intent: models.IntentRecord{
			Raw:         task,
			Fingerprint: fingerprint,
			Domain:      intentDomain,
		},
		Discovery: models.DiscoveryRecord{
			QueryUsed:       task,
			ManifestMatched: entry.Domain,
			Confidence:      confidence,
		},
		Invocation: models.InvocationRecord{
			Endpoint:         entry.Parsed.Invoke.URL,
			Method:           entry.Parsed.Invoke.Method,
			ParameterMapping: mappings,
		},
		Outcome: models.OutcomeRecord{Status: models.StatusSuccess},
	}
	slog.Info("Saving chat experience", "experience_id", record.ID, "domain", entry.Domain)
	return e.saveRecord(ctx, record)
}

func (e *Engine) cacheHit(ctx context.Context, req *models.ExperienceInvokeRequest, record *models.ExperienceRecord) (*models.ExperienceInvokeResponse, error) {
	spec := manifest.InvokeSpec{
		Method: record.Invocation.Method,
		URL:    record.Invocation.Endpoint,
	}

	params, stdin := replayArgs(spec.Method, record.Invocation.ParameterMapping)
	result := e.inv.Invoke(ctx, spec, params, stdin)

	if err := e.store.Touch(ctx, record.ID); err != nil {
		slog.Warn("Failed to touch experience record", "experience_id", record.ID, "error", err)
	}

	confidence := record.Discovery.Confidence
	match := &models.Match{
		Domain:      record.Discovery.ManifestMatched,
		Name:        record.Discovery.ManifestMatched,
		Description: "Cached: " + record.Intent.Fingerprint,
		Invoke:      spec,
		Score:       1.0 - confidence,
		Reason:      fmt.Sprintf("Experience cache hit (used %d times)", record.UseCount+1),
	}

	return &models.ExperienceInvokeResponse{
		Task: req.Task,
		Route: models.ExperienceRoute{
			Path:            models.RouteCacheHit,
			CacheConfidence: &confidence,
			ExperienceID:    record.ID,
		},
		Match:            match,
		Experience:       record,
		InvocationResult: &result,
		Candidates:       []models.Match{},
	}, nil
}

func (e *Engine) partialMatch(ctx context.Context, req *models.ExperienceInvokeRequest, fingerprint, intentDomain string, template *models.ExperienceRecord, topK int) (*models.ExperienceInvokeResponse, error) {
	resp, record, err := e.discoverAndInvoke(ctx, req, fingerprint, intentDomain, topK)
	if err != nil {
		return nil, err
	}

	templateConfidence := template.Discovery.Confidence
	resp.Route = models.ExperienceRoute{
		Path:            models.RoutePartialMatch,
		CacheConfidence: &templateConfidence,
		ExperienceID:    template.ID,
	}
	if record != nil {
		resp.Route.ExperienceID = record.ID
	}
	return resp, nil
}

func (e *Engine) fullDiscovery(ctx context.Context, req *models.ExperienceInvokeRequest, fingerprint, intentDomain string, topK int) (*models.ExperienceInvokeResponse, error) {
	resp, record, err := e.discoverAndInvoke(ctx, req, fingerprint, intentDomain, topK)
	if err != nil {
		return nil, err
	}

	resp.Route = models.ExperienceRoute{Path: models.RouteFullDiscovery}
	if record != nil {
		resp.Route.ExperienceID = record.ID
	}
	return resp, nil
}

// discoverAndInvoke is the shared tail of the partial-match and
// full-discovery paths: discover, extract parameters, invoke, record the
// outcome. The returned record is nil when discovery produced no match.
func (e *Engine) discoverAndInvoke(ctx context.Context, req *models.ExperienceInvokeRequest, fingerprint, intentDomain string, topK int) (*models.ExperienceInvokeResponse, *models.ExperienceRecord, error) {
	discovered, err := e.discovery.Discover(ctx, req.Task, topK)
	if err != nil {
		return nil, nil, err
	}

	resp := &models.ExperienceInvokeResponse{
		Task:       req.Task,
		Candidates: discovered.Candidates,
	}
	if resp.Candidates == nil {
		resp.Candidates = []models.Match{}
	}
	if discovered.Match == nil {
		return resp, nil, nil
	}

	match := discovered.Match
	mappings := e.extractParams(ctx, req.Task, match.Invoke)
	params, stdin := replayArgs(match.Invoke.Method, mappings)
	result := e.inv.Invoke(ctx, match.Invoke, params, stdin)

	record := e.newRecord(req.Task, fingerprint, intentDomain, match, mappings, result)
	// The invocation already happened; a write hiccup should not erase its
	// result from the response.
	if err := e.saveRecord(ctx, record); err != nil {
		slog.Warn("Failed to save experience record", "experience_id", record.ID, "error", err)
	}

	resp.Match = match
	resp.Experience = record
	resp.InvocationResult = &result
	return resp, record, nil
}

// extractParams asks the LLM which parameters the task implies for the
// given invoke spec. Extraction failures degrade to "no parameters".
func (e *Engine) extractParams(ctx context.Context, task string, spec manifest.InvokeSpec) map[string]models.ParameterMapping {
	prompt := fmt.Sprintf("Task: %s\n\nInvoke spec:\n  Method: %s\n  URL: %s\n",
		task, spec.Method, spec.URL)

	raw, _, err := e.llm.Generate(ctx, prompt, llm.WithSystem(paramExtractSystem))
	if err != nil {
		slog.Warn("Parameter extraction failed", "error", err)
		return map[string]models.ParameterMapping{}
	}
	parsed, ok := llm.ExtractJSON(raw)
	if !ok {
		return map[string]models.ParameterMapping{}
	}
	rawParams, ok := parsed["parameters"].(map[string]any)
	if !ok {
		return map[string]models.ParameterMapping{}
	}

	mappings := make(map[string]models.ParameterMapping, len(rawParams))
	for name, v := range rawParams {
		info, ok := v.(map[string]any)
		if !ok {
			continue
		}
		source, _ := info["source"].(string)
		if source == "" {
			source = "task"
		}
		transform, _ := info["transform"].(string)
		used := ""
		if value, exists := info["value"]; exists && value != nil {
			used = fmt.Sprint(value)
		}
		mappings[name] = models.ParameterMapping{
			Source:    source,
			Transform: transform,
			ValueUsed: used,
		}
	}
	return mappings
}

func (e *Engine) newRecord(task, fingerprint, intentDomain string, match *models.Match, mappings map[string]models.ParameterMapping, result models.InvocationResult) *models.ExperienceRecord {
	now := time.Now().UTC()

	// Score is cosine distance, so confidence inverts it; scores that
	// already exceed 1 pass through untouched.
	confidence := 1.0 - match.Score
	if match.Score >= 1.0 {
		confidence = match.Score
	}

	latency := result.LatencyMS
	return &models.ExperienceRecord{
		ID:        experienceID(fingerprint, match.Domain, now),
		Timestamp: now,
		UseCount:  1,
		LastUsed:  now,
		Intent: models.IntentRecord{
			Raw:         task,
			Fingerprint: fingerprint,
			Domain:      intentDomain,
		},
		Discovery: models.DiscoveryRecord{
			QueryUsed:       task,
			ManifestMatched: match.Domain,
			Confidence:      confidence,
		},
		Invocation: models.InvocationRecord{
			Endpoint:         match.Invoke.URL,
			Method:           match.Invoke.Method,
			ParameterMapping: mappings,
		},
		Outcome: models.OutcomeRecord{
			Status:          result.Status,
			HTTPCode:        result.HTTPCode,
			ResponseSummary: summarizeBody(result.ResponseBody),
			LatencyMS:       &latency,
		},
	}
}

func (e *Engine) saveRecord(ctx context.Context, record *models.ExperienceRecord) error {
	if err := e.store.Save(ctx, record); err != nil {
		return err
	}
	if e.cfg.MaxRecords > 0 {
		pruned, err := e.store.Prune(ctx, e.cfg.MaxRecords)
		if err != nil {
			slog.Warn("Experience prune failed", "error", err)
		} else if pruned > 0 {
			slog.Info("Pruned experience records", "count", pruned)
		}
	}
	return nil
}

// replayArgs rebuilds invocation arguments from a parameter mapping.
// Mapping order is not preserved through storage, so keys are applied in
// sorted order. Stdio capabilities get the values joined as stdin; HTTP
// capabilities get name→value parameters.
func replayArgs(method string, mapping map[string]models.ParameterMapping) ([]invoker.Param, string) {
	if len(mapping) == 0 {
		return nil, ""
	}
	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	if strings.EqualFold(method, "stdio") {
		values := make([]string, 0, len(names))
		for _, name := range names {
			values = append(values, mapping[name].ValueUsed)
		}
		return nil, strings.Join(values, " ")
	}

	params := make([]invoker.Param, 0, len(names))
	for _, name := range names {
		params = append(params, invoker.Param{Name: name, Value: mapping[name].ValueUsed})
	}
	return params, ""
}

// experienceID derives a deterministic id from the fingerprint and the
// matched manifest, dated by day. A repeat of the same pairing on the same
// day upserts rather than piling up rows.
func experienceID(fingerprint, manifestDomain string, now time.Time) string {
	sum := sha256.Sum256([]byte(fingerprint + ":" + manifestDomain))
	return fmt.Sprintf("exp_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(sum[:4]))
}

func summarizeBody(body string) string {
	if len(body) <= 200 {
		return body
	}
	return strings.ToValidUTF8(body[:200], "")
}
