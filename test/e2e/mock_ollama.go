package e2e

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/models"
)

// vecDims is the embedding width used across the e2e suite. The index
// only requires that all vectors agree on one width, so tests use small
// hand-built vectors instead of real 768-dim model output.
const vecDims = 8

// embedRule maps an input substring to a fixed vector.
type embedRule struct {
	substr string
	vec    []float32
}

// generateRule maps a system-prompt fragment to a canned completion.
type generateRule struct {
	fragment string
	response string
}

// ChatCall is one /api/chat request as the model server saw it.
type ChatCall struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
	Tools    []models.Tool        `json:"tools"`
}

// MockModel impersonates the Ollama HTTP API with scripted behavior.
// Embeddings are matched by substring against the un-prefixed input,
// generate calls by a fragment of their system prompt, and chat runs a
// test-supplied function. An unscripted generate call fails the test so
// a broken flow cannot drift onto a fallback path unnoticed.
type MockModel struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	embeds    []embedRule
	generates []generateRule
	chat      func(call ChatCall) models.ChatMessage
	chatCalls int
}

// NewMockModel starts the scripted model server. It is closed via
// t.Cleanup.
func NewMockModel(t *testing.T) *MockModel {
	t.Helper()
	m := &MockModel{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", m.handleTags)
	mux.HandleFunc("/api/embed", m.handleEmbed)
	mux.HandleFunc("/api/generate", m.handleGenerate)
	mux.HandleFunc("/api/chat", m.handleChat)
	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// URL is the base address the Ollama client should be pointed at.
func (m *MockModel) URL() string { return m.server.URL }

// OnEmbed returns vec for any embedding input containing substr. Rules
// match in registration order; unmatched inputs fall back to a
// deterministic hash-derived vector.
func (m *MockModel) OnEmbed(substr string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeds = append(m.embeds, embedRule{substr: substr, vec: vec})
}

// OnGenerate returns response for any generate call whose system prompt
// contains fragment.
func (m *MockModel) OnGenerate(fragment, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generates = append(m.generates, generateRule{fragment: fragment, response: response})
}

// Script installs a custom chat behavior.
func (m *MockModel) Script(fn func(call ChatCall) models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat = fn
}

// ScriptToolRound makes chat answer with one call against the first
// offered tool until a tool result appears in the conversation, then
// with final content.
func (m *MockModel) ScriptToolRound(args map[string]any, final string) {
	m.Script(func(call ChatCall) models.ChatMessage {
		for _, msg := range call.Messages {
			if msg.Role == "tool" {
				return models.ChatMessage{Role: "assistant", Content: final}
			}
		}
		if len(call.Tools) == 0 {
			return models.ChatMessage{Role: "assistant", Content: final}
		}
		return models.ChatMessage{
			Role: "assistant",
			ToolCalls: []models.ToolCall{{Function: models.ToolCallFunction{
				Name:      call.Tools[0].Function.Name,
				Arguments: args,
			}}},
		}
	})
}

// ScriptChatContent makes every chat call answer with plain content.
func (m *MockModel) ScriptChatContent(content string) {
	m.Script(func(ChatCall) models.ChatMessage {
		return models.ChatMessage{Role: "assistant", Content: content}
	})
}

// ChatCalls reports how many /api/chat requests were served.
func (m *MockModel) ChatCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatCalls
}

func (m *MockModel) handleTags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"models": []any{}})
}

func (m *MockModel) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	text := strings.TrimPrefix(req.Input, llm.DocumentPrefix)
	text = strings.TrimPrefix(text, llm.QueryPrefix)

	m.mu.Lock()
	var vec []float32
	for _, rule := range m.embeds {
		if strings.Contains(text, rule.substr) {
			vec = rule.vec
			break
		}
	}
	m.mu.Unlock()
	if vec == nil {
		vec = hashVec(text)
	}

	writeJSON(w, map[string]any{
		"model":             req.Model,
		"embeddings":        [][]float32{vec},
		"prompt_eval_count": 1,
	})
}

func (m *MockModel) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		System string `json:"system"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	response := ""
	matched := false
	for _, rule := range m.generates {
		if strings.Contains(req.System, rule.fragment) {
			response = rule.response
			matched = true
			break
		}
	}
	m.mu.Unlock()
	if !matched {
		// Errorf, not Fatalf: this runs on the server goroutine.
		m.t.Errorf("unscripted generate call (system prompt %.60q)", req.System)
		response = "{}"
	}

	writeJSON(w, map[string]any{
		"model":             "scripted",
		"response":          response,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": 1,
		"eval_count":        1,
	})
}

func (m *MockModel) handleChat(w http.ResponseWriter, r *http.Request) {
	var call ChatCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.chatCalls++
	fn := m.chat
	m.mu.Unlock()

	msg := models.ChatMessage{Role: "assistant", Content: "ok"}
	if fn != nil {
		msg = fn(call)
	}

	writeJSON(w, map[string]any{
		"model":             call.Model,
		"created_at":        time.Now().UTC().Format(time.RFC3339Nano),
		"message":           msg,
		"done":              true,
		"done_reason":       "stop",
		"prompt_eval_count": 1,
		"eval_count":        1,
	})
}

// axisVec is a unit vector along one axis. Distinct axes are orthogonal,
// so similarity rankings between them are exact.
func axisVec(axis int) []float32 {
	vec := make([]float32, vecDims)
	vec[axis%vecDims] = 1
	return vec
}

// hashVec derives a deterministic non-zero vector from text, for inputs
// no test scripted explicitly.
func hashVec(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, vecDims)
	for i := range vec {
		vec[i] = float32(sum[i])/255 + 0.01
	}
	return vec
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
