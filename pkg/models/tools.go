package models

import "github.com/oap-works/oapd/pkg/manifest"

// ToolFunction describes a callable function in the OpenAI-compatible
// tool format Ollama accepts. Parameters is a JSON-Schema object; it is
// left untyped because manifests may declare arbitrary schemas verbatim.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Tool is a single tool offered to a chat model.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolRegistryEntry maps a tool name back to its domain and manifest for
// execution. Manifest holds the stored document verbatim; Parsed is the
// typed view executors work with and is not serialized.
type ToolRegistryEntry struct {
	Tool     Tool           `json:"tool"`
	Domain   string         `json:"domain"`
	Manifest map[string]any `json:"manifest"`

	Parsed *manifest.Manifest `json:"-"`
}

// ToolsRequest asks for tool definitions matching a task.
type ToolsRequest struct {
	Task string `json:"task" binding:"required,min=1,max=2000"`
	TopK int    `json:"top_k" binding:"omitempty,min=1,max=20"`
}

// EffectiveTopK returns the requested candidate count, defaulting to 3.
func (r *ToolsRequest) EffectiveTopK() int {
	if r.TopK == 0 {
		return 3
	}
	return r.TopK
}

// ToolsResponse carries discovered tools plus the registry needed to
// execute calls against them.
type ToolsResponse struct {
	Tools    []Tool                       `json:"tools"`
	Registry map[string]ToolRegistryEntry `json:"registry"`
}

// ToolCallFunction is the function part of a model-issued tool call.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

// ChatMessage is one message in an Ollama-compatible conversation.
type ChatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ChatRequest is an Ollama-compatible chat request with discovery
// extensions. The OAP* booleans are pointers so that an absent field
// keeps its default of true.
type ChatRequest struct {
	Model    string        `json:"model" binding:"required"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream"`
	Tools    []Tool        `json:"tools,omitempty"`

	OAPDiscover    *bool `json:"oap_discover,omitempty"`
	OAPTopK        int   `json:"oap_top_k" binding:"omitempty,min=1,max=20"`
	OAPAutoExecute *bool `json:"oap_auto_execute,omitempty"`
	OAPMaxRounds   int   `json:"oap_max_rounds" binding:"omitempty,min=1,max=10"`
	OAPDebug       bool  `json:"oap_debug,omitempty"`
}

// Discover reports whether tool discovery is enabled (default true).
func (r *ChatRequest) Discover() bool {
	return r.OAPDiscover == nil || *r.OAPDiscover
}

// AutoExecute reports whether tool calls are executed server-side
// (default true).
func (r *ChatRequest) AutoExecute() bool {
	return r.OAPAutoExecute == nil || *r.OAPAutoExecute
}

// EffectiveTopK returns the discovery candidate count, defaulting to 3.
func (r *ChatRequest) EffectiveTopK() int {
	if r.OAPTopK == 0 {
		return 3
	}
	return r.OAPTopK
}

// EffectiveMaxRounds returns the tool-call round cap, defaulting to 3.
func (r *ChatRequest) EffectiveMaxRounds() int {
	if r.OAPMaxRounds == 0 {
		return 3
	}
	return r.OAPMaxRounds
}

// LastUserMessage returns the content of the most recent user message,
// or "" when there is none.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" && r.Messages[i].Content != "" {
			return r.Messages[i].Content
		}
	}
	return ""
}
