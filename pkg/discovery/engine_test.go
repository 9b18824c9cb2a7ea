package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oap-works/oapd/pkg/llm"
	"github.com/oap-works/oapd/pkg/models"
	"github.com/oap-works/oapd/pkg/vectordb"
)

type fakeLLM struct {
	embedErr  error
	genReply  string
	genErr    error
	genCalls  int
	gotPrompt string
}

func (f *fakeLLM) EmbedQuery(ctx context.Context, text string) ([]float32, *models.LLMCallMeta, error) {
	if f.embedErr != nil {
		return nil, nil, f.embedErr
	}
	return []float32{1, 0, 0}, &models.LLMCallMeta{Model: "nomic-embed-text", PromptTokens: 8, TotalMS: 2.5}, nil
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts ...llm.CallOption) (string, *models.LLMCallMeta, error) {
	f.genCalls++
	f.gotPrompt = prompt
	if f.genErr != nil {
		return "", nil, f.genErr
	}
	return f.genReply, &models.LLMCallMeta{Model: "qwen3:4b", PromptTokens: 40, GeneratedTokens: 15, TotalMS: 120}, nil
}

type fakeIndex struct {
	hits      []vectordb.Hit
	searchErr error
}

func (f *fakeIndex) Search(ctx context.Context, embedding []float32, topK int) ([]vectordb.Hit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.hits, nil
}

func textToolHits() []vectordb.Hit {
	return []vectordb.Hit{
		{
			Domain:      "grep",
			Name:        "GNU Grep",
			Description: "Search text files for lines matching a regular expression.",
			Manifest: map[string]any{
				"invoke": map[string]any{"method": "stdio", "url": "grep"},
			},
			Score: 0.15,
		},
		{
			Domain:      "jq",
			Name:        "jq",
			Description: "Filter and transform JSON documents.",
			Manifest: map[string]any{
				"invoke": map[string]any{"method": "stdio", "url": "jq"},
			},
			Score: 0.45,
		},
	}
}

func TestDiscoverHappyPath(t *testing.T) {
	provider := &fakeLLM{genReply: `{"pick": "grep", "reason": "grep is for text search"}`}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	resp, err := engine.Discover(context.Background(), "search text files for a regex pattern", 5)
	require.NoError(t, err)

	require.NotNil(t, resp.Match)
	assert.Equal(t, "grep", resp.Match.Domain)
	assert.Equal(t, "grep is for text search", resp.Match.Reason)
	assert.Equal(t, "stdio", resp.Match.Invoke.Method)
	assert.Equal(t, "grep", resp.Match.Invoke.URL)
	assert.InDelta(t, 0.15, resp.Match.Score, 1e-9)

	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, "grep", resp.Candidates[0].Domain)
	assert.Equal(t, "grep is for text search", resp.Candidates[0].Reason)
	assert.Equal(t, "jq", resp.Candidates[1].Domain)

	require.NotNil(t, resp.Meta)
	assert.Equal(t, 2, resp.Meta.SearchResults)
	assert.Equal(t, 8, resp.Meta.Embed.PromptTokens)
	require.NotNil(t, resp.Meta.Reason)
	assert.Equal(t, 15, resp.Meta.Reason.GeneratedTokens)
}

func TestDiscoverPromptFormat(t *testing.T) {
	provider := &fakeLLM{genReply: `{"pick": null, "reason": "x"}`}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	_, err := engine.Discover(context.Background(), "search text files for a regex pattern", 5)
	require.NoError(t, err)

	want := "Task: search text files for a regex pattern\n\nCandidates:\n" +
		"1. [grep] GNU Grep\n   Search text files for lines matching a regular expression.\n\n" +
		"2. [jq] jq\n   Filter and transform JSON documents.\n\n"
	assert.Equal(t, want, provider.gotPrompt)
}

func TestDiscoverLLMFailureFallsBack(t *testing.T) {
	provider := &fakeLLM{genErr: errors.New("ollama unreachable")}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	resp, err := engine.Discover(context.Background(), "search text files for a regex pattern", 5)
	require.NoError(t, err)

	require.NotNil(t, resp.Match)
	assert.Equal(t, "grep", resp.Match.Domain)
	assert.Contains(t, resp.Match.Reason, "vector similarity")
	assert.Nil(t, resp.Meta.Reason)
}

func TestDiscoverUnparsableReplyFallsBack(t *testing.T) {
	provider := &fakeLLM{genReply: "I think grep would be best for this."}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	resp, err := engine.Discover(context.Background(), "search", 5)
	require.NoError(t, err)

	require.NotNil(t, resp.Match)
	assert.Equal(t, "grep", resp.Match.Domain)
	assert.Equal(t, FallbackReason, resp.Match.Reason)
}

func TestDiscoverUnknownPickFallsBack(t *testing.T) {
	provider := &fakeLLM{genReply: `{"pick": "sed", "reason": "stream editor"}`}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	resp, err := engine.Discover(context.Background(), "edit a stream", 5)
	require.NoError(t, err)

	require.NotNil(t, resp.Match)
	assert.Equal(t, "grep", resp.Match.Domain)
	assert.Equal(t, FallbackReason, resp.Match.Reason)
}

func TestDiscoverNullPickReturnsCandidatesOnly(t *testing.T) {
	provider := &fakeLLM{genReply: `{"pick": null, "reason": "none of these handle images"}`}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	resp, err := engine.Discover(context.Background(), "resize an image", 5)
	require.NoError(t, err)

	assert.Nil(t, resp.Match)
	assert.Len(t, resp.Candidates, 2)
}

func TestDiscoverEmptyIndex(t *testing.T) {
	provider := &fakeLLM{genReply: `{"pick": "grep"}`}
	engine := NewEngine(&fakeIndex{}, provider)

	resp, err := engine.Discover(context.Background(), "anything", 5)
	require.NoError(t, err)

	assert.Nil(t, resp.Match)
	assert.Empty(t, resp.Candidates)
	assert.Equal(t, 0, resp.Meta.SearchResults)
	assert.Zero(t, provider.genCalls, "arbiter must not run without candidates")
}

func TestDiscoverEmbedError(t *testing.T) {
	provider := &fakeLLM{embedErr: errors.New("embed model missing")}
	engine := NewEngine(&fakeIndex{hits: textToolHits()}, provider)

	_, err := engine.Discover(context.Background(), "task", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed task")
}

func TestDiscoverSearchError(t *testing.T) {
	provider := &fakeLLM{genReply: "{}"}
	engine := NewEngine(&fakeIndex{searchErr: errors.New("index corrupt")}, provider)

	_, err := engine.Discover(context.Background(), "task", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector search failed")
}
