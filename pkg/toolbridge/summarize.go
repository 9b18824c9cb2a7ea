package toolbridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oap-works/oapd/pkg/llm"
)

const summarizeSystem = "Summarize this data concisely. " +
	"Preserve key facts, names, dates, numbers, and decisions. No preamble."

const summarizeTimeout = 120 * time.Second

// summarize map-reduces a large tool result through the LLM. Map: split
// into chunks and summarize each. Reduce: join the summaries and, if
// still over the output cap, run one final pass. Chunks are processed
// sequentially: Ollama serializes generation internally, so fanning out
// only queues requests behind each other and burns per-call timeouts.
// Any LLM failure falls back to hard truncation.
func (e *Executor) summarize(ctx context.Context, result, task string) string {
	chunks := splitChunks(result, e.cfg.ChunkSize)
	slog.Info("Summarizing tool result", "chars", len(result), "chunks", len(chunks))

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		prompt := fmt.Sprintf("User task: %s\n\nData:\n%s", task, chunk)
		raw, meta, err := e.llm.Generate(ctx, prompt,
			llm.WithSystem(summarizeSystem),
			llm.WithTimeout(summarizeTimeout),
		)
		if err != nil {
			slog.Warn("Summarize chunk failed, falling back to truncation",
				"chunk", i+1, "chunks", len(chunks), "error", err)
			return truncateText(result, e.cfg.MaxToolResult) + "\n...(truncated)"
		}
		summary := strings.TrimSpace(llm.StripThink(raw))
		slog.Info("Summarized chunk",
			"chunk", i+1, "chunks", len(chunks),
			"in_chars", len(chunk), "out_chars", len(summary), "ms", meta.TotalMS)
		summaries = append(summaries, summary)
	}

	combined := strings.Join(summaries, "\n\n")
	if len(combined) > e.cfg.MaxToolResult {
		slog.Info("Reduce pass", "chars", len(combined), "target", e.cfg.MaxToolResult)
		prompt := fmt.Sprintf("User task: %s\n\nData:\n%s", task, combined)
		raw, _, err := e.llm.Generate(ctx, prompt,
			llm.WithSystem(summarizeSystem),
			llm.WithTimeout(summarizeTimeout),
		)
		if err != nil {
			slog.Warn("Reduce pass failed, truncating", "error", err)
			return truncateText(combined, e.cfg.MaxToolResult) + "\n...(truncated)"
		}
		combined = strings.TrimSpace(llm.StripThink(raw))
	}
	return combined
}

// splitChunks splits text into chunks of at most chunkSize bytes,
// backtracking each split point to the last newline so records are not
// cut mid-line.
func splitChunks(text string, chunkSize int) []string {
	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		if nl := strings.LastIndex(text[start:end], "\n"); nl > 0 {
			end = start + nl + 1
		}
		chunks = append(chunks, text[start:end])
		start = end
	}
	return chunks
}

// truncateText caps a string at n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
