package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)
)

// StripThink removes reasoning-model <think>...</think> blocks from a
// reply and trims the remainder.
func StripThink(text string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
}

// ExtractJSON pulls the first JSON object out of a model reply. Replies
// are decoded in escalating order: as-is, after mechanical repair of
// near-JSON (unquoted keys, trailing commas), and finally the first
// brace-delimited object found anywhere in the text.
func ExtractJSON(text string) (map[string]any, bool) {
	text = StripThink(text)

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, true
	}

	if repaired, err := jsonrepair.JSONRepair(text); err == nil {
		obj = nil
		if err := json.Unmarshal([]byte(repaired), &obj); err == nil && obj != nil {
			return obj, true
		}
	}

	if m := jsonObjectRe.FindString(text); m != "" {
		obj = nil
		if err := json.Unmarshal([]byte(m), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}
