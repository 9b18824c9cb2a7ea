package toolbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"myNewscast Meeting Processor", "oap_mynewscast_meeting_processor"},
		{"GNU Grep", "oap_gnu_grep"},
		{"Weather-API (v2)", "oap_weather_api_v2"},
		{"  spaced  ", "oap_spaced"},
		{"jq", "oap_jq"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SlugName(tc.name), "slug of %q", tc.name)
	}
}

func TestConvertDeclaredParametersVerbatim(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Weather API",
		"description": "Forecast service",
		"invoke":      map[string]any{"method": "POST", "url": "https://api.example.com/forecast"},
		"input": map[string]any{
			"format": "application/json",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string", "description": "City name"},
				},
				"required": []any{"city"},
			},
		},
		"examples": []any{
			map[string]any{"input": map[string]any{"city": "Oslo", "units": "metric"}},
		},
	}

	entry := Convert("api.example.com", raw)

	assert.Equal(t, "function", entry.Tool.Type)
	assert.Equal(t, "oap_weather_api", entry.Tool.Function.Name)
	assert.Equal(t, "api.example.com", entry.Domain)
	require.NotNil(t, entry.Parsed)

	params := entry.Tool.Function.Parameters
	props, ok := params["properties"].(map[string]any)
	require.True(t, ok)

	city, ok := props["city"].(map[string]any)
	require.True(t, ok, "declared property kept verbatim")
	assert.Equal(t, "City name", city["description"])

	units, ok := props["units"].(map[string]any)
	require.True(t, ok, "example-only key folded in")
	assert.Equal(t, "string", units["type"])

	assert.Equal(t, []any{"city"}, params["required"], "example keys stay optional")
}

func TestConvertStdioSplitsDescription(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "grep",
		"description": "Search text",
		"invoke":      map[string]any{"method": "stdio", "url": "grep"},
		"input": map[string]any{
			"format":      "text/plain",
			"description": "Text to search is read from standard input. Pass the pattern as the first argument.",
		},
	}

	params := Convert("grep", raw).Tool.Function.Parameters
	props := params["properties"].(map[string]any)

	stdin := props["stdin"].(map[string]any)
	assert.Equal(t, "Text to search is read from standard input.", stdin["description"])

	args := props["args"].(map[string]any)
	assert.Equal(t, "Pass the pattern as the first argument.", args["description"])

	_, hasRequired := params["required"]
	assert.False(t, hasRequired, "stdin and args are both optional")
}

func TestConvertStdioDefaults(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "wc",
		"description": "Count words",
		"invoke":      map[string]any{"method": "stdio", "url": "wc"},
	}

	props := Convert("wc", raw).Tool.Function.Parameters["properties"].(map[string]any)
	assert.Equal(t, "Text piped to standard input", props["stdin"].(map[string]any)["description"])
	assert.Equal(t, "Command-line flags and arguments", props["args"].(map[string]any)["description"])
}

func TestConvertJSONQuotedFields(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Forecast",
		"description": "Weather forecasts",
		"invoke":      map[string]any{"method": "POST", "url": "https://api.example.com/f"},
		"input": map[string]any{
			"format":      "application/json",
			"description": `JSON object with 'city' and "days" fields.`,
		},
	}

	params := Convert("api.example.com", raw).Tool.Function.Parameters
	props := params["properties"].(map[string]any)

	require.Contains(t, props, "city")
	require.Contains(t, props, "days")
	assert.Equal(t, "The 'city' value", props["city"].(map[string]any)["description"])
	assert.Equal(t, []string{"city", "days"}, params["required"])
}

func TestConvertJSONWithoutFields(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Ingest",
		"description": "Data sink",
		"invoke":      map[string]any{"method": "POST", "url": "https://api.example.com/ingest"},
		"input": map[string]any{
			"format":      "application/json",
			"description": "Any JSON payload.",
		},
	}

	params := Convert("api.example.com", raw).Tool.Function.Parameters
	props := params["properties"].(map[string]any)

	require.Contains(t, props, "data")
	assert.Equal(t, "Any JSON payload.", props["data"].(map[string]any)["description"])
	assert.Equal(t, []string{"data"}, params["required"])
}

func TestConvertTextInput(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Echo Service",
		"description": "Echoes text",
		"invoke":      map[string]any{"method": "POST", "url": "https://echo.example.com/api"},
		"input": map[string]any{
			"format":      "text/plain",
			"description": "The text to echo back.",
		},
	}

	params := Convert("echo.example.com", raw).Tool.Function.Parameters
	props := params["properties"].(map[string]any)

	require.Contains(t, props, "input")
	assert.Equal(t, "The text to echo back.", props["input"].(map[string]any)["description"])
	assert.Equal(t, []string{"input"}, params["required"])
}

func TestConvertNoInputSpec(t *testing.T) {
	raw := map[string]any{
		"oap":         "1.0",
		"name":        "Pinger",
		"description": "Pings things",
		"invoke":      map[string]any{"method": "GET", "url": "https://ping.example.com"},
	}

	params := Convert("ping.example.com", raw).Tool.Function.Parameters
	props := params["properties"].(map[string]any)

	assert.Equal(t, "Input for Pinger", props["input"].(map[string]any)["description"])
	assert.Equal(t, []string{"input"}, params["required"])
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First sentence. Second one! Third? And a tail")
	assert.Equal(t, []string{"First sentence.", "Second one!", "Third?", "And a tail"}, got)

	assert.Equal(t, []string{"No terminator"}, splitSentences("No terminator"))
	assert.Empty(t, splitSentences(""))
}

func TestExtractJSONFields(t *testing.T) {
	fields := extractJSONFields(`Needs 'alpha', then "beta_2" and 'alpha' again; ignores 'Upper' and '2bad'.`)
	assert.Equal(t, []string{"alpha", "beta_2"}, fields)
}
