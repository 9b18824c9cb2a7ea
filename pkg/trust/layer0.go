package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/oap-works/oapd/pkg/manifest"
)

// CheckLayer0 runs the unauthenticated manifest checks for a domain:
// served over HTTPS, valid JSON, required fields present, recognized
// version. A fetch or decode failure short-circuits the field checks.
func (s *Service) CheckLayer0(ctx context.Context, domain string) Layer0Result {
	result := Layer0Result{
		Domain: domain,
		HTTPS:  s.fetcher.Scheme() == "https",
		Errors: []string{},
	}

	raw, err := s.fetcher.FetchRaw(ctx, domain)
	if err != nil {
		var statusErr *manifest.StatusError
		if errors.As(err, &statusErr) {
			result.Errors = append(result.Errors, fmt.Sprintf("HTTP %d fetching manifest", statusErr.Code))
		} else {
			result.Errors = append(result.Errors, fmt.Sprintf("Failed to fetch manifest: %v", err))
		}
		return result
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to fetch manifest: %v", err))
		return result
	}
	result.ValidJSON = true

	var missing []string
	for _, field := range manifest.RequiredFields {
		if _, ok := doc[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		result.Errors = append(result.Errors, "Missing required fields: "+strings.Join(missing, ", "))
	} else {
		result.HasRequiredFields = true
	}

	if version, ok := doc["oap"].(string); ok && version == manifest.Version {
		result.ValidVersion = true
	} else {
		result.Errors = append(result.Errors, fmt.Sprintf("Unrecognized OAP version: %v", doc["oap"]))
	}

	// The hash goes into the result even when field checks fail, so
	// callers can still pin what they saw.
	hash, err := manifest.HashValue(doc)
	if err != nil {
		slog.Warn("Failed to hash manifest", "domain", domain, "error", err)
	} else {
		result.ManifestHash = hash
	}

	result.Passed = result.HTTPS && result.ValidJSON && result.HasRequiredFields && result.ValidVersion
	return result
}
