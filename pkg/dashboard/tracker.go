package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/urlguard"
	"github.com/oap-works/oapd/pkg/version"
)

// Tracker probes seed domains for published manifests and records what
// it finds: the inventory row, a snapshot per probe, and the daily
// adoption counts. Unlike the discovery crawler it keeps history for
// domains that fail, so the dashboard can show churn.
type Tracker struct {
	cfg       config.TrackerConfig
	store     *Store
	client    *http.Client
	guardOpts []urlguard.Option
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithGuardOptions adds URL safety options to every probe.
func WithGuardOptions(opts ...urlguard.Option) TrackerOption {
	return func(t *Tracker) { t.guardOpts = append(t.guardOpts, opts...) }
}

// WithHTTPClient substitutes the HTTP client used for probes (tests rig
// its transport).
func WithHTTPClient(client *http.Client) TrackerOption {
	return func(t *Tracker) { t.client = client }
}

// NewTracker builds a tracker over the dashboard store. Redirects are
// never followed: a redirect chain could hop past the URL guard.
func NewTracker(cfg config.TrackerConfig, store *Store, opts ...TrackerOption) *Tracker {
	t := &Tracker{cfg: cfg, store: store}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: cfg.FetchTimeout()}
	}
	t.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return t
}

// TrackDomain probes a single domain and records the result. It reports
// whether a valid manifest was found and stored; every non-blocked probe
// leaves a snapshot either way.
func (t *Tracker) TrackDomain(ctx context.Context, domain string) bool {
	url := "https://" + domain + manifest.WellKnownPath
	if err := urlguard.Check(ctx, url, t.guardOpts...); err != nil {
		slog.Warn("Blocked URL", "url", url, "error", err)
		return false
	}

	start := time.Now()
	raw, status, err := t.fetch(ctx, url)
	elapsed := time.Since(start)
	if err != nil {
		t.snapshot(ctx, domain, SnapshotError, "", elapsed)
		slog.Warn("Probe failed", "domain", domain, "error", err)
		return false
	}
	if status != http.StatusOK {
		t.snapshot(ctx, domain, SnapshotError, "", elapsed)
		slog.Warn("Probe failed", "domain", domain, "status", status)
		return false
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.snapshot(ctx, domain, SnapshotError, "", elapsed)
		slog.Warn("Probe returned non-JSON manifest", "domain", domain, "error", err)
		return false
	}

	hash, err := manifest.HashValue(doc)
	if err != nil {
		t.snapshot(ctx, domain, SnapshotError, "", elapsed)
		slog.Warn("Failed to hash manifest", "domain", domain, "error", err)
		return false
	}

	if errs, _ := manifest.Validate(doc); len(errs) > 0 {
		t.snapshot(ctx, domain, SnapshotError, hash, elapsed)
		slog.Warn("Invalid manifest", "domain", domain, "errors", strings.Join(errs, "; "))
		return false
	}

	tracked := trackedFromDoc(domain, url, hash, doc)
	tracked.HealthOK = t.checkHealth(ctx, doc)

	isNew, err := t.store.UpsertManifest(ctx, tracked)
	if err != nil {
		slog.Error("Failed to store tracked manifest", "domain", domain, "error", err)
		return false
	}
	t.snapshot(ctx, domain, SnapshotOK, hash, elapsed)

	state := "updated"
	if isNew {
		state = "new"
	}
	slog.Info("Tracked manifest", "domain", domain, "state", state,
		"elapsed_ms", elapsed.Milliseconds())
	return true
}

// fetch GETs a URL with the size cap applied, returning the body and
// status code. Transport failures are the only error case; non-200
// responses come back as data for the caller to record.
func (t *Tracker) fetch(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("User-Agent", version.Full())
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, manifest.MaxManifestSize))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read probe response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// checkHealth probes the manifest's declared health URL. nil means no
// health URL was declared; a guard rejection or any non-200 response is
// unhealthy.
func (t *Tracker) checkHealth(ctx context.Context, doc map[string]any) *bool {
	healthURL, _ := doc["health"].(string)
	if healthURL == "" {
		return nil
	}
	ok := false
	if err := urlguard.Check(ctx, healthURL, t.guardOpts...); err != nil {
		return &ok
	}
	_, status, err := t.fetch(ctx, healthURL)
	ok = err == nil && status == http.StatusOK
	return &ok
}

// snapshot records one probe, logging rather than failing the pass when
// the write breaks.
func (t *Tracker) snapshot(ctx context.Context, domain, status, hash string, elapsed time.Duration) {
	if err := t.store.AddSnapshot(ctx, domain, status, hash, elapsed); err != nil {
		slog.Error("Failed to record snapshot", "domain", domain, "error", err)
	}
}

// TrackOnce probes every domain in the seeds file, refreshes the daily
// counts, and reports how many manifests were found.
func (t *Tracker) TrackOnce(ctx context.Context) int {
	domains, err := t.domainList()
	if err != nil {
		slog.Error("Failed to read seeds file", "path", t.cfg.SeedsFile, "error", err)
		return 0
	}
	if len(domains) == 0 {
		slog.Info("No domains in seeds file")
		return 0
	}

	limit := t.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}

	var found atomic.Int64
	var g errgroup.Group
	g.SetLimit(limit)
	for _, domain := range domains {
		g.Go(func() error {
			if t.TrackDomain(ctx, domain) {
				found.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := t.store.UpdateDailyStats(ctx); err != nil {
		slog.Error("Failed to update daily stats", "error", err)
	}
	slog.Info("Tracking pass complete", "found", found.Load(), "domains", len(domains))
	return int(found.Load())
}

// domainList reads the seeds file, one domain per line. Blank lines and
// #-comments are skipped; a missing file is an empty list.
func (t *Tracker) domainList() ([]string, error) {
	raw, err := os.ReadFile(t.cfg.SeedsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var domains []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, line)
	}
	return domains, nil
}

// Run tracks on a fixed interval until ctx is done. The first pass runs
// immediately.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.CrawlInterval()
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("Starting adoption tracker", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t.TrackOnce(ctx)
		select {
		case <-ctx.Done():
			slog.Info("Tracker stopped")
			return
		case <-ticker.C:
		}
	}
}

// trackedFromDoc pulls the inventory fields out of a validated manifest
// document.
func trackedFromDoc(domain, url, hash string, doc map[string]any) *TrackedManifest {
	m := &TrackedManifest{
		Domain:       domain,
		ManifestURL:  url,
		ManifestHash: hash,
	}
	m.Name, _ = doc["name"].(string)
	m.Description, _ = doc["description"].(string)
	m.OAPVersion, _ = doc["oap"].(string)

	if invoke, ok := doc["invoke"].(map[string]any); ok {
		m.InvokeURL, _ = invoke["url"].(string)
		m.InvokeMethod, _ = invoke["method"].(string)
	}
	if tags, ok := doc["tags"].([]any); ok {
		for _, tag := range tags {
			if s, ok := tag.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	if publisher, ok := doc["publisher"].(map[string]any); ok {
		m.PublisherName, _ = publisher["name"].(string)
	}
	return m
}
