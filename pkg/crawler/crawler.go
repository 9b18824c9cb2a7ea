// Package crawler keeps the manifest index current. It fetches
// /.well-known/oap.json from seed domains, validates and embeds each
// manifest, and upserts changed content into the vector index. Local
// seed files bootstrap the index without any network access.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/manifest"
	"github.com/oap-works/oapd/pkg/models"
	"github.com/oap-works/oapd/pkg/urlguard"
)

// seenCacheSize bounds the in-process content-hash cache.
const seenCacheSize = 4096

// seedVectorDims matches the nomic-embed-text output size. Seed manifests
// stored without an embedder get a zero vector of this length.
const seedVectorDims = 768

// Embedder is the slice of the model client the crawler needs.
type Embedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, *models.LLMCallMeta, error)
}

// Index is the slice of the manifest store the crawler needs.
type Index interface {
	Upsert(ctx context.Context, domain string, manifest map[string]any, embedding []float32, hash string) error
	Hash(domain string) string
}

// Crawler fetches, validates, embeds, and stores capability manifests.
type Crawler struct {
	cfg       config.CrawlerConfig
	index     Index
	embed     Embedder
	fetcher   *manifest.Fetcher
	client    *http.Client
	guardOpts []urlguard.Option
	seen      *lru.Cache[string, string]
}

// Option customizes a Crawler.
type Option func(*Crawler)

// WithGuardOptions adds URL safety options to every fetch.
func WithGuardOptions(opts ...urlguard.Option) Option {
	return func(c *Crawler) { c.guardOpts = append(c.guardOpts, opts...) }
}

// WithHTTPClient substitutes the HTTP client used for manifest fetches
// (tests rig its transport).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Crawler) { c.client = client }
}

// NewCrawler builds a crawler over a manifest index. embed may be nil:
// seed loading then stores zero vectors and remote crawling is refused.
func NewCrawler(cfg config.CrawlerConfig, index Index, embed Embedder, opts ...Option) (*Crawler, error) {
	seen, err := lru.New[string, string](seenCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Crawler{
		cfg:    cfg,
		index:  index,
		embed:  embed,
		client: &http.Client{Timeout: cfg.FetchTimeout()},
		seen:   seen,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fetcher = manifest.NewFetcher(cfg.FetchTimeout(),
		manifest.WithUserAgent(cfg.UserAgent),
		manifest.WithClient(c.client),
		manifest.WithGuardOptions(c.guardOpts...),
	)
	return c, nil
}

// CrawlDomain fetches and indexes the manifest for a single domain.
// Unchanged content counts as success.
func (c *Crawler) CrawlDomain(ctx context.Context, domain string) bool {
	url := c.fetcher.URL(domain)
	if err := urlguard.Check(ctx, url, c.guardOpts...); err != nil {
		slog.Warn("Blocked URL", "url", url, "error", err)
		return false
	}

	raw, err := c.fetcher.FetchRaw(ctx, domain)
	if err != nil {
		slog.Warn("Failed to fetch manifest", "url", url, "error", err)
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("Failed to fetch manifest", "url", url, "error", err)
		return false
	}

	if errs, _ := manifest.Validate(doc); len(errs) > 0 {
		slog.Warn("Invalid manifest", "domain", domain, "errors", strings.Join(errs, "; "))
		return false
	}

	hash, err := manifest.HashValue(doc)
	if err != nil {
		slog.Warn("Failed to hash manifest", "domain", domain, "error", err)
		return false
	}
	if c.unchanged(domain, hash) {
		slog.Debug("Skipping unchanged manifest", "domain", domain)
		return true
	}

	if c.embed == nil {
		slog.Error("Embedder required for crawling remote domains", "domain", domain)
		return false
	}
	desc, _ := doc["description"].(string)
	embedding, _, err := c.embed.EmbedDocument(ctx, desc)
	if err != nil {
		slog.Warn("Failed to embed manifest", "domain", domain, "error", err)
		return false
	}

	if err := c.index.Upsert(ctx, domain, doc, embedding, hash); err != nil {
		slog.Error("Failed to store manifest", "domain", domain, "error", err)
		return false
	}
	c.seen.Add(domain, hash)
	slog.Info("Indexed manifest", "domain", domain, "name", doc["name"])
	return true
}

// unchanged reports whether the stored content for domain already matches
// hash. The in-process cache is consulted first, then the index, so a
// restarted crawler still skips content it indexed in a previous run.
func (c *Crawler) unchanged(domain, hash string) bool {
	if prev, ok := c.seen.Get(domain); ok && prev == hash {
		return true
	}
	if c.index.Hash(domain) == hash {
		c.seen.Add(domain, hash)
		return true
	}
	return false
}

// CrawlOnce crawls every domain in the seeds file and reports how many
// are indexed and current.
func (c *Crawler) CrawlOnce(ctx context.Context) int {
	domains, err := c.domainList()
	if err != nil {
		slog.Error("Failed to read seeds file", "path", c.cfg.SeedsFile, "error", err)
		return 0
	}
	if len(domains) == 0 {
		slog.Info("No domains in seeds file")
		return 0
	}

	limit := c.cfg.Concurrency
	if limit < 1 {
		limit = 1
	}

	var indexed atomic.Int64
	var g errgroup.Group
	g.SetLimit(limit)
	for _, domain := range domains {
		g.Go(func() error {
			if c.CrawlDomain(ctx, domain) {
				indexed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(indexed.Load())
}

// domainList reads the seeds file, one domain per line. Blank lines and
// #-comments are skipped; a missing file is an empty list.
func (c *Crawler) domainList() ([]string, error) {
	raw, err := os.ReadFile(c.cfg.SeedsFile)
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

// Run crawls on a fixed interval until ctx is done. The first pass runs
// immediately.
func (c *Crawler) Run(ctx context.Context) {
	interval := c.cfg.CrawlInterval()
	if interval <= 0 {
		interval = time.Hour
	}
	slog.Info("Starting crawler", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		count := c.CrawlOnce(ctx)
		slog.Info("Crawl complete", "indexed", count)
		select {
		case <-ctx.Done():
			slog.Info("Crawler stopped")
			return
		case <-ticker.C:
		}
	}
}

// LoadSeeds indexes the bundled manifests under the seeds directory. Each
// <stem>.json becomes domain "local/<stem>". Without an embedder the
// manifests are stored with zero vectors, so startup never blocks on the
// model server.
func (c *Crawler) LoadSeeds(ctx context.Context) (int, error) {
	if _, err := os.Stat(c.cfg.SeedsDir); errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Seeds directory not found", "dir", c.cfg.SeedsDir)
		return 0, nil
	}
	paths, err := filepath.Glob(filepath.Join(c.cfg.SeedsDir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("listing seeds: %w", err)
	}
	sort.Strings(paths)

	count := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		name := filepath.Base(path)

		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Error("Failed to read seed manifest", "file", name, "error", err)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			slog.Error("Failed to read seed manifest", "file", name, "error", err)
			continue
		}

		errs, warnings := manifest.Validate(doc)
		if len(errs) > 0 {
			slog.Error("Invalid seed manifest", "file", name, "errors", strings.Join(errs, "; "))
			continue
		}
		for _, w := range warnings {
			slog.Warn("Seed manifest warning", "file", name, "warning", w)
		}

		domain := "local/" + strings.TrimSuffix(name, filepath.Ext(name))
		hash, err := manifest.HashValue(doc)
		if err != nil {
			slog.Error("Failed to hash seed manifest", "file", name, "error", err)
			continue
		}
		if c.unchanged(domain, hash) {
			slog.Debug("Skipping unchanged manifest", "domain", domain)
			continue
		}

		if err := c.index.Upsert(ctx, domain, doc, c.seedEmbedding(ctx, doc), hash); err != nil {
			slog.Error("Failed to store seed manifest", "domain", domain, "error", err)
			continue
		}
		c.seen.Add(domain, hash)
		slog.Info("Indexed seed manifest", "domain", domain, "name", doc["name"])
		count++
	}
	return count, nil
}

// seedEmbedding embeds the manifest description, or falls back to a zero
// vector when no embedder is configured or the model call fails.
func (c *Crawler) seedEmbedding(ctx context.Context, doc map[string]any) []float32 {
	desc, _ := doc["description"].(string)
	if c.embed != nil {
		embedding, _, err := c.embed.EmbedDocument(ctx, desc)
		if err == nil {
			return embedding
		}
		slog.Warn("Failed to embed seed manifest, storing zero vector", "error", err)
	}
	return make([]float32, seedVectorDims)
}
