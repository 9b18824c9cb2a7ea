// Package vectordb persists capability manifests in an embedded vector
// index. Embeddings are computed by the caller; the index never phones an
// embedding provider on its own.
package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/oap-works/oapd/pkg/config"
	"github.com/oap-works/oapd/pkg/models"
)

const catalogFile = "catalog.json"

// Hit is one vector search result. Score is the cosine distance: lower
// means more similar.
type Hit struct {
	Domain      string
	Name        string
	Description string
	Manifest    map[string]any
	Score       float64
}

// catalogEntry is the listing sidecar for one stored manifest. The vector
// index cannot enumerate its documents, so listing and direct lookup run
// against this catalog instead.
type catalogEntry struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Manifest    string    `json:"manifest_json"`
	Hash        string    `json:"hash,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Store wraps a persistent chromem collection plus the domain catalog.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection

	mu          sync.RWMutex
	catalog     map[string]catalogEntry
	catalogPath string
}

// NewStore opens (or creates) the on-disk index under cfg.Path. The
// embedding function is only consulted if a document arrives without a
// vector; normal operation always supplies vectors explicitly.
func NewStore(cfg config.IndexConfig, embed chromem.EmbeddingFunc) (*Store, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(cfg.Path, "index"), false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.Collection, err)
	}

	s := &Store{
		db:          db,
		collection:  collection,
		catalog:     map[string]catalogEntry{},
		catalogPath: filepath.Join(cfg.Path, catalogFile),
	}
	if err := s.loadCatalog(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadCatalog() error {
	data, err := os.ReadFile(s.catalogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest catalog: %w", err)
	}
	if err := json.Unmarshal(data, &s.catalog); err != nil {
		return fmt.Errorf("failed to decode manifest catalog: %w", err)
	}
	return nil
}

// persistCatalog writes the catalog atomically. Callers hold the write
// lock.
func (s *Store) persistCatalog() error {
	data, err := json.MarshalIndent(s.catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest catalog: %w", err)
	}
	tmp := s.catalogPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest catalog: %w", err)
	}
	if err := os.Rename(tmp, s.catalogPath); err != nil {
		return fmt.Errorf("failed to replace manifest catalog: %w", err)
	}
	return nil
}

// Upsert stores a manifest under its domain with the given embedding,
// replacing any previous version.
func (s *Store) Upsert(ctx context.Context, domain string, manifest map[string]any, embedding []float32, hash string) error {
	name, _ := manifest["name"].(string)
	description, _ := manifest["description"].(string)
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest for %s: %w", domain, err)
	}

	metadata := map[string]string{
		"name":          name,
		"description":   description,
		"manifest_json": string(manifestJSON),
	}
	if invoke, ok := manifest["invoke"].(map[string]any); ok {
		if method, ok := invoke["method"].(string); ok {
			metadata["invoke_method"] = method
		}
		if url, ok := invoke["url"].(string); ok {
			metadata["invoke_url"] = url
		}
	}

	err = s.collection.AddDocument(ctx, chromem.Document{
		ID:        domain,
		Content:   description,
		Embedding: embedding,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to index manifest for %s: %w", domain, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[domain] = catalogEntry{
		Name:        name,
		Description: description,
		Manifest:    string(manifestJSON),
		Hash:        hash,
		FetchedAt:   time.Now().UTC(),
	}
	return s.persistCatalog()
}

// Search returns the closest manifests to a query embedding, best first.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int) ([]Hit, error) {
	n := topK
	if c := s.collection.Count(); n > c {
		n = c
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{
			Domain:      r.ID,
			Name:        r.Metadata["name"],
			Description: r.Metadata["description"],
			Score:       float64(1 - r.Similarity),
		}
		if raw := r.Metadata["manifest_json"]; raw != "" {
			var m map[string]any
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				slog.Warn("Stored manifest is not valid JSON", "domain", r.ID, "error", err)
			} else {
				hit.Manifest = m
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Get returns the stored manifest for a domain, or false.
func (s *Store) Get(domain string) (map[string]any, bool) {
	s.mu.RLock()
	entry, ok := s.catalog[domain]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(entry.Manifest), &m); err != nil {
		slog.Warn("Cataloged manifest is not valid JSON", "domain", domain, "error", err)
		return nil, false
	}
	return m, true
}

// Hash returns the stored content hash for a domain, or "".
func (s *Store) Hash(domain string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog[domain].Hash
}

// List returns all indexed domains sorted by domain name.
func (s *Store) List() []models.ManifestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.ManifestEntry, 0, len(s.catalog))
	for domain, e := range s.catalog {
		entries = append(entries, models.ManifestEntry{
			Domain:      domain,
			Name:        e.Name,
			Description: e.Description,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Domain < entries[j].Domain })
	return entries
}

// Count returns the number of indexed manifests.
func (s *Store) Count() int {
	return s.collection.Count()
}

// Delete removes a domain from the index and the catalog.
func (s *Store) Delete(ctx context.Context, domain string) error {
	if err := s.collection.Delete(ctx, nil, nil, domain); err != nil {
		return fmt.Errorf("failed to delete %s from index: %w", domain, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.catalog, domain)
	return s.persistCatalog()
}
