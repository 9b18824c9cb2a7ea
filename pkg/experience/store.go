// Package experience is the procedural memory layer: a sqlite store of
// past task-to-manifest invocations and an engine that replays, validates
// or rebuilds them.
package experience

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/oap-works/oapd/pkg/database"
	"github.com/oap-works/oapd/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const recordColumns = `id, timestamp, use_count, last_used,
	intent_raw, intent_fingerprint, intent_domain,
	discovery_query, manifest_matched, manifest_version, confidence,
	invocation_json,
	outcome_status, outcome_http_code, outcome_summary, outcome_latency_ms,
	corrections_json`

// Store persists experience records in sqlite.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the experience database at path
// and applies its schema migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(ctx, path, migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a record keyed on its id.
func (s *Store) Save(ctx context.Context, record *models.ExperienceRecord) error {
	invocationJSON, err := json.Marshal(record.Invocation)
	if err != nil {
		return fmt.Errorf("failed to encode invocation: %w", err)
	}
	corrections := record.Corrections
	if corrections == nil {
		corrections = []models.CorrectionEntry{}
	}
	correctionsJSON, err := json.Marshal(corrections)
	if err != nil {
		return fmt.Errorf("failed to encode corrections: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO experiences (
			id, timestamp, use_count, last_used,
			intent_raw, intent_fingerprint, intent_domain,
			discovery_query, manifest_matched, manifest_version, confidence,
			invocation_json,
			outcome_status, outcome_http_code, outcome_summary, outcome_latency_ms,
			corrections_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.UseCount,
		record.LastUsed.UTC().Format(time.RFC3339Nano),
		record.Intent.Raw,
		record.Intent.Fingerprint,
		record.Intent.Domain,
		record.Discovery.QueryUsed,
		record.Discovery.ManifestMatched,
		nullable(record.Discovery.ManifestVersion),
		record.Discovery.Confidence,
		string(invocationJSON),
		record.Outcome.Status,
		record.Outcome.HTTPCode,
		record.Outcome.ResponseSummary,
		record.Outcome.LatencyMS,
		string(correctionsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save experience record: %w", err)
	}
	return nil
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*models.ExperienceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM experiences WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// FindByFingerprint returns records whose fingerprint matches exactly,
// most-used first.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string, limit int) ([]*models.ExperienceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM experiences
		 WHERE intent_fingerprint = ?
		 ORDER BY use_count DESC, last_used DESC
		 LIMIT ?`, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query by fingerprint: %w", err)
	}
	return collectRecords(rows)
}

// FindSimilar returns records in the same intent domain whose fingerprint
// starts with prefix, most-used first.
func (s *Store) FindSimilar(ctx context.Context, intentDomain, prefix string, limit int) ([]*models.ExperienceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM experiences
		 WHERE intent_domain = ? AND intent_fingerprint LIKE ?
		 ORDER BY use_count DESC, last_used DESC
		 LIMIT ?`, intentDomain, prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar records: %w", err)
	}
	return collectRecords(rows)
}

// Touch bumps use_count and refreshes last_used.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE experiences SET use_count = use_count + 1, last_used = ? WHERE id = ?`,
		now, id)
	if err != nil {
		return fmt.Errorf("failed to touch experience record: %w", err)
	}
	return nil
}

// DegradeConfidence multiplies the record's confidence by factor and marks
// its outcome failed, so it stops serving cache hits until it earns trust
// back. Returns the new confidence, or nil when the record is gone.
func (s *Store) DegradeConfidence(ctx context.Context, id string, factor float64) (*float64, error) {
	var confidence float64
	err := s.db.QueryRowContext(ctx,
		`SELECT confidence FROM experiences WHERE id = ?`, id).Scan(&confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read confidence: %w", err)
	}

	newConfidence := confidence * factor
	_, err = s.db.ExecContext(ctx,
		`UPDATE experiences SET confidence = ?, outcome_status = 'failure' WHERE id = ?`,
		newConfidence, id)
	if err != nil {
		return nil, fmt.Errorf("failed to degrade confidence: %w", err)
	}
	return &newConfidence, nil
}

// ListAll returns one page of records, most recently used first.
func (s *Store) ListAll(ctx context.Context, page, limit int) (*models.ExperiencePage, error) {
	offset := (page - 1) * limit
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM experiences
		 ORDER BY last_used DESC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experience records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}

	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ExperienceRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return &models.ExperiencePage{Records: out, Total: total, Page: page, Limit: limit}, nil
}

// Delete removes a record. Returns true when a row was deleted.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM experiences WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete experience record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delete result: %w", err)
	}
	return affected > 0, nil
}

// Count returns the total number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM experiences`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count experience records: %w", err)
	}
	return total, nil
}

// Stats summarizes the store: averages, success rate and the five
// most-recorded domains and manifests.
func (s *Store) Stats(ctx context.Context) (*models.ExperienceStats, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats := &models.ExperienceStats{
		TopDomains:   []models.DomainCount{},
		TopManifests: []models.ManifestCount{},
	}
	if total == 0 {
		return stats, nil
	}
	stats.Total = total

	var avgConfidence sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(confidence) FROM experiences`).Scan(&avgConfidence); err != nil {
		return nil, fmt.Errorf("failed to read average confidence: %w", err)
	}
	stats.AvgConfidence = round4(avgConfidence.Float64)

	var successCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM experiences WHERE outcome_status = 'success'`).Scan(&successCount); err != nil {
		return nil, fmt.Errorf("failed to count successes: %w", err)
	}
	stats.SuccessRate = round4(float64(successCount) / float64(total))

	domainRows, err := s.db.QueryContext(ctx,
		`SELECT intent_domain, COUNT(*) AS cnt FROM experiences
		 GROUP BY intent_domain ORDER BY cnt DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("failed to rank domains: %w", err)
	}
	defer domainRows.Close()
	for domainRows.Next() {
		var dc models.DomainCount
		if err := domainRows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan domain count: %w", err)
		}
		stats.TopDomains = append(stats.TopDomains, dc)
	}
	if err := domainRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to rank domains: %w", err)
	}

	manifestRows, err := s.db.QueryContext(ctx,
		`SELECT manifest_matched, COUNT(*) AS cnt FROM experiences
		 GROUP BY manifest_matched ORDER BY cnt DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("failed to rank manifests: %w", err)
	}
	defer manifestRows.Close()
	for manifestRows.Next() {
		var mc models.ManifestCount
		if err := manifestRows.Scan(&mc.Manifest, &mc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan manifest count: %w", err)
		}
		stats.TopManifests = append(stats.TopManifests, mc)
	}
	if err := manifestRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to rank manifests: %w", err)
	}

	return stats, nil
}

// Prune deletes everything beyond the max most-recently-used records.
// Returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM experiences WHERE id NOT IN (
			SELECT id FROM experiences ORDER BY last_used DESC LIMIT ?
		)`, max)
	if err != nil {
		return 0, fmt.Errorf("failed to prune experience records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ExperienceRecord, error) {
	var (
		r               models.ExperienceRecord
		timestamp       string
		lastUsed        string
		manifestVersion sql.NullString
		httpCode        sql.NullInt64
		latencyMS       sql.NullInt64
		invocationJSON  string
		correctionsJSON string
	)
	err := row.Scan(
		&r.ID, &timestamp, &r.UseCount, &lastUsed,
		&r.Intent.Raw, &r.Intent.Fingerprint, &r.Intent.Domain,
		&r.Discovery.QueryUsed, &r.Discovery.ManifestMatched, &manifestVersion, &r.Discovery.Confidence,
		&invocationJSON,
		&r.Outcome.Status, &httpCode, &r.Outcome.ResponseSummary, &latencyMS,
		&correctionsJSON,
	)
	if err != nil {
		return nil, err
	}

	if r.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
		return nil, fmt.Errorf("failed to parse record timestamp: %w", err)
	}
	if r.LastUsed, err = time.Parse(time.RFC3339Nano, lastUsed); err != nil {
		return nil, fmt.Errorf("failed to parse last_used: %w", err)
	}
	r.Discovery.ManifestVersion = manifestVersion.String
	if httpCode.Valid {
		code := int(httpCode.Int64)
		r.Outcome.HTTPCode = &code
	}
	if latencyMS.Valid {
		latency := latencyMS.Int64
		r.Outcome.LatencyMS = &latency
	}
	if err := json.Unmarshal([]byte(invocationJSON), &r.Invocation); err != nil {
		return nil, fmt.Errorf("failed to decode invocation: %w", err)
	}
	if err := json.Unmarshal([]byte(correctionsJSON), &r.Corrections); err != nil {
		return nil, fmt.Errorf("failed to decode corrections: %w", err)
	}
	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]*models.ExperienceRecord, error) {
	defer rows.Close()
	var records []*models.ExperienceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read experience rows: %w", err)
	}
	return records, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
