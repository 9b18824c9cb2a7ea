// Package dashboard tracks OAP adoption: a crawler probes published
// manifests on a schedule and records what it finds, and an HTTP API
// serves the resulting counts, history, and manifest inventory.
package dashboard

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oap-works/oapd/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is second-precision UTC RFC 3339, fixed-width so the lexical
// date-prefix matching in daily stats works.
const timeFormat = time.RFC3339

// dateFormat keys the stats_daily table.
const dateFormat = "2006-01-02"

// TrackedManifest is one row of the adoption inventory.
type TrackedManifest struct {
	Domain        string    `json:"domain"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	ManifestURL   string    `json:"manifest_url"`
	ManifestHash  string    `json:"manifest_hash"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	LastChecked   time.Time `json:"last_checked"`
	OAPVersion    string    `json:"oap_version"`
	InvokeURL     string    `json:"invoke_url,omitempty"`
	InvokeMethod  string    `json:"invoke_method,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	PublisherName string    `json:"publisher_name,omitempty"`
	HealthOK      *bool     `json:"health_ok"`
}

// Snapshot records one probe of a domain, successful or not.
type Snapshot struct {
	ID             int64     `json:"id"`
	Domain         string    `json:"domain"`
	CheckedAt      time.Time `json:"checked_at"`
	Status         string    `json:"status"`
	ManifestHash   string    `json:"manifest_hash,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// Snapshot statuses.
const (
	SnapshotOK    = "ok"
	SnapshotError = "error"
)

// DailyStat is one day of adoption counts.
type DailyStat struct {
	Date    string `json:"date"`
	Total   int    `json:"total"`
	New     int    `json:"new"`
	Healthy int    `json:"healthy"`
}

// ManifestPage is a page of the inventory, newest sightings first.
type ManifestPage struct {
	Manifests []TrackedManifest `json:"manifests"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	Limit     int               `json:"limit"`
}

// Store persists the adoption inventory in an embedded sqlite file.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the dashboard database at path
// and applies migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(ctx, path, migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertManifest inserts or refreshes a tracked manifest and reports
// whether the domain is new. first_seen survives updates; last_seen and
// last_checked are stamped on every call.
func (s *Store) UpsertManifest(ctx context.Context, m *TrackedManifest) (bool, error) {
	now := time.Now().UTC().Format(timeFormat)

	tags, err := encodeTags(m.Tags)
	if err != nil {
		return false, err
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT domain FROM manifests WHERE domain = ?`, m.Domain).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO manifests
				(domain, name, description, manifest_url, manifest_hash,
				 first_seen, last_seen, last_checked, oap_version,
				 invoke_url, invoke_method, tags, publisher_name, health_ok)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Domain, m.Name, m.Description, m.ManifestURL, m.ManifestHash,
			now, now, now, m.OAPVersion,
			nullable(m.InvokeURL), nullable(m.InvokeMethod), tags,
			nullable(m.PublisherName), healthValue(m.HealthOK))
		if err != nil {
			return false, fmt.Errorf("failed to insert manifest: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up manifest: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE manifests SET
			name=?, description=?, manifest_url=?, manifest_hash=?,
			last_seen=?, last_checked=?, oap_version=?,
			invoke_url=?, invoke_method=?, tags=?, publisher_name=?, health_ok=?
		WHERE domain=?`,
		m.Name, m.Description, m.ManifestURL, m.ManifestHash,
		now, now, m.OAPVersion,
		nullable(m.InvokeURL), nullable(m.InvokeMethod), tags,
		nullable(m.PublisherName), healthValue(m.HealthOK),
		m.Domain)
	if err != nil {
		return false, fmt.Errorf("failed to update manifest: %w", err)
	}
	return false, nil
}

// AddSnapshot records one probe attempt.
func (s *Store) AddSnapshot(ctx context.Context, domain, status, manifestHash string, responseTime time.Duration) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (domain, checked_at, status, manifest_hash, response_time_ms)
		VALUES (?, ?, ?, ?, ?)`,
		domain, now, status, nullable(manifestHash), responseTime.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to add snapshot: %w", err)
	}
	return nil
}

// Snapshots returns the most recent probes of a domain, newest first.
func (s *Store) Snapshots(ctx context.Context, domain string, limit int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, checked_at, status, manifest_hash, response_time_ms
		FROM snapshots
		WHERE domain = ?
		ORDER BY checked_at DESC, id DESC
		LIMIT ?`, domain, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var snap Snapshot
		var checked string
		var hash sql.NullString
		var ms sql.NullInt64
		if err := rows.Scan(&snap.ID, &snap.Domain, &checked, &snap.Status, &hash, &ms); err != nil {
			return nil, err
		}
		if snap.CheckedAt, err = time.Parse(timeFormat, checked); err != nil {
			return nil, fmt.Errorf("bad checked_at %q: %w", checked, err)
		}
		snap.ManifestHash = hash.String
		snap.ResponseTimeMS = ms.Int64
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// UpdateDailyStats recomputes today's adoption counts. Repeated calls
// within a day replace the row.
func (s *Store) UpdateDailyStats(ctx context.Context) error {
	today := time.Now().UTC().Format(dateFormat)

	var total, fresh, healthy int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests`).Scan(&total); err != nil {
		return fmt.Errorf("failed to count manifests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests WHERE first_seen LIKE ?`, today+"%").Scan(&fresh); err != nil {
		return fmt.Errorf("failed to count new manifests: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests WHERE health_ok = 1`).Scan(&healthy); err != nil {
		return fmt.Errorf("failed to count healthy manifests: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO stats_daily (date, total, new, healthy)
		VALUES (?, ?, ?, ?)`, today, total, fresh, healthy)
	if err != nil {
		return fmt.Errorf("failed to update daily stats: %w", err)
	}
	return nil
}

// Stats returns the most recent daily counts. Before the first tracking
// pass writes a row, it falls back to live counts.
func (s *Store) Stats(ctx context.Context) (DailyStat, error) {
	var stat DailyStat
	err := s.db.QueryRowContext(ctx, `
		SELECT date, total, new, healthy FROM stats_daily
		ORDER BY date DESC LIMIT 1`).
		Scan(&stat.Date, &stat.Total, &stat.New, &stat.Healthy)
	if err == nil {
		return stat, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return DailyStat{}, err
	}

	stat.Date = time.Now().UTC().Format(dateFormat)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests`).Scan(&stat.Total); err != nil {
		return DailyStat{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests WHERE health_ok = 1`).Scan(&stat.Healthy); err != nil {
		return DailyStat{}, err
	}
	return stat, nil
}

// StatsHistory returns up to days of daily counts in ascending date order.
func (s *Store) StatsHistory(ctx context.Context, days int) ([]DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, total, new, healthy FROM stats_daily
		ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := make([]DailyStat, 0)
	for rows.Next() {
		var stat DailyStat
		if err := rows.Scan(&stat.Date, &stat.Total, &stat.New, &stat.Healthy); err != nil {
			return nil, err
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first for charting.
	for i, j := 0, len(stats)-1; i < j; i, j = i+1, j-1 {
		stats[i], stats[j] = stats[j], stats[i]
	}
	return stats, nil
}

// Manifests returns a page of the inventory ordered by last_seen, newest
// first.
func (s *Store) Manifests(ctx context.Context, page, limit int) (*ManifestPage, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests`).Scan(&total); err != nil {
		return nil, err
	}

	offset := (page - 1) * limit
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, name, description, manifest_url, manifest_hash,
		       first_seen, last_seen, last_checked, oap_version,
		       invoke_url, invoke_method, tags, publisher_name, health_ok
		FROM manifests
		ORDER BY last_seen DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	manifests := make([]TrackedManifest, 0)
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ManifestPage{Manifests: manifests, Total: total, Page: page, Limit: limit}, nil
}

// Manifest returns one tracked domain, or nil when it is unknown.
func (s *Store) Manifest(ctx context.Context, domain string) (*TrackedManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, name, description, manifest_url, manifest_hash,
		       first_seen, last_seen, last_checked, oap_version,
		       invoke_url, invoke_method, tags, publisher_name, health_ok
		FROM manifests WHERE domain = ?`, domain)

	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountManifests returns the size of the inventory.
func (s *Store) CountManifests(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manifests`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (*TrackedManifest, error) {
	var m TrackedManifest
	var firstSeen, lastSeen, lastChecked string
	var invokeURL, invokeMethod, tags, publisher sql.NullString
	var health sql.NullInt64

	if err := row.Scan(&m.Domain, &m.Name, &m.Description, &m.ManifestURL,
		&m.ManifestHash, &firstSeen, &lastSeen, &lastChecked, &m.OAPVersion,
		&invokeURL, &invokeMethod, &tags, &publisher, &health); err != nil {
		return nil, err
	}

	var err error
	if m.FirstSeen, err = time.Parse(timeFormat, firstSeen); err != nil {
		return nil, fmt.Errorf("bad first_seen %q: %w", firstSeen, err)
	}
	if m.LastSeen, err = time.Parse(timeFormat, lastSeen); err != nil {
		return nil, fmt.Errorf("bad last_seen %q: %w", lastSeen, err)
	}
	if m.LastChecked, err = time.Parse(timeFormat, lastChecked); err != nil {
		return nil, fmt.Errorf("bad last_checked %q: %w", lastChecked, err)
	}

	m.InvokeURL = invokeURL.String
	m.InvokeMethod = invokeMethod.String
	m.PublisherName = publisher.String
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("bad tags %q: %w", tags.String, err)
		}
	}
	if health.Valid {
		ok := health.Int64 == 1
		m.HealthOK = &ok
	}
	return &m, nil
}

func encodeTags(tags []string) (sql.NullString, error) {
	if len(tags) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode tags: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func healthValue(ok *bool) sql.NullInt64 {
	if ok == nil {
		return sql.NullInt64{}
	}
	v := int64(0)
	if *ok {
		v = 1
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
