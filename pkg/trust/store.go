package trust

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/oap-works/oapd/pkg/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is second-precision UTC RFC 3339. It is fixed-width, so the
// lexical expires_at comparisons in SQL order correctly.
const timeFormat = time.RFC3339

// Store persists challenges and attestations in an embedded sqlite file.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the trust database at path and
// applies migrations.
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

// CreateChallenge stores a new pending challenge.
func (s *Store) CreateChallenge(ctx context.Context, domain, token, method string, expiresAt time.Time) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (domain, token, method, status, created_at, expires_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		domain, token, method, now, expiresAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

// PendingChallenge returns the most recent pending, non-expired challenge
// for a domain, or nil when there is none.
func (s *Store) PendingChallenge(ctx context.Context, domain string) (*Challenge, error) {
	now := time.Now().UTC().Format(timeFormat)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, token, method, status, created_at, expires_at
		FROM challenges
		WHERE domain = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, domain, now)

	challenge, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// MarkChallengeVerified flips a challenge to verified.
func (s *Store) MarkChallengeVerified(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET status = 'verified' WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to mark challenge verified: %w", err)
	}
	return nil
}

// SweepExpiredChallenges deletes expired challenges and returns how many
// were removed.
func (s *Store) SweepExpiredChallenges(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// StoreAttestation persists a signed attestation. Attestations are
// insert-only; they expire implicitly.
func (s *Store) StoreAttestation(ctx context.Context, record *AttestationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attestations (domain, layer, jws, manifest_hash, verification_method, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Domain,
		record.Layer,
		record.JWS,
		record.ManifestHash,
		nullable(record.VerificationMethod),
		record.IssuedAt.UTC().Format(timeFormat),
		record.ExpiresAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to store attestation: %w", err)
	}
	return nil
}

// Attestations returns all non-expired attestations for a domain, ordered
// by layer then newest first.
func (s *Store) Attestations(ctx context.Context, domain string) ([]AttestationRecord, error) {
	now := time.Now().UTC().Format(timeFormat)
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, layer, jws, manifest_hash, verification_method, issued_at, expires_at
		FROM attestations
		WHERE domain = ? AND expires_at > ?
		ORDER BY layer, issued_at DESC`, domain, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]AttestationRecord, 0)
	for rows.Next() {
		record, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// LatestAttestation returns the newest non-expired attestation for a
// domain at a layer, or nil.
func (s *Store) LatestAttestation(ctx context.Context, domain string, layer int) (*AttestationRecord, error) {
	now := time.Now().UTC().Format(timeFormat)
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, layer, jws, manifest_hash, verification_method, issued_at, expires_at
		FROM attestations
		WHERE domain = ? AND layer = ? AND expires_at > ?
		ORDER BY issued_at DESC
		LIMIT 1`, domain, layer, now)

	record, err := scanAttestation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CountAttestations returns the number of non-expired attestations.
func (s *Store) CountAttestations(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(timeFormat)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attestations WHERE expires_at > ?`, now).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row rowScanner) (*Challenge, error) {
	var challenge Challenge
	var created, expires string
	if err := row.Scan(&challenge.ID, &challenge.Domain, &challenge.Token,
		&challenge.Method, &challenge.Status, &created, &expires); err != nil {
		return nil, err
	}

	var err error
	if challenge.CreatedAt, err = time.Parse(timeFormat, created); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", created, err)
	}
	if challenge.ExpiresAt, err = time.Parse(timeFormat, expires); err != nil {
		return nil, fmt.Errorf("bad expires_at %q: %w", expires, err)
	}
	return &challenge, nil
}

func scanAttestation(row rowScanner) (*AttestationRecord, error) {
	var record AttestationRecord
	var method sql.NullString
	var issued, expires string
	if err := row.Scan(&record.Domain, &record.Layer, &record.JWS,
		&record.ManifestHash, &method, &issued, &expires); err != nil {
		return nil, err
	}
	record.VerificationMethod = method.String

	var err error
	if record.IssuedAt, err = time.Parse(timeFormat, issued); err != nil {
		return nil, fmt.Errorf("bad issued_at %q: %w", issued, err)
	}
	if record.ExpiresAt, err = time.Parse(timeFormat, expires); err != nil {
		return nil, fmt.Errorf("bad expires_at %q: %w", expires, err)
	}
	return &record, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
