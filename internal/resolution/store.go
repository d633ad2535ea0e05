package resolution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the warehouse access layer for the resolution core.
// Participant rows are the only thing it writes (via the executor);
// contacts and manual mappings are read-only reference data owned by the
// CRM-sync and operator tooling.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// NewStore creates a Store. timeout bounds every individual query so one
// slow statement cannot stall a whole run.
func NewStore(db *sql.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (executor, advisory locks).
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies warehouse connectivity.
func (s *Store) Ping(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(queryCtx)
}

// FetchPage returns up to limit participant rows of the given kind with
// id > cursor, in id order. Incremental mode only considers rows without
// a resolved contact; reconciliation mode considers every row.
func (s *Store) FetchPage(ctx context.Context, kind EntityKind, mode Mode, cursor uuid.UUID, limit int) ([]Participant, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	incrementalOnly := mode != ModeReconciliation
	rows, err := s.db.QueryContext(queryCtx, `
		SELECT id, source, kind, raw_value, contact_id, account_id,
		       COALESCE(match_confidence, ''), observed_at
		FROM participants
		WHERE kind = $1
		  AND id > $2
		  AND (NOT $3 OR contact_id IS NULL)
		ORDER BY id
		LIMIT $4
	`, string(kind), cursor, incrementalOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch participant page: %w", err)
	}
	defer rows.Close()

	var page []Participant
	for rows.Next() {
		var (
			p          Participant
			kindStr    string
			confidence string
			contactID  uuid.NullUUID
			accountID  uuid.NullUUID
		)
		if err := rows.Scan(&p.ID, &p.Source, &kindStr, &p.RawValue,
			&contactID, &accountID, &confidence, &p.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Kind = EntityKind(kindStr)
		p.Confidence = Confidence(confidence)
		if contactID.Valid {
			p.ContactID = &contactID.UUID
		}
		if accountID.Valid {
			p.AccountID = &accountID.UUID
		}
		page = append(page, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant page: %w", err)
	}
	return page, nil
}

// LookupManual returns the manual mapping for a normalized key, or nil.
func (s *Store) LookupManual(ctx context.Context, key string) (*ManualMapping, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		m         ManualMapping
		accountID uuid.NullUUID
	)
	err := s.db.QueryRowContext(queryCtx, `
		SELECT normalized_key, source_value, contact_id, account_id, created_by, created_at
		FROM manual_mappings
		WHERE normalized_key = $1
	`, key).Scan(&m.NormalizedKey, &m.SourceValue, &m.ContactID, &accountID, &m.CreatedBy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup manual mapping: %w", err)
	}
	if accountID.Valid {
		m.AccountID = &accountID.UUID
	}
	return &m, nil
}

// LookupContactByEmail returns the contact whose known emails contain the
// normalized address, or nil. Multiple contacts sharing an address resolve
// to the most recently modified one.
func (s *Store) LookupContactByEmail(ctx context.Context, email string) (*ContactRef, error) {
	return s.lookupContact(ctx, `$1 = ANY(emails)`, email)
}

// LookupContactByEmailDomain returns the most recently modified contact
// whose known email domains contain the given domain, or nil.
func (s *Store) LookupContactByEmailDomain(ctx context.Context, domain string) (*ContactRef, error) {
	return s.lookupContact(ctx, `$1 = ANY(email_domains)`, domain)
}

// LookupContactByPhone returns the contact whose known E.164 phones
// contain the normalized number, or nil.
func (s *Store) LookupContactByPhone(ctx context.Context, e164 string) (*ContactRef, error) {
	return s.lookupContact(ctx, `$1 = ANY(phones)`, e164)
}

// LookupContactByPhoneLast10 returns the contact with a phone sharing the
// given 10-digit tail, or nil.
func (s *Store) LookupContactByPhoneLast10(ctx context.Context, last10 string) (*ContactRef, error) {
	return s.lookupContact(ctx, `$1 = ANY(phones_last10)`, last10)
}

// lookupContact runs a single-candidate contact query. The ORDER BY makes
// ambiguous reference data resolve deterministically: most recently
// modified contact wins, id breaks exact timestamp ties.
func (s *Store) lookupContact(ctx context.Context, predicate, arg string) (*ContactRef, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		c         ContactRef
		accountID uuid.NullUUID
	)
	query := `
		SELECT id, account_id, last_modified_at
		FROM contacts
		WHERE ` + predicate + `
		ORDER BY last_modified_at DESC, id
		LIMIT 1
	`
	err := s.db.QueryRowContext(queryCtx, query, arg).Scan(&c.ID, &accountID, &c.LastModifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup contact: %w", err)
	}
	if accountID.Valid {
		c.AccountID = &accountID.UUID
	}
	return &c, nil
}

// CreateRun inserts a running run record.
func (s *Store) CreateRun(ctx context.Context, rec *RunRecord) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx, `
		INSERT INTO resolution_runs
			(id, entity_type, mode, status, processed, matched_manual,
			 matched_exact, matched_fuzzy, unmatched, failed, started_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, 0, 0, 0, $5)
	`, rec.ID, rec.EntityType, string(rec.Mode), string(rec.Status), rec.StartedAt)
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}
	return nil
}

// FinalizeRun writes the terminal status and counters. A finalized run is
// append-only from the readers' perspective: this is the single, final
// mutation.
func (s *Store) FinalizeRun(ctx context.Context, rec *RunRecord) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(queryCtx, `
		UPDATE resolution_runs
		SET status = $2, processed = $3, matched_manual = $4,
		    matched_exact = $5, matched_fuzzy = $6, unmatched = $7,
		    failed = $8, finished_at = $9
		WHERE id = $1 AND status = 'running'
	`, rec.ID, string(rec.Status), rec.Processed, rec.MatchedManual,
		rec.MatchedExact, rec.MatchedFuzzy, rec.Unmatched, rec.Failed, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("finalize run record: %w", err)
	}
	return nil
}

// GetRun returns one run record, or nil.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := scanRun(s.db.QueryRowContext(queryCtx, runSelect+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run record: %w", err)
	}
	return rec, nil
}

// ListRuns returns the most recent run records, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(queryCtx, runSelect+`
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// MatchRate is the current resolution coverage for one endpoint kind,
// computed over the participant table itself so downstream SLO dashboards
// see the real ratio rather than per-run deltas.
type MatchRate struct {
	Kind    EntityKind `json:"kind"`
	Total   int64      `json:"total"`
	Matched int64      `json:"matched"`
	Rate    float64    `json:"rate"`
}

// MatchRates returns the current match rate per endpoint kind.
func (s *Store) MatchRates(ctx context.Context) ([]MatchRate, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(queryCtx, `
		SELECT kind, COUNT(*), COUNT(contact_id)
		FROM participants
		GROUP BY kind
		ORDER BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("match rates: %w", err)
	}
	defer rows.Close()

	var out []MatchRate
	for rows.Next() {
		var (
			mr   MatchRate
			kind string
		)
		if err := rows.Scan(&kind, &mr.Total, &mr.Matched); err != nil {
			return nil, fmt.Errorf("scan match rate: %w", err)
		}
		mr.Kind = EntityKind(kind)
		if mr.Total > 0 {
			mr.Rate = float64(mr.Matched) / float64(mr.Total)
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

const runSelect = `
	SELECT id, entity_type, mode, status, processed, matched_manual,
	       matched_exact, matched_fuzzy, unmatched, failed, started_at, finished_at
	FROM resolution_runs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec        RunRecord
		mode       string
		status     string
		finishedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.EntityType, &mode, &status, &rec.Processed,
		&rec.MatchedManual, &rec.MatchedExact, &rec.MatchedFuzzy,
		&rec.Unmatched, &rec.Failed, &rec.StartedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.Mode = Mode(mode)
	rec.Status = RunStatus(status)
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return &rec, nil
}
