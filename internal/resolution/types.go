// Package resolution matches anonymous communication participants (email
// addresses, phone numbers) to known CRM contacts and accounts, and
// applies the results to the warehouse as idempotent conditional updates.
package resolution

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Confidence is the strength tier of a match. Ordering matters:
// manual > exact > fuzzy. A participant's stored tier only ever moves up.
type Confidence string

const (
	ConfidenceManual Confidence = "manual"
	ConfidenceExact  Confidence = "exact"
	ConfidenceFuzzy  Confidence = "fuzzy"
)

// Rank returns the precedence of a confidence tier. Unknown or empty
// confidence ranks 0 (unmatched).
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceManual:
		return 3
	case ConfidenceExact:
		return 2
	case ConfidenceFuzzy:
		return 1
	default:
		return 0
	}
}

// EntityKind identifies which endpoint type a participant row carries.
type EntityKind string

const (
	KindEmail EntityKind = "email"
	KindPhone EntityKind = "phone"
)

// Mode selects which participant rows a run considers.
type Mode string

const (
	// ModeIncremental processes only rows without a resolved contact.
	ModeIncremental Mode = "incremental"
	// ModeReconciliation re-evaluates every row to pick up new manual
	// mappings or corrected CRM data. The executor's merge condition
	// still prevents confidence downgrades.
	ModeReconciliation Mode = "full_reconciliation"
)

// Participant is one communication endpoint observed in an email or call.
// Rows are created by the ingestion pollers and mutated only by the match
// executor.
type Participant struct {
	ID         uuid.UUID
	Source     string
	Kind       EntityKind
	RawValue   string
	ContactID  *uuid.UUID
	AccountID  *uuid.UUID
	Confidence Confidence // "" when unresolved
	ObservedAt time.Time
}

// ContactRef is the slice of a CRM contact relevant to matching.
// Reference data is read-only to this package.
type ContactRef struct {
	ID             uuid.UUID
	AccountID      *uuid.UUID
	LastModifiedAt time.Time
}

// ManualMapping is an operator-curated override from a normalized key to
// a contact/account. It always wins over automatic matching.
type ManualMapping struct {
	NormalizedKey string
	SourceValue   string
	ContactID     uuid.UUID
	AccountID     *uuid.UUID
	CreatedBy     string
	CreatedAt     time.Time
}

// Candidate is a matcher verdict for one normalized key.
type Candidate struct {
	ContactID  uuid.UUID
	AccountID  *uuid.UUID
	Confidence Confidence
}

// Match pairs a participant with its resolved candidate, ready for the
// executor.
type Match struct {
	ParticipantID uuid.UUID
	ContactID     uuid.UUID
	AccountID     *uuid.UUID
	Confidence    Confidence
}

// RunStatus is the terminal (or in-flight) state of a resolution run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
)

// RunRecord is one row per job execution. Created at start, finalized at
// end, never mutated afterwards.
type RunRecord struct {
	ID            uuid.UUID  `json:"id"`
	EntityType    string     `json:"entity_type"`
	Mode          Mode       `json:"mode"`
	Status        RunStatus  `json:"status"`
	Processed     int64      `json:"processed"`
	MatchedManual int64      `json:"matched_manual"`
	MatchedExact  int64      `json:"matched_exact"`
	MatchedFuzzy  int64      `json:"matched_fuzzy"`
	Unmatched     int64      `json:"unmatched"`
	Failed        int64      `json:"failed"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Matched returns the total rows this run actually updated.
func (r *RunRecord) Matched() int64 {
	return r.MatchedManual + r.MatchedExact + r.MatchedFuzzy
}

// Options is the invocation payload for a resolution run.
type Options struct {
	EntityType string `json:"entity_type"` // email | phone | all
	BatchSize  int    `json:"batch_size"`
	Mode       Mode   `json:"mode"`
}

// DefaultBatchSize balances statement size against round trips.
const DefaultBatchSize = 1000

// Normalize applies defaults and validates the payload.
func (o *Options) Normalize() error {
	if o.EntityType == "" {
		o.EntityType = "all"
	}
	switch o.EntityType {
	case "email", "phone", "all":
	default:
		return fmt.Errorf("%w: entity_type %q", ErrInvalidOptions, o.EntityType)
	}
	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize < 1 || o.BatchSize > 50000 {
		return fmt.Errorf("%w: batch_size %d", ErrInvalidOptions, o.BatchSize)
	}
	if o.Mode == "" {
		o.Mode = ModeIncremental
	}
	switch o.Mode {
	case ModeIncremental, ModeReconciliation:
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidOptions, o.Mode)
	}
	return nil
}

// Kinds expands the entity_type option into the endpoint kinds to process.
func (o *Options) Kinds() []EntityKind {
	switch o.EntityType {
	case "email":
		return []EntityKind{KindEmail}
	case "phone":
		return []EntityKind{KindPhone}
	default:
		return []EntityKind{KindEmail, KindPhone}
	}
}

// Result is the payload returned to the caller/scheduler.
type Result struct {
	RunID      uuid.UUID        `json:"run_id"`
	Status     RunStatus        `json:"status"`
	Processed  int64            `json:"processed_count"`
	Matched    map[string]int64 `json:"matched_count"`
	Unmatched  int64            `json:"unmatched_count"`
	Failed     int64            `json:"failed_count"`
	DurationMS int64            `json:"duration_ms"`
}

// ResultFromRun flattens a finalized run record into the caller payload.
func ResultFromRun(rec *RunRecord) Result {
	var dur int64
	if rec.FinishedAt != nil {
		dur = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}
	return Result{
		RunID:     rec.ID,
		Status:    rec.Status,
		Processed: rec.Processed,
		Matched: map[string]int64{
			string(ConfidenceManual): rec.MatchedManual,
			string(ConfidenceExact):  rec.MatchedExact,
			string(ConfidenceFuzzy):  rec.MatchedFuzzy,
		},
		Unmatched:  rec.Unmatched,
		Failed:     rec.Failed,
		DurationMS: dur,
	}
}
