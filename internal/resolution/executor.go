package resolution

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/pkg/logger"
)

// ApplyMode says which write path produced an outcome.
type ApplyMode string

const (
	// ApplyBulk means the single conditional bulk statement succeeded.
	ApplyBulk ApplyMode = "bulk"
	// ApplyFallback means the bulk statement failed and the batch was
	// re-applied as independent single-row updates.
	ApplyFallback ApplyMode = "fallback"
)

// RowError records one row-level failure from the fallback path.
type RowError struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	Err           string    `json:"error"`
}

// ApplyOutcome is the result of applying one batch of matches.
// Updated counts rows the warehouse actually changed; rows skipped by the
// never-downgrade merge condition are not updates, which is what makes
// re-running the job a no-op on unchanged data.
type ApplyOutcome struct {
	Mode          ApplyMode
	Updated       int64
	UpdatedByTier map[Confidence]int64
	Failed        int64
	RowErrors     []RowError
}

// Executor applies matcher results to the warehouse. It is stateless
// between batches; callers choose the batch size.
//
// The merge condition is the core's only concurrency-safety mechanism:
// a row is updated only when the incoming confidence ranks at least as
// high as the stored one, so duplicate or out-of-order batch application
// converges to the same monotonically-improving state.
type Executor struct {
	db      *sql.DB
	timeout time.Duration
}

// NewExecutor creates an Executor with a per-statement timeout.
func NewExecutor(db *sql.DB, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{db: db, timeout: timeout}
}

// rankExpr converts a stored confidence to its precedence rank in SQL.
// Must stay in sync with Confidence.Rank.
const rankExpr = `COALESCE(CASE %s
		WHEN 'manual' THEN 3
		WHEN 'exact' THEN 2
		WHEN 'fuzzy' THEN 1
	END, 0)`

var (
	bulkApplySQL = fmt.Sprintf(`
		UPDATE participants AS p
		SET contact_id = data.contact_id,
		    account_id = data.account_id,
		    match_confidence = data.confidence,
		    resolved_at = NOW()
		FROM (
			SELECT UNNEST($1::uuid[]) AS id,
			       UNNEST($2::uuid[]) AS contact_id,
			       UNNEST($3::uuid[]) AS account_id,
			       UNNEST($4::text[]) AS confidence,
			       UNNEST($5::int[])  AS rank
		) AS data
		WHERE p.id = data.id
		  AND `+rankExpr+` <= data.rank
		  AND (p.contact_id IS DISTINCT FROM data.contact_id
		       OR p.account_id IS DISTINCT FROM data.account_id
		       OR p.match_confidence IS DISTINCT FROM data.confidence)
		RETURNING data.confidence
	`, "p.match_confidence")

	rowApplySQL = fmt.Sprintf(`
		UPDATE participants
		SET contact_id = $2,
		    account_id = $3,
		    match_confidence = $4,
		    resolved_at = NOW()
		WHERE id = $1
		  AND `+rankExpr+` <= $5
		  AND (contact_id IS DISTINCT FROM $2
		       OR account_id IS DISTINCT FROM $3
		       OR match_confidence IS DISTINCT FROM $4)
	`, "match_confidence")
)

// Apply writes a batch of matches. The bulk path is tried first; when it
// fails for anything other than a context error, the same batch is
// replayed row by row so one bad row cannot sink its neighbors. A non-nil
// error means the run should abort (fatal); row-level failures are
// reported in the outcome instead.
func (e *Executor) Apply(ctx context.Context, batch []Match) (*ApplyOutcome, error) {
	outcome := &ApplyOutcome{
		Mode:          ApplyBulk,
		UpdatedByTier: make(map[Confidence]int64),
	}
	if len(batch) == 0 {
		return outcome, nil
	}

	bulkErr := e.applyBulk(ctx, batch, outcome)
	if bulkErr == nil {
		return outcome, nil
	}
	// Only the caller's cancellation is fatal. A statement timeout from
	// the per-query deadline is a batch failure and takes the fallback.
	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	logger.Warn("bulk apply failed, falling back to row-by-row",
		"batch_size", fmt.Sprint(len(batch)), "error", bulkErr.Error())

	outcome.Mode = ApplyFallback
	if err := e.applyRows(ctx, batch, outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (e *Executor) applyBulk(ctx context.Context, batch []Match, outcome *ApplyOutcome) error {
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ids := make([]uuid.UUID, len(batch))
	contactIDs := make([]uuid.UUID, len(batch))
	accountIDs := make([]sql.NullString, len(batch))
	confidences := make([]string, len(batch))
	ranks := make([]int64, len(batch))

	for i, m := range batch {
		ids[i] = m.ParticipantID
		contactIDs[i] = m.ContactID
		if m.AccountID != nil {
			accountIDs[i] = sql.NullString{String: m.AccountID.String(), Valid: true}
		}
		confidences[i] = string(m.Confidence)
		ranks[i] = int64(m.Confidence.Rank())
	}

	rows, err := e.db.QueryContext(queryCtx, bulkApplySQL,
		pq.Array(ids), pq.Array(contactIDs), pq.Array(accountIDs),
		pq.Array(confidences), pq.Array(ranks))
	if err != nil {
		return fmt.Errorf("bulk apply: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		if err := rows.Scan(&tier); err != nil {
			return fmt.Errorf("bulk apply scan: %w", err)
		}
		outcome.Updated++
		outcome.UpdatedByTier[Confidence(tier)]++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("bulk apply rows: %w", err)
	}
	return nil
}

func (e *Executor) applyRows(ctx context.Context, batch []Match, outcome *ApplyOutcome) error {
	for _, m := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		affected, err := e.applyRow(ctx, m)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			outcome.Failed++
			outcome.RowErrors = append(outcome.RowErrors, RowError{
				ParticipantID: m.ParticipantID,
				Err:           err.Error(),
			})
			logger.Warn("row apply failed",
				"participant_id", m.ParticipantID.String(), "error", err.Error())
			continue
		}
		if affected > 0 {
			outcome.Updated++
			outcome.UpdatedByTier[m.Confidence]++
		}
	}
	return nil
}

func (e *Executor) applyRow(ctx context.Context, m Match) (int64, error) {
	queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var accountID uuid.NullUUID
	if m.AccountID != nil {
		accountID = uuid.NullUUID{UUID: *m.AccountID, Valid: true}
	}

	res, err := e.db.ExecContext(queryCtx, rowApplySQL,
		m.ParticipantID, m.ContactID, accountID,
		string(m.Confidence), m.Confidence.Rank())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
