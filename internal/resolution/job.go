package resolution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/pkg/distlock"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/pkg/logger"
)

// jobLockKey serializes all resolution runs. Incremental and
// reconciliation passes share it, so two runs can never write the same
// participant row concurrently.
const jobLockKey = "resolution:job"

const defaultLockTTL = 30 * time.Minute

// RunSink receives finalized run records, e.g. for mirroring into an
// analytics warehouse. Sink failures are logged, never escalated.
type RunSink interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// JobConfig carries the orchestration knobs.
type JobConfig struct {
	// DefaultRegion supplies the country code for phone numbers that
	// arrive without one (ISO 3166-1 alpha-2, e.g. "US").
	DefaultRegion string
	// LockTTL bounds how long a crashed run can hold the Redis job lock.
	LockTTL time.Duration
}

// Job is the resolution entry point: it pages through participants,
// normalizes and matches them, hands batches to the executor, and records
// run statistics. All state lives in the run record and the warehouse
// rows; the Job itself holds only collaborators.
type Job struct {
	store    *Store
	matcher  *Matcher
	executor *Executor
	progress *ProgressTracker
	redis    *redis.Client // nil: advisory lock on the warehouse instead
	sink     RunSink       // optional
	cfg      JobConfig
}

// NewJob wires the orchestrator. redisClient and sink may be nil.
func NewJob(store *Store, executor *Executor, progress *ProgressTracker, redisClient *redis.Client, sink RunSink, cfg JobConfig) *Job {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "US"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Job{
		store:    store,
		matcher:  NewMatcher(store),
		executor: executor,
		progress: progress,
		redis:    redisClient,
		sink:     sink,
		cfg:      cfg,
	}
}

// Run executes one resolution pass. The returned Result is populated even
// when the run ends partial; a non-nil error means the run aborted
// (status failed) or never started.
func (j *Job) Run(ctx context.Context, opts Options) (Result, error) {
	if err := opts.Normalize(); err != nil {
		return Result{}, err
	}

	lock := distlock.NewLock(j.redis, j.store.DB(), jobLockKey, j.cfg.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire job lock: %w", err)
	}
	if !acquired {
		return Result{}, ErrRunInProgress
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("release job lock failed", "error", err.Error())
		}
	}()

	rec := &RunRecord{
		ID:         uuid.New(),
		EntityType: opts.EntityType,
		Mode:       opts.Mode,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := j.store.CreateRun(ctx, rec); err != nil {
		// Cannot even record the run: the warehouse is unreachable.
		return Result{}, err
	}

	log.Printf("[ResolutionJob] run %s started: entity_type=%s mode=%s batch_size=%d",
		rec.ID, opts.EntityType, opts.Mode, opts.BatchSize)

	batches, cancelled, fatalErr := j.process(ctx, opts, rec, lock)

	switch {
	case fatalErr != nil:
		rec.Status = StatusFailed
	case cancelled || rec.Failed > 0:
		rec.Status = StatusPartial
	default:
		rec.Status = StatusSuccess
	}
	now := time.Now().UTC()
	rec.FinishedAt = &now

	// Finalize with a fresh context so a cancelled run still lands its
	// run record.
	if err := j.store.FinalizeRun(context.Background(), rec); err != nil {
		logger.Error("finalize run failed", "run_id", rec.ID.String(), "error", err.Error())
	}
	j.publishProgress(context.Background(), rec, batches)

	if j.sink != nil {
		if err := j.sink.RecordRun(context.Background(), *rec); err != nil {
			logger.Warn("run record mirror failed", "run_id", rec.ID.String(), "error", err.Error())
		}
	}

	log.Printf("[ResolutionJob] run %s finished: status=%s processed=%d matched=%d unmatched=%d failed=%d",
		rec.ID, rec.Status, rec.Processed, rec.Matched(), rec.Unmatched, rec.Failed)

	return ResultFromRun(rec), fatalErr
}

// process drives the fetch → match → execute loop, accumulating counters
// on rec. cancelled reports cooperative cancellation between batches; a
// non-nil error is fatal and aborts the run.
func (j *Job) process(ctx context.Context, opts Options, rec *RunRecord, lock distlock.DistLock) (batches int64, cancelled bool, fatal error) {
	for _, kind := range opts.Kinds() {
		cursor := uuid.Nil
		for {
			// Cooperative cancellation point between batches.
			if ctx.Err() != nil {
				return batches, true, nil
			}

			// Long reconciliation passes outlive the lock TTL; keep the
			// Redis lease fresh while we hold it.
			if rl, ok := lock.(*distlock.RedisLock); ok {
				if err := rl.Extend(ctx, j.cfg.LockTTL); err != nil {
					logger.Warn("extend job lock failed", "error", err.Error())
				}
			}

			page, err := j.store.FetchPage(ctx, kind, opts.Mode, cursor, opts.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					return batches, true, nil
				}
				if errors.Is(err, context.DeadlineExceeded) {
					// The per-query read deadline fired while the run is
					// still live. That batch is lost, not the run; count
					// it and move on to the next entity kind.
					logger.Warn("fetch batch timed out", "run_id", rec.ID.String(), "kind", string(kind))
					rec.Failed++
					break
				}
				return batches, false, fmt.Errorf("fetch batch: %w", err)
			}
			if len(page) == 0 {
				break
			}
			cursor = page[len(page)-1].ID

			matches, unmatched, err := j.matchPage(ctx, page)
			if err != nil {
				if ctx.Err() != nil {
					return batches, true, nil
				}
				return batches, false, fmt.Errorf("match batch: %w", err)
			}

			outcome, applyErr := j.executor.Apply(ctx, matches)
			rec.Processed += int64(len(page))
			rec.Unmatched += unmatched
			rec.MatchedManual += outcome.UpdatedByTier[ConfidenceManual]
			rec.MatchedExact += outcome.UpdatedByTier[ConfidenceExact]
			rec.MatchedFuzzy += outcome.UpdatedByTier[ConfidenceFuzzy]
			rec.Failed += outcome.Failed
			if applyErr != nil {
				if ctx.Err() != nil {
					return batches, true, nil
				}
				return batches, false, fmt.Errorf("apply batch: %w", applyErr)
			}

			batches++
			j.publishProgress(ctx, rec, batches)

			if len(page) < opts.BatchSize {
				break
			}
		}
	}
	return batches, false, nil
}

// matchPage normalizes and matches every row of a page. Malformed raw
// values and reference-data misses are unmatched, not errors; only
// context cancellation propagates.
func (j *Job) matchPage(ctx context.Context, page []Participant) ([]Match, int64, error) {
	var (
		matches   []Match
		unmatched int64
	)
	for _, p := range page {
		key, ok := KeyFor(p, j.cfg.DefaultRegion)
		if !ok {
			unmatched++
			logger.Debug("unparseable endpoint",
				"participant_id", p.ID.String(), "kind", string(p.Kind), "raw_value", p.RawValue)
			continue
		}

		cand, err := j.matcher.Resolve(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		if cand == nil {
			unmatched++
			continue
		}
		matches = append(matches, Match{
			ParticipantID: p.ID,
			ContactID:     cand.ContactID,
			AccountID:     cand.AccountID,
			Confidence:    cand.Confidence,
		})
	}
	return matches, unmatched, nil
}

func (j *Job) publishProgress(ctx context.Context, rec *RunRecord, batches int64) {
	if j.progress == nil {
		return
	}
	j.progress.Publish(ctx, Progress{
		RunID:      rec.ID,
		Status:     rec.Status,
		EntityType: rec.EntityType,
		Mode:       rec.Mode,
		Processed:  rec.Processed,
		Matched:    rec.Matched(),
		Unmatched:  rec.Unmatched,
		Failed:     rec.Failed,
		Batches:    batches,
		StartedAt:  rec.StartedAt,
	})
}
