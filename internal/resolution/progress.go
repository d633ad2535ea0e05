package resolution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/pkg/logger"
)

const progressTTL = 24 * time.Hour

// Progress is the live counter snapshot for an in-flight run, published
// after every batch so operators can watch long reconciliation passes.
type Progress struct {
	RunID      uuid.UUID `json:"run_id"`
	Status     RunStatus `json:"status"`
	EntityType string    `json:"entity_type"`
	Mode       Mode      `json:"mode"`
	Processed  int64     `json:"processed"`
	Matched    int64     `json:"matched"`
	Unmatched  int64     `json:"unmatched"`
	Failed     int64     `json:"failed"`
	Batches    int64     `json:"batches"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressTracker publishes run progress to Redis when available and
// falls back to in-process memory otherwise. Publishing is best-effort:
// a progress write failure never affects the run itself.
type ProgressTracker struct {
	redis *redis.Client // nil means memory-only

	mu  sync.RWMutex
	mem map[uuid.UUID]Progress
}

// NewProgressTracker creates a tracker. client may be nil.
func NewProgressTracker(client *redis.Client) *ProgressTracker {
	return &ProgressTracker{
		redis: client,
		mem:   make(map[uuid.UUID]Progress),
	}
}

func progressKey(runID uuid.UUID) string {
	return "resolution:progress:" + runID.String()
}

// Publish stores the latest snapshot for a run.
func (t *ProgressTracker) Publish(ctx context.Context, p Progress) {
	p.UpdatedAt = time.Now().UTC()

	t.mu.Lock()
	t.mem[p.RunID] = p
	t.mu.Unlock()

	if t.redis == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := t.redis.Set(ctx, progressKey(p.RunID), data, progressTTL).Err(); err != nil {
		logger.Debug("progress publish failed", "run_id", p.RunID.String(), "error", err.Error())
	}
}

// Get returns the latest snapshot for a run, preferring Redis so
// progress survives across processes.
func (t *ProgressTracker) Get(ctx context.Context, runID uuid.UUID) (Progress, bool) {
	if t.redis != nil {
		data, err := t.redis.Get(ctx, progressKey(runID)).Bytes()
		if err == nil {
			var p Progress
			if json.Unmarshal(data, &p) == nil {
				return p, true
			}
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.mem[runID]
	return p, ok
}
