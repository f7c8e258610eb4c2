package attention

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/metrics"
	"github.com/karlvoss/adjutant/internal/storage"
)

// QueueEntry is one outbound signal parked because the router or its policy
// path was unavailable.
type QueueEntry struct {
	ID          int64      `json:"id"`
	Envelope    Envelope   `json:"envelope"`
	Reason      string     `json:"reason"`
	RetryAt     time.Time  `json:"retry_at"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// FailClosedQueue persists parked signals until the reprocessor drains them.
type FailClosedQueue struct {
	db *sql.DB
}

// NewFailClosedQueue creates the queue table if needed.
func NewFailClosedQueue(db *sql.DB) (*FailClosedQueue, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attention_fail_closed_queue (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		envelope     TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		retry_at     TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		processed_at TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create attention_fail_closed_queue table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_fail_closed_due ON attention_fail_closed_queue(retry_at) WHERE processed_at IS NULL`)
	return &FailClosedQueue{db: db}, nil
}

// Enqueue parks one envelope for later reprocessing.
func (q *FailClosedQueue) Enqueue(env *Envelope, reason string, retryAt time.Time) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal fail-closed envelope: %w", err)
	}
	now := time.Now().UTC()
	if _, err := q.db.Exec(`INSERT INTO attention_fail_closed_queue (envelope, reason, retry_at, created_at)
		VALUES (?, ?, ?, ?)`,
		string(raw), reason, storage.FormatTime(retryAt), storage.FormatTime(now),
	); err != nil {
		return fmt.Errorf("enqueue fail-closed: %w", err)
	}
	q.updateDepthGauge()
	return nil
}

// Due returns unprocessed entries whose retry_at has passed, oldest first.
func (q *FailClosedQueue) Due(now time.Time, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(`SELECT id, envelope, reason, retry_at, created_at
		FROM attention_fail_closed_queue
		WHERE processed_at IS NULL AND retry_at <= ?
		ORDER BY retry_at, id LIMIT ?`, storage.FormatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var (
			entry                   QueueEntry
			raw, retryAt, createdAt string
		)
		if err := rows.Scan(&entry.ID, &raw, &entry.Reason, &retryAt, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &entry.Envelope); err != nil {
			return nil, fmt.Errorf("unmarshal fail-closed envelope %d: %w", entry.ID, err)
		}
		entry.RetryAt = storage.ParseTime(retryAt)
		entry.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkProcessed stamps an entry as drained.
func (q *FailClosedQueue) MarkProcessed(id int64, at time.Time) error {
	_, err := q.db.Exec(`UPDATE attention_fail_closed_queue SET processed_at = ? WHERE id = ?`,
		storage.FormatTime(at), id)
	if err != nil {
		return err
	}
	q.updateDepthGauge()
	return nil
}

// Reschedule pushes an entry's retry_at forward after another failure.
func (q *FailClosedQueue) Reschedule(id int64, retryAt time.Time) error {
	_, err := q.db.Exec(`UPDATE attention_fail_closed_queue SET retry_at = ? WHERE id = ?`,
		storage.FormatTime(retryAt), id)
	return err
}

// Depth counts unprocessed entries.
func (q *FailClosedQueue) Depth() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM attention_fail_closed_queue WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

func (q *FailClosedQueue) updateDepthGauge() {
	if n, err := q.Depth(); err == nil {
		metrics.FailClosedQueueDepth.Set(float64(n))
	}
}

// Reprocessor drains the fail-closed queue once the router's dependencies
// recover. Sweeps are paced so a deep queue cannot flood the pipeline.
type Reprocessor struct {
	queue   *FailClosedQueue
	router  *Router
	limiter *rate.Limiter
	clk     clock.Clock
	logger  *zap.Logger
}

// NewReprocessor creates a queue sweep paced at perSecond routes.
func NewReprocessor(queue *FailClosedQueue, router *Router, perSecond float64, clk clock.Clock, logger *zap.Logger) *Reprocessor {
	if perSecond <= 0 {
		perSecond = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Reprocessor{
		queue:   queue,
		router:  router,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		clk:     clk,
		logger:  logger,
	}
}

// Sweep re-routes every due entry. An empty queue is a no-op. Entries that
// fail closed again keep their queue row with a pushed-out retry_at.
func (r *Reprocessor) Sweep(ctx context.Context) (processed int, err error) {
	now := r.clk.Now()
	due, err := r.queue.Due(now, 0)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	for _, entry := range due {
		if err := r.limiter.Wait(ctx); err != nil {
			return processed, err
		}

		decision, err := r.router.Route(ctx, &entry.Envelope)
		if err != nil {
			r.logger.Warn("fail-closed reprocess rejected",
				zap.Int64("entry_id", entry.ID),
				zap.Error(err),
			)
			// Invalid envelopes can never succeed; drop them from the queue.
			if markErr := r.queue.MarkProcessed(entry.ID, r.clk.Now()); markErr != nil {
				return processed, markErr
			}
			continue
		}
		if decision.Stage == StageFailClosed {
			// Still unavailable. The router enqueued a fresh copy; retire
			// this row so the queue does not grow a duplicate per sweep.
			if err := r.queue.MarkProcessed(entry.ID, r.clk.Now()); err != nil {
				return processed, err
			}
			continue
		}

		if err := r.queue.MarkProcessed(entry.ID, r.clk.Now()); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}
