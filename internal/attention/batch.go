package attention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/karlvoss/adjutant/internal/apperr"
	"github.com/karlvoss/adjutant/internal/clock"
	"github.com/karlvoss/adjutant/internal/storage"
	"github.com/karlvoss/adjutant/internal/transport"
)

// Holding categories.
const (
	CategoryBatched  = "batched"
	CategoryDeferred = "deferred"
	CategoryDigest   = "digest"
)

// BatchItem is one signal parked in the holding area.
type BatchItem struct {
	ID         int64     `json:"id"`
	Owner      string    `json:"owner"`
	Topic      string    `json:"topic"`
	Category   string    `json:"category"`
	SignalRef  string    `json:"signal_reference"`
	SignalType string    `json:"signal_type"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	BatchID    *int64    `json:"batch_id,omitempty"`
}

// Batch is one materialized digest.
type Batch struct {
	ID          int64      `json:"id"`
	Owner       string     `json:"owner"`
	Topic       string     `json:"topic"`
	Category    string     `json:"category"`
	Summary     string     `json:"summary"`
	Rank        int        `json:"rank"` // item count; higher ranks lead the digest
	ItemCount   int        `json:"item_count"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// BatchStore persists the holding area and materialized batches. It also
// implements transport.BatchSink so the digest driver can park messages.
type BatchStore struct {
	db *sql.DB
}

// NewBatchStore creates the batching tables if needed.
func NewBatchStore(db *sql.DB) (*BatchStore, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attention_batch_items (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		owner       TEXT NOT NULL,
		topic       TEXT NOT NULL,
		category    TEXT NOT NULL,
		signal_ref  TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		subject     TEXT NOT NULL DEFAULT '',
		body        TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		batch_id    INTEGER
	)`); err != nil {
		return nil, fmt.Errorf("create attention_batch_items table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS attention_batches (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		owner        TEXT NOT NULL,
		topic        TEXT NOT NULL,
		category     TEXT NOT NULL,
		summary      TEXT NOT NULL DEFAULT '',
		rank         INTEGER NOT NULL DEFAULT 0,
		item_count   INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		delivered_at TEXT
	)`); err != nil {
		return nil, fmt.Errorf("create attention_batches table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_items_pending ON attention_batch_items(owner, topic, category) WHERE batch_id IS NULL`)

	return &BatchStore{db: db}, nil
}

// HoldEnvelope parks a routed envelope in the holding area.
func (s *BatchStore) HoldEnvelope(env *Envelope, category string) error {
	return s.insertItem(&BatchItem{
		Owner:      env.Owner,
		Topic:      env.SignalType,
		Category:   category,
		SignalRef:  env.SignalRef,
		SignalType: env.SignalType,
		Subject:    env.SignalType,
		Body:       envelopeBody(env),
		CreatedAt:  env.Timestamp.UTC(),
	})
}

// Hold implements transport.BatchSink for messages routed to the digest
// channel. Digest materializations themselves are refused to break loops.
func (s *BatchStore) Hold(ctx context.Context, msg transport.OutboundMessage) error {
	if strings.HasPrefix(msg.SignalType, digestSignalPrefix) {
		return apperr.E(apperr.KindConflict, "digest output cannot be re-batched: %s", msg.SignalRef)
	}
	return s.insertItem(&BatchItem{
		Owner:      msg.Owner,
		Topic:      msg.SignalType,
		Category:   CategoryDigest,
		SignalRef:  msg.SignalRef,
		SignalType: msg.SignalType,
		Subject:    msg.Subject,
		Body:       msg.Body,
		CreatedAt:  msg.Timestamp.UTC(),
	})
}

func (s *BatchStore) insertItem(item *BatchItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO attention_batch_items
		(owner, topic, category, signal_ref, signal_type, subject, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Owner, item.Topic, item.Category, item.SignalRef, item.SignalType,
		item.Subject, item.Body, storage.FormatTime(item.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch item: %w", err)
	}
	item.ID, _ = res.LastInsertId()
	return nil
}

// PendingGroups lists the (owner, topic, category) groups with unbatched
// items, largest first.
func (s *BatchStore) PendingGroups(owner string) ([]Batch, error) {
	rows, err := s.db.Query(`SELECT owner, topic, category, COUNT(*) AS n
		FROM attention_batch_items
		WHERE batch_id IS NULL AND (? = '' OR owner = ?)
		GROUP BY owner, topic, category
		ORDER BY n DESC, topic`, owner, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.Owner, &b.Topic, &b.Category, &b.ItemCount); err != nil {
			return nil, err
		}
		b.Rank = b.ItemCount
		out = append(out, b)
	}
	return out, rows.Err()
}

// PendingItems returns the unbatched items of one group, oldest first.
func (s *BatchStore) PendingItems(owner, topic, category string) ([]BatchItem, error) {
	rows, err := s.db.Query(`SELECT id, owner, topic, category, signal_ref, signal_type, subject, body, created_at
		FROM attention_batch_items
		WHERE batch_id IS NULL AND owner = ? AND topic = ? AND category = ?
		ORDER BY created_at, id`, owner, topic, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BatchItem
	for rows.Next() {
		var (
			item      BatchItem
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Owner, &item.Topic, &item.Category,
			&item.SignalRef, &item.SignalType, &item.Subject, &item.Body, &createdAt); err != nil {
			return nil, err
		}
		item.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// CreateBatch records a materialized batch and claims its items, all in one
// transaction.
func (s *BatchStore) CreateBatch(b *Batch, itemIDs []int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`INSERT INTO attention_batches
		(owner, topic, category, summary, rank, item_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.Owner, b.Topic, b.Category, b.Summary, b.Rank, b.ItemCount, storage.FormatTime(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	b.ID, _ = res.LastInsertId()

	for _, id := range itemIDs {
		if _, err := tx.Exec(`UPDATE attention_batch_items SET batch_id = ? WHERE id = ? AND batch_id IS NULL`, b.ID, id); err != nil {
			return fmt.Errorf("claim batch item %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// MarkDelivered stamps a batch as delivered.
func (s *BatchStore) MarkDelivered(batchID int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE attention_batches SET delivered_at = ? WHERE id = ?`,
		storage.FormatTime(at), batchID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.E(apperr.KindNotFound, "batch %d not found", batchID)
	}
	return nil
}

// GetBatch returns one batch by id.
func (s *BatchStore) GetBatch(id int64) (*Batch, error) {
	row := s.db.QueryRow(`SELECT id, owner, topic, category, summary, rank, item_count, created_at, delivered_at
		FROM attention_batches WHERE id = ?`, id)
	var (
		b           Batch
		createdAt   string
		deliveredAt sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Owner, &b.Topic, &b.Category, &b.Summary, &b.Rank, &b.ItemCount, &createdAt, &deliveredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.E(apperr.KindNotFound, "batch %d not found", id)
		}
		return nil, err
	}
	b.CreatedAt = storage.ParseTime(createdAt)
	b.DeliveredAt = storage.TimePtr(deliveredAt)
	return &b, nil
}

// Batcher materializes held signals into digests and sends them back through
// the router. The digest envelope is tagged so the pipeline cannot loop it
// into another batch.
type Batcher struct {
	store  *BatchStore
	router *Router
	clk    clock.Clock
	logger *zap.Logger
}

// NewBatcher creates a digest materializer.
func NewBatcher(store *BatchStore, router *Router, clk clock.Clock, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Batcher{store: store, router: router, clk: clk, logger: logger}
}

// Materialize groups all pending items for owner (empty = all owners) into
// batches and delivers each as a digest. Returns the batches created.
func (b *Batcher) Materialize(ctx context.Context, owner string) ([]Batch, error) {
	groups, err := b.store.PendingGroups(owner)
	if err != nil {
		return nil, err
	}

	var out []Batch
	for _, group := range groups {
		items, err := b.store.PendingItems(group.Owner, group.Topic, group.Category)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			continue
		}

		batch := Batch{
			Owner:     group.Owner,
			Topic:     group.Topic,
			Category:  group.Category,
			Summary:   summarize(items),
			Rank:      len(items),
			ItemCount: len(items),
			CreatedAt: b.clk.Now(),
		}
		ids := make([]int64, len(items))
		for i, item := range items {
			ids[i] = item.ID
		}
		if err := b.store.CreateBatch(&batch, ids); err != nil {
			return out, err
		}

		if err := b.deliverDigest(ctx, &batch); err != nil {
			b.logger.Warn("digest delivery deferred",
				zap.Int64("batch_id", batch.ID),
				zap.Error(err),
			)
			out = append(out, batch)
			continue
		}
		out = append(out, batch)
	}
	return out, nil
}

func (b *Batcher) deliverDigest(ctx context.Context, batch *Batch) error {
	now := b.clk.Now()
	env := &Envelope{
		Version:     1,
		SignalType:  digestSignalPrefix + "summary",
		SignalRef:   fmt.Sprintf("digest:%d", batch.ID),
		Owner:       batch.Owner,
		ChannelHint: transport.ChannelWeb,
		Urgency:     0.5,
		ChannelCost: 0.1,
		ContentType: "digest",
		Timestamp:   now,
		Payload:     &SignalPayload{Message: batch.Summary},
		Notification: &Notification{
			Version:         1,
			SourceComponent: "attention.batcher",
			OriginSignal:    fmt.Sprintf("batch/%d", batch.ID),
			Confidence:      1,
			Provenance: []ProvenanceInput{{
				InputType: "batch",
				Reference: fmt.Sprintf("batch/%d", batch.ID),
			}},
		},
	}

	decision, err := b.router.Route(ctx, env)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(decision.Outcome, OutcomeNotify) && !strings.HasPrefix(decision.Outcome, OutcomeEscalate) {
		return apperr.E(apperr.KindFailClosed, "digest %d not delivered: %s", batch.ID, decision.Outcome)
	}
	return b.store.MarkDelivered(batch.ID, now)
}

// summarize composes a compact digest body from the held items.
func summarize(items []BatchItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d held signal(s) for %s/%s:\n", len(items), items[0].Topic, items[0].Category)
	for i, item := range items {
		if i >= 10 {
			fmt.Fprintf(&sb, "and %d more\n", len(items)-i)
			break
		}
		fmt.Fprintf(&sb, "- %s (%s)\n", item.Subject, item.SignalRef)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func envelopeBody(env *Envelope) string {
	if env.Payload != nil {
		return env.Payload.Message
	}
	return ""
}
