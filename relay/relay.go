// Package relay publishes committed outbox rows to a Redis stream.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 5
	defaultStreamLen   = 100000
)

// Message is one pending outbox row.
type Message struct {
	ID      int64
	Topic   string
	Payload []byte
}

// Publisher delivers a message downstream.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StreamPublisher appends messages to a capped Redis stream.
type StreamPublisher struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewStreamPublisher(rdb redis.Cmdable, stream string) *StreamPublisher {
	return &StreamPublisher{rdb: rdb, stream: stream, maxLen: defaultStreamLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, msg Message) error {
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"outbox_id": strconv.FormatInt(msg.ID, 10),
			"topic":     msg.Topic,
			"payload":   string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("relay: xadd %s: %w", p.stream, err)
	}
	return nil
}

// Relay drains the outbox table. Rows are claimed with SKIP LOCKED so several
// relays can run against the same database.
type Relay struct {
	db          DB
	pub         Publisher
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
}

func New(db DB, pub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		db:          db,
		pub:         pub,
		logger:      logger,
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
}

// Report counts the outcome of one Flush.
type Report struct {
	Published int
	Failed    int
	Dead      int
}

// Flush publishes one batch of pending rows. A row that fails maxAttempts
// times is parked as dead.
func (r *Relay) Flush(ctx context.Context) (Report, error) {
	var report Report

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return report, fmt.Errorf("relay: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectSQL = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY id
FOR UPDATE SKIP LOCKED
LIMIT $1;
`
	rows, err := tx.Query(ctx, selectSQL, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("relay: claim rows: %w", err)
	}

	type claimed struct {
		msg      Message
		attempts int
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.msg.ID, &c.msg.Topic, &c.msg.Payload, &c.attempts); err != nil {
			rows.Close()
			return report, fmt.Errorf("relay: scan row: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("relay: iterate rows: %w", err)
	}

	for _, c := range batch {
		if err := r.pub.Publish(ctx, c.msg); err != nil {
			report.Failed++
			status := "pending"
			if c.attempts+1 >= r.maxAttempts {
				status = "dead"
				report.Dead++
			}
			r.logger.Warn("outbox publish failed", "outbox_id", c.msg.ID, "topic", c.msg.Topic, "attempt", c.attempts+1, "err", err)
			const failSQL = `UPDATE outbox SET attempts = attempts + 1, last_error = $2, status = $3 WHERE id = $1;`
			if _, err := tx.Exec(ctx, failSQL, c.msg.ID, err.Error(), status); err != nil {
				return report, fmt.Errorf("relay: record failure: %w", err)
			}
			continue
		}
		const okSQL = `UPDATE outbox SET status = 'published', published_at = now(), attempts = attempts + 1 WHERE id = $1;`
		if _, err := tx.Exec(ctx, okSQL, c.msg.ID); err != nil {
			return report, fmt.Errorf("relay: mark published: %w", err)
		}
		report.Published++
	}

	if err := tx.Commit(ctx); err != nil {
		return report, fmt.Errorf("relay: commit tx: %w", err)
	}
	return report, nil
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.Flush(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error("outbox flush failed", "err", err)
		case report.Published > 0 || report.Failed > 0:
			r.logger.Info("outbox flushed", "published", report.Published, "failed", report.Failed, "dead", report.Dead)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
