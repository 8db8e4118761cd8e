package flake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrFlakeNotFound is returned when no flake row exists for the identifier.
	ErrFlakeNotFound = errors.New("flake: document not found")
	// ErrNumericIDTaken signals the derived on-chain id already belongs to another flake.
	ErrNumericIDTaken = errors.New("flake: numeric id taken")
	// ErrDuplicateFlake signals an insert with an identifier that already exists.
	ErrDuplicateFlake = errors.New("flake: duplicate id")
	// ErrNoChange is returned by an UpdateFunc to leave the document untouched.
	ErrNoChange = errors.New("flake: no change")
)

const numericIDConstraint = "flakes_numeric_id_key"

// Change describes a mutation for the timeline.
type Change struct {
	Type    string
	ActorID string
	Payload map[string]any
}

// UpdateFunc mutates f in place. It runs while the row is locked and must not
// perform I/O.
type UpdateFunc func(f *Flake) (Change, error)

// Repository is the durable store contract the engine depends on.
type Repository interface {
	Insert(ctx context.Context, f Flake, actorID string) (Flake, error)
	Get(ctx context.Context, id string) (Flake, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (Flake, error)
	ListByParticipant(ctx context.Context, participantID string) ([]Flake, error)
	// ListByStatus filters by verification type unless vt is empty.
	ListByStatus(ctx context.Context, status Status, vt VerificationType) ([]Flake, error)
	ListDueBefore(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Flake, error)
	Events(ctx context.Context, flakeID string) ([]Event, error)
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository stores each flake as a JSONB document plus the indexed columns
// the engine queries on. Every write appends a flake_events row, and status
// changes enqueue an outbox message, in the same transaction.
type PGRepository struct {
	db DB
}

func NewPGRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

func (r *PGRepository) Insert(ctx context.Context, f Flake, actorID string) (Flake, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Flake{}, fmt.Errorf("flake: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f.Version = 1
	doc, err := json.Marshal(f)
	if err != nil {
		return Flake{}, fmt.Errorf("flake: marshal document: %w", err)
	}

	const insertSQL = `
INSERT INTO flakes (id, numeric_id, status, verification_type, deadline, participant_ids, doc, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9);
`
	_, err = tx.Exec(ctx, insertSQL, f.ID, f.NumericID, f.Status, f.VerificationType, f.Deadline.UTC(),
		participantIDs(f), doc, f.Version, f.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == numericIDConstraint {
				return Flake{}, ErrNumericIDTaken
			}
			return Flake{}, ErrDuplicateFlake
		}
		return Flake{}, fmt.Errorf("flake: insert: %w", err)
	}

	change := Change{
		Type:    EventCreated,
		ActorID: actorID,
		Payload: map[string]any{
			"verification_type": f.VerificationType,
			"participants":      len(f.Participants),
			"numeric_id":        f.NumericID,
		},
	}
	if err := appendEvent(ctx, tx, f.ID, 1, change); err != nil {
		return Flake{}, err
	}
	if err := enqueueStatusChange(ctx, tx, f, ""); err != nil {
		return Flake{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flake{}, fmt.Errorf("flake: commit tx: %w", err)
	}
	return f, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Flake, error) {
	row := r.db.QueryRow(ctx, `SELECT doc, version FROM flakes WHERE id = $1`, id)
	return scanFlake(row)
}

// Update locks the row, applies fn and writes the result back with the
// version bumped by one. Concurrent updates on one flake serialize on the lock.
func (r *PGRepository) Update(ctx context.Context, id string, fn UpdateFunc) (Flake, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Flake{}, fmt.Errorf("flake: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanFlake(tx.QueryRow(ctx, `SELECT doc, version FROM flakes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Flake{}, err
	}

	before := current.Status
	next := current.Clone()
	change, err := fn(&next)
	if errors.Is(err, ErrNoChange) {
		return current, nil
	}
	if err != nil {
		return Flake{}, err
	}

	next.Version = current.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return Flake{}, fmt.Errorf("flake: marshal document: %w", err)
	}

	const updateSQL = `
UPDATE flakes
SET doc = $2, status = $3, version = $4, updated_at = $5
WHERE id = $1 AND version = $6;
`
	tag, err := tx.Exec(ctx, updateSQL, id, doc, next.Status, next.Version, next.UpdatedAt.UTC(), current.Version)
	if err != nil {
		return Flake{}, fmt.Errorf("flake: update document: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return Flake{}, fmt.Errorf("flake: update document: version %d moved", current.Version)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM flake_events WHERE flake_id = $1`, id).Scan(&seq); err != nil {
		return Flake{}, fmt.Errorf("flake: next event seq: %w", err)
	}
	if err := appendEvent(ctx, tx, id, seq, change); err != nil {
		return Flake{}, err
	}
	if next.Status != before {
		if err := enqueueStatusChange(ctx, tx, next, before); err != nil {
			return Flake{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Flake{}, fmt.Errorf("flake: commit tx: %w", err)
	}
	return next, nil
}

func (r *PGRepository) ListByParticipant(ctx context.Context, participantID string) ([]Flake, error) {
	const query = `
SELECT doc, version FROM flakes
WHERE participant_ids @> ARRAY[$1]::text[]
ORDER BY created_at DESC;
`
	return r.list(ctx, query, participantID)
}

func (r *PGRepository) ListByStatus(ctx context.Context, status Status, vt VerificationType) ([]Flake, error) {
	const query = `
SELECT doc, version FROM flakes
WHERE status = $1 AND ($2 = '' OR verification_type = $2)
ORDER BY created_at ASC;
`
	return r.list(ctx, query, status, string(vt))
}

func (r *PGRepository) ListDueBefore(ctx context.Context, status Status, cutoff time.Time, limit int) ([]Flake, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `
SELECT doc, version FROM flakes
WHERE status = $1 AND deadline < $2
ORDER BY deadline ASC
LIMIT $3;
`
	return r.list(ctx, query, status, cutoff.UTC(), limit)
}

func (r *PGRepository) Events(ctx context.Context, flakeID string) ([]Event, error) {
	const query = `
SELECT id, flake_id, seq, type, COALESCE(actor_id, ''), payload, created_at
FROM flake_events
WHERE flake_id = $1
ORDER BY seq ASC;
`
	rows, err := r.db.Query(ctx, query, flakeID)
	if err != nil {
		return nil, fmt.Errorf("flake: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.FlakeID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("flake: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flake: iterate events: %w", err)
	}
	return events, nil
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Flake, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("flake: query: %w", err)
	}
	defer rows.Close()

	var flakes []Flake
	for rows.Next() {
		f, err := scanFlake(rows)
		if err != nil {
			return nil, err
		}
		flakes = append(flakes, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("flake: iterate: %w", err)
	}
	return flakes, nil
}

func scanFlake(row pgx.Row) (Flake, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flake{}, ErrFlakeNotFound
		}
		return Flake{}, fmt.Errorf("flake: scan: %w", err)
	}
	var f Flake
	if err := json.Unmarshal(doc, &f); err != nil {
		return Flake{}, fmt.Errorf("flake: decode document: %w", err)
	}
	f.Version = version
	return f, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, flakeID string, seq int, change Change) error {
	payload := change.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("flake: marshal event payload: %w", err)
	}

	var actorID any
	if change.ActorID != "" {
		actorID = change.ActorID
	}

	const insertSQL = `
INSERT INTO flake_events (flake_id, seq, type, actor_id, payload)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := tx.Exec(ctx, insertSQL, flakeID, seq, change.Type, actorID, payloadBytes); err != nil {
		return fmt.Errorf("flake: insert event: %w", err)
	}
	return nil
}

func enqueueStatusChange(ctx context.Context, tx pgx.Tx, f Flake, from Status) error {
	payload, err := json.Marshal(map[string]any{
		"flake_id": f.ID,
		"from":     from,
		"to":       f.Status,
		"version":  f.Version,
	})
	if err != nil {
		return fmt.Errorf("flake: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, OutboxTopicStatusChanged, payload); err != nil {
		return fmt.Errorf("flake: insert outbox message: %w", err)
	}
	return nil
}

func participantIDs(f Flake) []string {
	ids := make([]string, 0, len(f.Participants))
	for _, p := range f.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}
