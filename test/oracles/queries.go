package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant phrased as a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_event_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT flake_id, seq,
                             LAG(seq) OVER (PARTITION BY flake_id ORDER BY seq) AS prev
                      FROM flake_events)
                  SELECT * FROM seqs
                  WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O2_version_matches_history",
			SQL: `SELECT f.id, f.version, e.last_seq FROM flakes f
                  LEFT JOIN (SELECT flake_id, MAX(seq) AS last_seq FROM flake_events GROUP BY flake_id) e
                         ON e.flake_id = f.id
                  WHERE COALESCE(e.last_seq, 0) <> f.version`,
		},
		{
			Name: "O3_status_column_matches_doc",
			SQL: `SELECT id, status, doc->>'status' FROM flakes
                  WHERE status <> doc->>'status'`,
		},
		{
			Name: "O4_active_requires_every_stake",
			SQL: `SELECT f.id, f.status, p->>'id' FROM flakes f
                  CROSS JOIN LATERAL jsonb_array_elements(f.doc->'participants') p
                  WHERE f.status IN ('ACTIVE','AWAITING_VERDICT')
                    AND p->>'status' <> 'staked'`,
		},
		{
			Name: "O5_resolved_single_winner",
			SQL: `SELECT f.id FROM flakes f
                  WHERE f.status = 'RESOLVED'
                    AND (f.doc->>'winner_id' IS NULL
                         OR (SELECT COUNT(*) FROM jsonb_array_elements(f.doc->'participants') p
                             WHERE (p->>'winner')::boolean) <> 1)`,
		},
		{
			Name: "O6_single_settlement",
			SQL: `SELECT flake_id, COUNT(*) FROM flake_events
                  WHERE type IN ('FLAKE_RESOLVED','REFUNDS_OPENED')
                  GROUP BY flake_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_deposit_per_participant",
			SQL: `SELECT flake_id, actor_id, COUNT(*) FROM flake_events
                  WHERE type = 'DEPOSIT_CONFIRMED'
                  GROUP BY flake_id, actor_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id::text, status, attempts FROM outbox
                  WHERE (status = 'pending' AND now() - created_at > interval '5 minutes')
                     OR (status = 'dead' AND attempts < 5)`,
		},
		{
			Name: "O9_event_immutability_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_flake_events')`,
		},
	}
}

// Violation is the first offending row of a failed oracle.
type Violation struct {
	Oracle string
	Row    []any
}

func (v *Violation) Error() string {
	return fmt.Sprintf("oracle %s violated by %v", v.Oracle, v.Row)
}

// Check runs every oracle in order. It returns a *Violation for the first
// oracle that yields a row, or a plain error if a query itself fails.
func Check(ctx context.Context, pool *pgxpool.Pool) error {
	for _, o := range All() {
		row, err := firstRow(ctx, pool, o.SQL)
		if err != nil {
			return fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if row != nil {
			return &Violation{Oracle: o.Name, Row: row}
		}
	}
	return nil
}

func firstRow(ctx context.Context, pool *pgxpool.Pool, sql string) ([]any, error) {
	rows, err := pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return rows.Values()
}
