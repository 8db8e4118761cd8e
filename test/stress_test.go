package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"flakeflow/flake"
	"flakeflow/ledger"
	"flakeflow/relay"
	"flakeflow/test/actors"
	"flakeflow/test/chaos"
	"flakeflow/test/infra"
	"flakeflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestFlakeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pg, err := infra.StartPostgres(ctx, *flDSN)
	if err != nil {
		t.Skipf("no postgres available: %v", err)
	}
	defer pg.Terminate(context.Background())

	pool, teardown, err := pg.Open(ctx, int32(*flConcurrency)*2+8)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := flake.NewService(flake.NewPGRepository(pool), ledger.MustBuilder(), flake.Chain{
		ID:              8453,
		ContractAddress: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}).WithLogger(logger)

	var (
		reg   actors.Registry
		stats actors.Stats
		pub   actors.FlakyPublisher
	)
	outbox := relay.New(pool, &pub, logger)

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error { return actors.Creator(gctx, svc, &reg, &stats, stop) })
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Depositor(gctx, svc, &reg, &stats, stop) })
		g.Go(func() error { return actors.Attestor(gctx, svc, &reg, &stats, stop) })
	}
	for i := 0; i < 2; i++ {
		g.Go(func() error { return actors.Resolver(gctx, svc, &stats, stop) })
		g.Go(func() error { return actors.Sweeper(gctx, svc, &stats, stop) })
		g.Go(func() error { return actors.Relay(gctx, outbox, &stats, stop) })
	}
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			err := oracles.Check(gctx, pool)
			var violation *oracles.Violation
			switch {
			case err == nil:
			case errors.As(err, &violation):
				close(stop)
				_ = g.Wait()
				dumpRecent(t, ctx, pool)
				t.Fatalf("%v (%s)", violation, stats.String())
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				break loop
			default:
				// chaos may kill the oracle's own connection
				t.Logf("oracle query error: %v", err)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}

	// final pass once everything is quiet
	if err := oracles.Check(ctx, pool); err != nil {
		dumpRecent(t, ctx, pool)
		t.Fatalf("final oracle pass: %v", err)
	}

	if reg.Len() == 0 {
		t.Fatalf("no flakes were created (%s, last unexpected: %v)", stats.String(), stats.LastUnexpected())
	}
	t.Logf("flakes=%d published=%d %s", reg.Len(), pub.Published.Load(), stats.String())
	if err := stats.LastUnexpected(); err != nil {
		t.Logf("last unexpected error: %v", err)
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"flakes", `SELECT id, status, version, updated_at FROM flakes ORDER BY updated_at DESC LIMIT 20`},
		{"flake_events", `SELECT id, flake_id, seq, type, actor_id, created_at FROM flake_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, last_error, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
