package db

import (
	"strings"
	"testing"
)

func TestMigrations_OrderedAndComplete(t *testing.T) {
	migrations, err := Migrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].Version >= migrations[i].Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, migrations[i].Version)
		}
	}

	var all strings.Builder
	for _, m := range migrations {
		all.WriteString(m.SQL)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS flakes",
		"CONSTRAINT flakes_numeric_id_key UNIQUE (numeric_id)",
		"CREATE TABLE IF NOT EXISTS flake_events",
		"CREATE TABLE IF NOT EXISTS outbox",
		"CREATE TABLE IF NOT EXISTS oracle_keys",
		"USING GIN (participant_ids)",
	} {
		if !strings.Contains(all.String(), want) {
			t.Fatalf("migrations missing %q", want)
		}
	}
}

func TestNewPool_RejectsEmptyConnString(t *testing.T) {
	if _, err := NewPool(t.Context(), "", PoolOptions{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
}
