package migrate_test

import (
	"context"
	"testing"

	"trailhead/internal/db"
	"trailhead/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	latest, err := migrate.Latest()
	if err != nil || latest < 3 {
		t.Fatalf("latest: %d %v", latest, err)
	}
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil || v != latest {
		t.Fatalf("version %d, want %d (%v)", v, latest, err)
	}
	for _, table := range []string{"expeditions", "events", "expedition_results", "transactions"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
	var runCols int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('expeditions') WHERE name='run_id'`).Scan(&runCols); err != nil || runCols != 1 {
		t.Fatalf("expeditions.run_id missing: %d %v", runCols, err)
	}
}
