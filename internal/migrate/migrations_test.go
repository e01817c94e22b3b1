package migrate_test

import (
	"context"
	"testing"

	"civicflow/internal/db"
	"civicflow/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("expected schema version >= 1, got %d", v)
	}
	for _, table := range []string{"complaints", "complaint_notes", "complaint_images", "votes", "staff", "events", "tombstones", "api_keys"} {
		var name string
		if err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestAssigneeCheckConstraint(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = conn.Exec(`INSERT INTO complaints(id,citizen_id,title,description,status,priority,category,created_at,last_updated,assigned_field_staff_id)
VALUES ('c1','cit','t','d','pending','medium','roads','2024-01-01T00:00:00.000000000Z','2024-01-01T00:00:00.000000000Z','staff-1')`)
	if err == nil {
		t.Fatalf("expected pending complaint with assignee to be rejected")
	}
}
