package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// openTestDB connects to TEST_DATABASE_URL with a fresh public schema and
// every migration applied.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolOptions{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestAuditStoreRecordAndList(t *testing.T) {
	db := openTestDB(t)
	audit := NewAuditStore(db)
	ctx := context.Background()

	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	changes := []model.AppliedChange{
		{ID: "t0", Path: []string{"body", "0", "value"}, OldValue: "a", NewValue: "b", AppliedAt: at},
		{ID: "t3", Path: []string{"title", "value"}, OldValue: "x", NewValue: "y", AppliedAt: at},
	}
	if err := audit.RecordApplied(ctx, "sess_1", "abc", changes); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := audit.RecordApplied(ctx, "sess_2", "def", changes[:1]); err != nil {
		t.Fatalf("record other session: %v", err)
	}

	records, err := audit.ListApplied(ctx, "sess_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ChangeID != "t0" || records[1].ChangeID != "t3" {
		t.Fatalf("unexpected order: %+v", records)
	}
	if strings.Join(records[0].Path, "/") != "body/0/value" {
		t.Fatalf("path not preserved: %v", records[0].Path)
	}
	if !records[0].AppliedAt.Equal(at) || records[0].DocumentHash != "abc" {
		t.Fatalf("unexpected record: %+v", records[0])
	}

	empty, err := audit.ListApplied(ctx, "sess_none")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no records, got %d", len(empty))
	}
}

func TestAuditStoreRejectsUpdateAndDelete(t *testing.T) {
	db := openTestDB(t)
	audit := NewAuditStore(db)
	ctx := context.Background()

	err := audit.RecordApplied(ctx, "sess_guard", "h", []model.AppliedChange{
		{ID: "t0", Path: []string{"v"}, OldValue: "a", NewValue: "b", AppliedAt: time.Now()},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	_, err = db.ExecContext(ctx, `UPDATE applied_changes SET new_value = 'c' WHERE session_id = 'sess_guard'`)
	if !IsImmutableViolation(err) {
		t.Fatalf("expected immutable violation on update, got %v", err)
	}
	_, err = db.ExecContext(ctx, `DELETE FROM applied_changes WHERE session_id = 'sess_guard'`)
	if !IsImmutableViolation(err) {
		t.Fatalf("expected immutable violation on delete, got %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	applied, err := ApplyMigrations(context.Background(), db, filepath.Join("..", "..", "db", "migrations"), nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no new migrations, got %v", applied)
	}
}

func TestRecordAppliedWithNoChangesIsNoop(t *testing.T) {
	audit := NewAuditStore(nil)
	if err := audit.RecordApplied(context.Background(), "sess", "h", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
