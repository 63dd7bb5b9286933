package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	schema := `
		CREATE TABLE audit_logs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT,
			source TEXT NOT NULL DEFAULT 'system',
			details TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndList(t *testing.T) {
	rec := NewSQLiteRecorder(setupTestDB(t))
	ctx := context.Background()

	e := &Entry{
		Action:     ActionDeploymentStarted,
		EntityType: EntityDeployment,
		EntityID:   "dep-11223344",
		Source:     SourceAPI,
		Details:    map[string]any{"targets": 3.0},
	}
	if err := rec.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("Record did not fill defaults: %+v", e)
	}

	res, err := rec.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("total = %d, entries = %d, want 1/1", res.Total, len(res.Entries))
	}
	got := res.Entries[0]
	if got.Action != ActionDeploymentStarted || got.EntityID != "dep-11223344" {
		t.Errorf("unexpected entry: %+v", got)
	}
	if got.Details["targets"] != 3.0 {
		t.Errorf("details = %v", got.Details)
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	rec := NewSQLiteRecorder(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []Entry{
		{Action: ActionDeploymentStarted, EntityType: EntityDeployment, EntityID: "dep-1"},
		{Action: ActionDeploymentCompleted, EntityType: EntityDeployment, EntityID: "dep-1"},
		{Action: ActionSnapshotCreated, EntityType: EntitySnapshot, EntityID: "snap-1"},
		{Action: ActionDeploymentStarted, EntityType: EntityDeployment, EntityID: "dep-2"},
	}
	for i := range entries {
		entries[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := rec.Record(ctx, &entries[i]); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	byEntity, err := rec.List(ctx, Filter{EntityType: EntityDeployment, EntityID: "dep-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if byEntity.Total != 2 {
		t.Errorf("total = %d, want 2", byEntity.Total)
	}

	byAction, err := rec.List(ctx, Filter{Action: ActionDeploymentStarted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if byAction.Total != 2 {
		t.Errorf("total = %d, want 2", byAction.Total)
	}

	page, err := rec.List(ctx, Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 4 || len(page.Entries) != 2 {
		t.Errorf("total = %d, page = %d, want 4/2", page.Total, len(page.Entries))
	}
	// Newest first.
	if page.Entries[0].CreatedAt.Before(page.Entries[1].CreatedAt) {
		t.Error("entries not ordered newest first")
	}
}

func TestListEmpty(t *testing.T) {
	rec := NewSQLiteRecorder(setupTestDB(t))

	res, err := rec.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Entries == nil || len(res.Entries) != 0 {
		t.Errorf("Entries = %v, want empty non-nil slice", res.Entries)
	}
}
