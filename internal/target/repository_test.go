package target

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the targets schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	schema := `
		CREATE TABLE targets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			host TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			user TEXT NOT NULL,
			credential TEXT NOT NULL,
			config_path TEXT NOT NULL,
			restart_cmd TEXT NOT NULL DEFAULT '',
			health_cmd TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testTarget(name string) *Target {
	return &Target{
		Name:       name,
		Host:       "10.0.0.10",
		Port:       22,
		User:       "deploy",
		Credential: "encrypted-blob",
		ConfigPath: "/etc/wled-bridge",
		RestartCmd: "systemctl restart wled-bridge",
		HealthCmd:  "systemctl is-active wled-bridge",
		Enabled:    true,
	}
}

func TestCreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	tgt := testTarget("lounge")
	if err := repo.Create(ctx, tgt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tgt.ID == "" {
		t.Fatal("Create did not assign an ID")
	}

	got, err := repo.GetByID(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Host != "10.0.0.10" || got.User != "deploy" || !got.Enabled {
		t.Errorf("unexpected target: %+v", got)
	}

	byName, err := repo.GetByName(ctx, "lounge")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.ID != tgt.ID {
		t.Errorf("GetByName ID = %q, want %q", byName.ID, tgt.ID)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testTarget("attic")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, testTarget("attic")); !errors.Is(err, ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
}

func TestGetMissing(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	if _, err := repo.GetByID(context.Background(), "tgt-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Target)
	}{
		{"empty name", func(t *Target) { t.Name = "" }},
		{"empty host", func(t *Target) { t.Host = "" }},
		{"bad port", func(t *Target) { t.Port = 0 }},
		{"empty user", func(t *Target) { t.User = "" }},
		{"empty credential", func(t *Target) { t.Credential = "" }},
		{"relative config path", func(t *Target) { t.ConfigPath = "etc/app" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tgt := testTarget("valid")
			tt.mutate(tgt)
			if err := Validate(tgt); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	tgt := testTarget("garage")
	if err := repo.Create(ctx, tgt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tgt.Host = "10.0.0.20"
	tgt.Enabled = false
	if err := repo.Update(ctx, tgt); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := repo.GetByID(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Host != "10.0.0.20" || got.Enabled {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := repo.Delete(ctx, tgt.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, tgt.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListEmpty(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	targets, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if targets == nil || len(targets) != 0 {
		t.Errorf("List = %v, want empty non-nil slice", targets)
	}
}
