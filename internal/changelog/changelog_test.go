package changelog

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/ledgerstore/internal/idgen"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := Bootstrap(context.Background(), db); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return db
}

func TestBootstrapIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Bootstrap(context.Background(), db); err != nil {
		t.Fatalf("second Bootstrap call failed: %v", err)
	}
}

func TestEnsureDatabaseUUIDMintsOnceAndPersists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := EnsureDatabaseUUID(ctx, db)
	if err != nil {
		t.Fatalf("EnsureDatabaseUUID failed: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a non-empty database uuid")
	}

	second, err := EnsureDatabaseUUID(ctx, db)
	if err != nil {
		t.Fatalf("EnsureDatabaseUUID (second call) failed: %v", err)
	}
	if second != first {
		t.Fatalf("expected the database uuid to persist across calls: %q != %q", first, second)
	}
}

func TestAppendIsDuplicateSafe(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := idgen.New()
	if err != nil {
		t.Fatalf("idgen.New failed: %v", err)
	}
	c := Change{ID: id, AuthorID: "author-1", EntityType: "notes", EntityID: "n1", NewValues: map[string]any{"text": "hi"}, Merged: true}

	if err := Append(ctx, db, c); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}
	if err := Append(ctx, db, c); err != nil {
		t.Fatalf("duplicate Append must be a no-op, got error: %v", err)
	}

	ids, err := ListIDs(ctx, db)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly 1 change after duplicate append, got %d", len(ids))
	}
}

func TestGetRoundTripsNewValues(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, _ := idgen.New()
	c := Change{
		ID: id, AuthorID: "author-1", EntityType: "notes", EntityID: "n1",
		NewValues: map[string]any{"text": "hi", "done": float64(1)},
		Merged:    false,
	}
	if err := Append(ctx, db, c); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := Get(ctx, db, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatalf("expected to find the change")
	}
	if got.EntityID != "n1" || got.NewValues["text"] != "hi" {
		t.Fatalf("unexpected change contents: %+v", got)
	}
	if got.Merged {
		t.Fatalf("expected merged=false to round trip")
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	got, err := Get(context.Background(), db, idgen.Zero)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for a missing change")
	}
}

func TestGetUnmergedAndMarkAllMerged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, _ := idgen.New()
		Append(ctx, db, Change{ID: id, AuthorID: "a", EntityType: "notes", EntityID: "n", NewValues: map[string]any{"x": i}, Merged: false})
	}

	unmerged, err := GetUnmerged(ctx, db)
	if err != nil {
		t.Fatalf("GetUnmerged failed: %v", err)
	}
	if len(unmerged) != 3 {
		t.Fatalf("expected 3 unmerged changes, got %d", len(unmerged))
	}

	if err := MarkAllMerged(ctx, db); err != nil {
		t.Fatalf("MarkAllMerged failed: %v", err)
	}

	unmerged, err = GetUnmerged(ctx, db)
	if err != nil {
		t.Fatalf("GetUnmerged (after mark) failed: %v", err)
	}
	if len(unmerged) != 0 {
		t.Fatalf("expected 0 unmerged changes after MarkAllMerged, got %d", len(unmerged))
	}
}
