package ledgerstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/untoldecay/ledgerstore"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
)

func syncSleep() { time.Sleep(5 * time.Millisecond) }

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}

type artist struct {
	ID      string
	Name    string
	Summary *string
	Country *string
	Liked   *bool
}

func (a *artist) TableName() string { return "Artist" }

func (a *artist) ToColumns() map[string]any {
	cols := map[string]any{"id": a.ID, "name": a.Name}
	if a.Summary != nil {
		cols["summary"] = *a.Summary
	} else {
		cols["summary"] = nil
	}
	if a.Country != nil {
		cols["country"] = *a.Country
	}
	if a.Liked != nil {
		liked := 0
		if *a.Liked {
			liked = 1
		}
		cols["liked"] = liked
	}
	return cols
}

func (a *artist) FromColumns(cols map[string]any) error {
	if v, ok := cols["id"].(string); ok {
		a.ID = v
	}
	if v, ok := cols["name"].(string); ok {
		a.Name = v
	}
	if v, ok := cols["summary"].(string); ok {
		a.Summary = &v
	}
	return nil
}

const artistSchema = `CREATE TABLE Artist (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	summary TEXT,
	country TEXT,
	liked INTEGER
)`

func openTestDatabase(t *testing.T) *ledgerstore.Database {
	t.Helper()
	db, err := ledgerstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), []string{artistSchema}); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return db
}

// Scenario A — basic save+read.
func TestScenarioABasicSaveAndRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	a := &artist{Name: "Metallica"}
	if err := db.Save(ctx, a); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(a.ID) != 36 {
		t.Fatalf("expected a canonical time-sortable id, got %q", a.ID)
	}

	rows, err := db.Query(ctx, "SELECT * FROM Artist", nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if name, _ := asString(rows[0]["name"]); name != "Metallica" {
		t.Fatalf("expected name=Metallica, got %v", rows[0]["name"])
	}
}

// Scenario B — attribute diff on update.
func TestScenarioBAttributeDiffOnUpdate(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	a := &artist{Name: "Metallica"}
	if err := db.Save(ctx, a); err != nil {
		t.Fatalf("insert Save failed: %v", err)
	}

	summary := "American heavy metal"
	a.Summary = &summary
	if err := db.Save(ctx, a); err != nil {
		t.Fatalf("update Save failed: %v", err)
	}

	rows, err := db.Query(ctx, "SELECT new_values FROM zz_change WHERE entity_id = ? ORDER BY id ASC", []any{a.ID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected exactly 2 changes, got %d", len(rows))
	}
	second, ok := asString(rows[1]["new_values"])
	if !ok {
		t.Fatalf("expected new_values to be string-like, got %T", rows[1]["new_values"])
	}
	if second != `{"summary":"American heavy metal"}` {
		t.Fatalf(`expected the second change's new_values to be exactly {"summary":"American heavy metal"}, got %s`, second)
	}
}

// Scenario C — reactive dedup.
func TestScenarioCReactiveDedup(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	var mu sync.Mutex
	counter := 0
	sub, err := db.Subscribe(ctx, "SELECT * FROM Artist", nil, func(rows []map[string]any) {
		mu.Lock()
		counter++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	readCounter := func() int {
		mu.Lock()
		defer mu.Unlock()
		return counter
	}
	if readCounter() != 1 {
		t.Fatalf("expected counter=1 after initial fire, got %d", readCounter())
	}

	sub.Refresh()
	waitForCounter(t, readCounter, 1)

	if err := db.Save(ctx, &artist{Name: "Iron Maiden"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	waitForCounter(t, readCounter, 2)

	sub.Refresh()
	waitForCounterStaysAt(t, readCounter, 2)
}

// Scenario D — three-replica per-attribute LWW. Replicas A, B, and C
// each start from the same row and each edit a different attribute
// (liked, country, summary respectively); after every replica has
// pushed and pulled, all three edits must survive together on every
// replica.
func TestScenarioDThreeReplicaPerAttributeLWW(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dbA := openTestDatabase(t)
	dbB := openTestDatabase(t)
	dbC := openTestDatabase(t)

	base := &artist{Name: "Metallica"}
	if err := dbA.Save(ctx, base); err != nil {
		t.Fatalf("seed Save on A failed: %v", err)
	}
	id := base.ID

	buildEngine := func() *ledgerstore.SyncEngine {
		e, err := ledgerstore.NewSyncEngineBuilder().Local(dir).Build(ctx)
		if err != nil {
			t.Fatalf("build sync engine failed: %v", err)
		}
		return e
	}

	// A's row propagates to B and C before anyone diverges.
	if err := buildEngine().Sync(ctx, dbA); err != nil {
		t.Fatalf("seed Sync on A failed: %v", err)
	}
	if err := buildEngine().Sync(ctx, dbB); err != nil {
		t.Fatalf("seed Sync on B failed: %v", err)
	}
	if err := buildEngine().Sync(ctx, dbC); err != nil {
		t.Fatalf("seed Sync on C failed: %v", err)
	}

	liked := true
	if err := dbA.Save(ctx, &artist{ID: id, Name: "Metallica", Liked: &liked}); err != nil {
		t.Fatalf("A's liked edit failed: %v", err)
	}
	country := "USA"
	if err := dbB.Save(ctx, &artist{ID: id, Name: "Metallica", Country: &country}); err != nil {
		t.Fatalf("B's country edit failed: %v", err)
	}
	summary := "American heavy metal band"
	if err := dbC.Save(ctx, &artist{ID: id, Name: "Metallica", Summary: &summary}); err != nil {
		t.Fatalf("C's summary edit failed: %v", err)
	}

	// Push all three edits, then pull on every replica.
	for _, db := range []*ledgerstore.Database{dbA, dbB, dbC} {
		if err := buildEngine().Sync(ctx, db); err != nil {
			t.Fatalf("push Sync failed: %v", err)
		}
	}
	for _, db := range []*ledgerstore.Database{dbA, dbB, dbC} {
		if err := buildEngine().Sync(ctx, db); err != nil {
			t.Fatalf("pull Sync failed: %v", err)
		}
	}

	for replica, db := range map[string]*ledgerstore.Database{"A": dbA, "B": dbB, "C": dbC} {
		rows, err := db.Query(ctx, "SELECT liked, country, summary FROM Artist WHERE id = ?", []any{id})
		if err != nil {
			t.Fatalf("Query on %s failed: %v", replica, err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected exactly 1 row on %s, got %d", replica, len(rows))
		}
		row := rows[0]
		likedVal, _ := row["liked"].(int64)
		countryVal, _ := asString(row["country"])
		summaryVal, _ := asString(row["summary"])
		if likedVal != 1 {
			t.Fatalf("replica %s: expected A's liked edit to have survived, got %v", replica, row["liked"])
		}
		if countryVal != "USA" {
			t.Fatalf("replica %s: expected B's country edit to have survived, got %v", replica, row["country"])
		}
		if summaryVal != "American heavy metal band" {
			t.Fatalf("replica %s: expected C's summary edit to have survived, got %v", replica, row["summary"])
		}
	}
}

// Scenario F — encrypted storage rejects wrong passphrase.
func TestScenarioFEncryptedStorageRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	if err := db.Save(ctx, &artist{Name: "Metallica"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	dir := t.TempDir()
	writer, err := ledgerstore.NewSyncEngineBuilder().Local(dir).Encrypted("correct-passphrase").Build(ctx)
	if err != nil {
		t.Fatalf("build writer sync engine failed: %v", err)
	}
	if err := writer.Sync(ctx, db); err != nil {
		t.Fatalf("writer Sync failed: %v", err)
	}

	dbReader := openTestDatabase(t)
	reader, err := ledgerstore.NewSyncEngineBuilder().Local(dir).Encrypted("wrong-passphrase").Build(ctx)
	if err != nil {
		t.Fatalf("build reader sync engine failed: %v", err)
	}
	err = reader.Sync(ctx, dbReader)
	if err == nil {
		t.Fatalf("expected sync with the wrong passphrase to fail")
	}
	if !ledgererr.Is(err, ledgererr.CryptoError) {
		t.Fatalf("expected a CryptoError, got %v", err)
	}

	rows, err := dbReader.Query(ctx, "SELECT * FROM Artist", nil)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected the reader's database to remain empty after a failed sync, got %d rows", len(rows))
	}
}

// Scenario E — catch-up sync. Replica A syncs once after each of four
// writes; replica B syncs once at the end and converges to the same
// four rows with no writes of its own.
func TestScenarioECatchUpSync(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dbA := openTestDatabase(t)
	names := []string{"Metallica", "Iron Maiden", "Megadeth", "Slayer"}
	for _, name := range names {
		if err := dbA.Save(ctx, &artist{Name: name}); err != nil {
			t.Fatalf("Save(%s) failed: %v", name, err)
		}
		engineA, err := ledgerstore.NewSyncEngineBuilder().Local(dir).Build(ctx)
		if err != nil {
			t.Fatalf("build sync engine for A failed: %v", err)
		}
		if err := engineA.Sync(ctx, dbA); err != nil {
			t.Fatalf("Sync on A after writing %s failed: %v", name, err)
		}
	}

	dbB := openTestDatabase(t)
	engineB, err := ledgerstore.NewSyncEngineBuilder().Local(dir).Build(ctx)
	if err != nil {
		t.Fatalf("build sync engine for B failed: %v", err)
	}
	if err := engineB.Sync(ctx, dbB); err != nil {
		t.Fatalf("Sync on B failed: %v", err)
	}

	rows, err := dbB.Query(ctx, "SELECT name FROM Artist ORDER BY name ASC", nil)
	if err != nil {
		t.Fatalf("Query on B failed: %v", err)
	}
	if len(rows) != len(names) {
		t.Fatalf("expected B to converge to %d rows from a single catch-up sync, got %d", len(names), len(rows))
	}
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		name, ok := asString(row["name"])
		if !ok {
			t.Fatalf("expected name to be string-like, got %T", row["name"])
		}
		seen[name] = true
	}
	for _, name := range names {
		if !seen[name] {
			t.Fatalf("expected B to have converged %q from A's catch-up sync", name)
		}
	}
}

func waitForCounter(t *testing.T, read func() int, want int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if read() >= want {
			return
		}
		syncSleep()
	}
	t.Fatalf("timed out waiting for counter to reach %d, stuck at %d", want, read())
}

func waitForCounterStaysAt(t *testing.T, read func() int, want int) {
	t.Helper()
	for i := 0; i < 20; i++ {
		syncSleep()
		if read() != want {
			t.Fatalf("expected counter to stay at %d, observed %d", want, read())
		}
	}
}
