// Package ledgerstore is an embeddable, offline-first, multi-writer
// document store atop SQLite. Application code declares ordinary
// record types (see Entity); the store records every attribute-level
// mutation into an internal changelog, publishes live change
// notifications to in-process observers holding long-running queries,
// and reconciles the changelog against shared object storage so that
// any number of replicas converge to the same per-attribute
// Last-Writer-Wins state without a central coordinator.
package ledgerstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/ledgerstore/internal/changelog"
	"github.com/untoldecay/ledgerstore/internal/dblog"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
	"github.com/untoldecay/ledgerstore/internal/reactive"
	"github.com/untoldecay/ledgerstore/internal/writepipe"
)

// Database is a handle to an open store: one SQLite connection, its
// Event Bus, and the Reactive Query Engine subscribed against it.
//
// The writer gate realizes the reader/writer discipline of spec §5:
// multiple concurrent readers, or one writer holding the gate for its
// entire transaction, including the Sync Engine's merge step.
type Database struct {
	db       *sql.DB
	bus      *reactive.EventBus
	reactive *reactive.Engine
	log      *dblog.Logger

	writerGate sync.Mutex
	authorID   string
}

// OpenMemory opens a private, in-process database that vanishes when
// the handle is closed — backed by the same SQL engine as Open, just
// with an in-memory DSN rather than a parallel data structure.
func OpenMemory() (*Database, error) {
	return open("file::memory:?cache=shared")
}

// Open opens (creating if necessary) the database file at path.
func Open(path string) (*Database, error) {
	return open(fmt.Sprintf("file:%s", path))
}

func open(dsn string) (*Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, ledgererr.StorageIO("Open", err)
	}
	// SQLite only truly supports one writer; cap the pool so the
	// driver itself never interleaves two writer connections
	// underneath our own writer gate.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if err := changelog.Bootstrap(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	authorID, err := changelog.EnsureDatabaseUUID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	log := dblog.Default()
	bus := reactive.NewEventBus()
	d := &Database{
		db:       db,
		bus:      bus,
		reactive: reactive.NewEngine(db, bus, log),
		log:      log,
		authorID: authorID,
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// DatabaseID returns this replica's database_uuid, written into
// author_id on every locally created Change.
func (d *Database) DatabaseID() string {
	return d.authorID
}

// UnderlyingDB exposes the raw *sql.DB for callers that need it for
// migrations authored with another tool, or for diagnostics. Bypasses
// the writer gate; callers doing writes through this handle are
// responsible for their own serialization.
func (d *Database) UnderlyingDB() *sql.DB {
	return d.db
}

// Migrate runs an ordered list of DDL scripts against the database.
// Each script runs inside its own transaction; migrations are assumed
// idempotent the way the corpus's own migration runners are (callers
// re-run the same list on every open).
func (d *Database) Migrate(ctx context.Context, migrations []string) error {
	d.writerGate.Lock()
	defer d.writerGate.Unlock()

	for i, script := range migrations {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return ledgererr.Concurrency("Migrate", err)
		}
		if _, err := tx.ExecContext(ctx, script); err != nil {
			tx.Rollback()
			return ledgererr.Schema("Migrate", fmt.Errorf("migration %d: %w", i, err))
		}
		if err := tx.Commit(); err != nil {
			return ledgererr.Concurrency("Migrate", err)
		}
	}
	return nil
}

// Save runs the full write-pipeline contract for record: resolve
// table, assign id if missing, diff against the prior row, write the
// row and append a Change inside one atomic transaction, then publish
// an event once that transaction has committed (spec §4.3). The record
// is saved in place and its id is guaranteed non-empty on return.
func (d *Database) Save(ctx context.Context, record Entity) error {
	d.writerGate.Lock()
	defer d.writerGate.Unlock()

	attrs := record.ToColumns()
	result, err := d.withTxResult(ctx, func(tx *sql.Tx) (*writepipe.Result, error) {
		return writepipe.Save(ctx, tx, d.log, record.TableName(), attrs, d.authorID)
	})
	if err != nil {
		return err
	}

	d.bus.Notify(reactive.TableEvent{Table: result.Event.Table, RowID: result.Event.RowID})
	return record.FromColumns(result.Attrs)
}

func (d *Database) withTxResult(ctx context.Context, fn func(tx *sql.Tx) (*writepipe.Result, error)) (*writepipe.Result, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, ledgererr.Concurrency("Save", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	result, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, ledgererr.Concurrency("Save", err)
	}
	committed = true
	return result, nil
}

// Get loads a single record of dest's table by id. Returns false if
// no row exists with that id.
func (d *Database) Get(ctx context.Context, id string, dest Entity) (bool, error) {
	attrs, found, err := readRowByID(ctx, d.db, dest.TableName(), id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := dest.FromColumns(attrs); err != nil {
		return false, ledgererr.Serialization("Get", err)
	}
	return true, nil
}

// readRowByID runs SELECT * FROM table WHERE id = ? against any
// querier (*sql.DB or *sql.Tx) and scans the row into a column name ->
// scalar value mapping, without knowing the table's shape ahead of
// time.
func readRowByID(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}, table, id string) (map[string]any, bool, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, quoteTable(table)), id)
	if err != nil {
		return nil, false, ledgererr.StorageIO("Get", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, ledgererr.StorageIO("Get", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, ledgererr.StorageIO("Get", err)
		}
		return nil, false, nil
	}

	values := make([]any, len(cols))
	pointers := make([]any, len(cols))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := rows.Scan(pointers...); err != nil {
		return nil, false, ledgererr.StorageIO("Get", err)
	}

	attrs := make(map[string]any, len(cols))
	for i, c := range cols {
		attrs[c] = values[i]
	}
	return attrs, true, nil
}

// Transaction runs fn inside a single writer-held transaction,
// committing on success and rolling back if fn returns an error or
// panics.
func (d *Database) Transaction(ctx context.Context, fn func(txn *Txn) error) error {
	d.writerGate.Lock()
	defer d.writerGate.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return ledgererr.Concurrency("Transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	txn := &Txn{tx: tx, log: d.log, authorID: d.authorID}
	if err := fn(txn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ledgererr.Concurrency("Transaction", err)
	}
	committed = true

	for _, ev := range txn.events {
		d.bus.Notify(reactive.TableEvent{Table: ev.Table, RowID: ev.RowID})
	}
	return nil
}

// Query runs a one-shot SQL query and returns each result row as a
// column name -> scalar value mapping. Unlike Subscribe, the result is
// not kept live.
func (d *Database) Query(ctx context.Context, sqlText string, params []any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, ledgererr.StorageIO("Query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ledgererr.StorageIO("Query", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, ledgererr.StorageIO("Query", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgererr.StorageIO("Query", err)
	}
	return out, nil
}

// Subscribe registers a live query: cb fires synchronously once with
// the initial results and thereafter whenever the result set changes
// (spec §4.4).
func (d *Database) Subscribe(ctx context.Context, sqlText string, params []any, cb func(rows []map[string]any)) (*reactive.Subscription, error) {
	return d.reactive.Subscribe(ctx, sqlText, params, reactive.Callback(cb))
}

// Bus exposes the Event Bus so the Sync Engine can publish the events
// produced by its merge step's save_untracked writes.
func (d *Database) Bus() *reactive.EventBus {
	return d.bus
}

func quoteTable(name string) string {
	return `"` + name + `"`
}
