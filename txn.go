package ledgerstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/ledgerstore/internal/dblog"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
	"github.com/untoldecay/ledgerstore/internal/writepipe"
)

// Txn is the handle passed into Database.Transaction's callback. It
// lets callers group several saves into one atomic commit while
// queuing their events for a single post-commit flush to the Event
// Bus (spec §4.3's "events are flushed only after a successful
// commit", generalized across a whole transaction rather than a
// single save).
type Txn struct {
	tx       *sql.Tx
	log      *dblog.Logger
	authorID string
	events   []writepipe.Event
}

// Save runs the write pipeline for record against this transaction.
// The event it produces is held back and only published to the Event
// Bus once the enclosing Transaction call commits.
func (t *Txn) Save(ctx context.Context, record Entity) error {
	result, err := writepipe.Save(ctx, t.tx, t.log, record.TableName(), record.ToColumns(), t.authorID)
	if err != nil {
		return err
	}
	t.events = append(t.events, result.Event)
	return record.FromColumns(result.Attrs)
}

// Get loads a single record by id within this transaction's view.
func (t *Txn) Get(ctx context.Context, id string, dest Entity) (bool, error) {
	attrs, found, err := readRowByID(ctx, t.tx, dest.TableName(), id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := dest.FromColumns(attrs); err != nil {
		return false, ledgererr.Serialization("Txn.Get", err)
	}
	return true, nil
}

// Query runs a one-shot SQL query within this transaction's view.
func (t *Txn) Query(ctx context.Context, sqlText string, params []any) ([]map[string]any, error) {
	rows, err := t.tx.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, ledgererr.StorageIO("Txn.Query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ledgererr.StorageIO("Txn.Query", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		pointers := make([]any, len(cols))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, ledgererr.StorageIO("Txn.Query", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgererr.StorageIO("Txn.Query", err)
	}
	return out, nil
}

// Exec runs a statement with no result rows within this transaction,
// for callers that need schema changes or bulk deletes mid-transaction
// rather than going through Save.
func (t *Txn) Exec(ctx context.Context, sqlText string, params ...any) error {
	if _, err := t.tx.ExecContext(ctx, sqlText, params...); err != nil {
		return ledgererr.StorageIO("Txn.Exec", fmt.Errorf("%s: %w", sqlText, err))
	}
	return nil
}
