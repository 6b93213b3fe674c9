// Package writepipe implements the Write Pipeline: the atomic save
// that turns an entity save into a durable, replayable attribute diff
// inside a single transaction (spec §4.3).
package writepipe

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/ledgerstore/internal/changelog"
	"github.com/untoldecay/ledgerstore/internal/dblog"
	"github.com/untoldecay/ledgerstore/internal/idgen"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
)

// Event is queued into the per-transaction buffer at step 10 and
// flushed to the Event Bus only after commit succeeds.
type Event struct {
	Kind   EventKind
	Table  string
	RowID  string
}

type EventKind int

const (
	EventInsert EventKind = iota
	EventUpdate
)

// Result is what Save/SaveUntracked hand back: the final attribute
// map (with the resolved id) and the event to publish after commit.
type Result struct {
	Attrs map[string]any
	Event Event
}

// Save runs the full 11-step save contract: resolve columns, assign
// an id if missing, diff against the prior row, write the row, append
// a Change, and return the event to publish post-commit. tx must
// already be open; the caller commits or rolls back.
func Save(ctx context.Context, tx *sql.Tx, log *dblog.Logger, table string, attrs map[string]any, authorID string) (*Result, error) {
	return save(ctx, tx, log, table, attrs, authorID, true)
}

// SaveUntracked performs steps 1-7 and 10 only, bypassing the diff and
// Change append (step 8-9). It exists so the Sync Engine can
// re-materialize LWW state from the changelog without logging a
// redundant local authorship (spec §4.3 final paragraph).
func SaveUntracked(ctx context.Context, tx *sql.Tx, log *dblog.Logger, table string, attrs map[string]any) (*Result, error) {
	return save(ctx, tx, log, table, attrs, "", false)
}

func save(ctx context.Context, tx *sql.Tx, log *dblog.Logger, table string, attrs map[string]any, authorID string, tracked bool) (*Result, error) {
	columns, err := tableColumns(ctx, tx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, ledgererr.Schema("writepipe.save", fmt.Errorf("table %q not found", table))
	}

	// Step 2-3: intersect declared attributes with actual columns.
	restricted := make(map[string]any, len(attrs))
	for _, col := range columns {
		if v, ok := attrs[col]; ok {
			restricted[col] = v
		}
	}

	// Step 4: resolve the row id.
	id, _ := restricted["id"].(string)
	isInsert := id == ""
	if isInsert {
		newID, err := idgen.New()
		if err != nil {
			return nil, ledgererr.Serialization("writepipe.save", err)
		}
		id = string(newID)
		restricted["id"] = id
	}

	// Step 6: read the prior row, if any.
	prior, err := readRow(ctx, tx, table, columns, id)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		isInsert = false
	}

	// Step 7: execute the insert or update.
	if isInsert {
		if err := insertRow(ctx, tx, table, restricted); err != nil {
			return nil, err
		}
	} else if err := updateRow(ctx, tx, table, id, restricted); err != nil {
		return nil, err
	}

	var event Event
	if isInsert {
		event = Event{Kind: EventInsert, Table: table, RowID: id}
	} else {
		event = Event{Kind: EventUpdate, Table: table, RowID: id}
	}

	if tracked {
		// Step 8: compute the attribute diff against the prior row.
		diff := diffAttributes(prior, restricted)
		// Step 9: append a Change if anything differs.
		if len(diff) > 0 {
			changeID, err := idgen.New()
			if err != nil {
				return nil, ledgererr.Serialization("writepipe.save", err)
			}
			if err := changelog.Append(ctx, tx, changelog.Change{
				ID:         changeID,
				AuthorID:   authorID,
				EntityType: table,
				EntityID:   id,
				NewValues:  diff,
				Merged:     true,
			}); err != nil {
				return nil, err
			}
			if log != nil {
				log.Debugf("writepipe", "appended change %s for %s/%s (%d attrs)", changeID, table, id, len(diff))
			}
		}
	}

	return &Result{Attrs: restricted, Event: event}, nil
}

// diffAttributes implements step 8: for each column except id,
// include (name, new_value) iff this is an insert (prior == nil) or
// the new value differs from the prior row's value. Both-null is not
// a change.
func diffAttributes(prior map[string]any, next map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range next {
		if k == "id" {
			continue
		}
		if prior == nil {
			diff[k] = v
			continue
		}
		old, existed := prior[k]
		if !existed && v == nil {
			continue
		}
		if !valuesEqual(old, v) {
			diff[k] = v
		}
	}
	return diff
}

func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && (a == nil) == (b == nil)
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, ledgererr.Schema("writepipe.tableColumns", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, ledgererr.Schema("writepipe.tableColumns", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func readRow(ctx context.Context, tx *sql.Tx, table string, columns []string, id string) (map[string]any, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, strings.Join(quoteIdents(columns), ", "), quoteIdent(table))
	row := tx.QueryRowContext(ctx, query, id)

	scanDest := make([]any, len(columns))
	scanPtrs := make([]any, len(columns))
	for i := range scanDest {
		scanPtrs[i] = &scanDest[i]
	}
	if err := row.Scan(scanPtrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, ledgererr.StorageIO("writepipe.readRow", err)
	}

	result := make(map[string]any, len(columns))
	for i, col := range columns {
		result[col] = scanDest[i]
	}
	return result, nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table string, attrs map[string]any) error {
	cols := sortedKeys(attrs)
	placeholders := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		values[i] = attrs[c]
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoteIdents(cols), ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return ledgererr.Constraint("writepipe.insertRow", err)
	}
	return nil
}

func updateRow(ctx context.Context, tx *sql.Tx, table, id string, attrs map[string]any) error {
	cols := sortedKeys(attrs)
	var setClauses []string
	var values []any
	for _, c := range cols {
		if c == "id" {
			continue
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", quoteIdent(c)))
		values = append(values, attrs[c])
	}
	if len(setClauses) == 0 {
		return nil
	}
	values = append(values, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, quoteIdent(table), strings.Join(setClauses, ", "))
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return ledgererr.Constraint("writepipe.updateRow", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteIdents(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}
	return out
}
