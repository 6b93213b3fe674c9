// Package changelog implements the Changelog Store: the two internal
// tables (Metadata, Change) embedded inside the same physical SQLite
// database as application tables, under a reserved prefix chosen to
// sort after every user table.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/untoldecay/ledgerstore/internal/idgen"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
)

// ReservedPrefix is the two-character prefix shared by both internal
// tables; chosen so that "zz" sorts after application table names.
const ReservedPrefix = "zz"

const (
	metadataTable = "zz_metadata"
	changeTable   = "zz_change"
)

// DatabaseUUIDKey is the Metadata key holding the replica identity.
const DatabaseUUIDKey = "database_uuid"

const schema = `
CREATE TABLE IF NOT EXISTS zz_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT
);

CREATE TABLE IF NOT EXISTS zz_change (
	id          TEXT PRIMARY KEY,
	author_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	new_values  TEXT NOT NULL,
	merged      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_zz_change_entity ON zz_change (entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_zz_change_merged ON zz_change (merged);
`

// querier is satisfied by both *sql.DB and *sql.Tx, matching the
// "executed under the caller's transaction when one is active;
// otherwise acquires its own" contract of spec §4.2.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Change is the in-memory representation of one append-only changelog
// entry, matching spec §3 field-for-field.
type Change struct {
	ID         idgen.ID
	AuthorID   string
	EntityType string
	EntityID   string
	NewValues  map[string]any
	Merged     bool
}

// Bootstrap creates the changelog tables if they do not already exist.
// Safe to call on every Open.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return ledgererr.Schema("changelog.Bootstrap", fmt.Errorf("create internal tables: %w", err))
	}
	return nil
}

// EnsureDatabaseUUID reads the persisted database_uuid, minting and
// storing a fresh one on first open.
func EnsureDatabaseUUID(ctx context.Context, db *sql.DB) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM zz_metadata WHERE key = ?`, DatabaseUUIDKey).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return "", ledgererr.StorageIO("changelog.EnsureDatabaseUUID", err)
	}

	id, err := idgen.New()
	if err != nil {
		return "", ledgererr.Serialization("changelog.EnsureDatabaseUUID", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO zz_metadata (key, value) VALUES (?, ?)`, DatabaseUUIDKey, string(id)); err != nil {
		return "", ledgererr.StorageIO("changelog.EnsureDatabaseUUID", err)
	}
	return string(id), nil
}

// Append inserts a new Change row. Duplicate ids are ignored (the
// duplicate-safe insert required by the sync engine's pull step).
func Append(ctx context.Context, q querier, c Change) error {
	payload, err := json.Marshal(c.NewValues)
	if err != nil {
		return ledgererr.Serialization("changelog.Append", err)
	}
	merged := 0
	if c.Merged {
		merged = 1
	}
	_, err = q.ExecContext(ctx,
		`INSERT OR IGNORE INTO zz_change (id, author_id, entity_type, entity_id, new_values, merged)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.ID), c.AuthorID, c.EntityType, c.EntityID, string(payload), merged,
	)
	if err != nil {
		return ledgererr.StorageIO("changelog.Append", err)
	}
	return nil
}

// ListIDs returns every local Change id, ascending.
func ListIDs(ctx context.Context, q querier) ([]idgen.ID, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM zz_change ORDER BY id ASC`)
	if err != nil {
		return nil, ledgererr.StorageIO("changelog.ListIDs", err)
	}
	defer rows.Close()

	var ids []idgen.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledgererr.StorageIO("changelog.ListIDs", err)
		}
		ids = append(ids, idgen.ID(id))
	}
	return ids, rows.Err()
}

// Get fetches a single Change by id.
func Get(ctx context.Context, q querier, id idgen.ID) (*Change, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, author_id, entity_type, entity_id, new_values, merged FROM zz_change WHERE id = ?`,
		string(id))
	c, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ledgererr.StorageIO("changelog.Get", err)
	}
	return c, nil
}

// GetUnmerged returns every Change with merged=false, ascending by id.
func GetUnmerged(ctx context.Context, q querier) ([]Change, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, author_id, entity_type, entity_id, new_values, merged
		 FROM zz_change WHERE merged = 0 ORDER BY id ASC`)
	if err != nil {
		return nil, ledgererr.StorageIO("changelog.GetUnmerged", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			id, author, etype, eid, payload string
			merged                          int
		)
		if err := rows.Scan(&id, &author, &etype, &eid, &payload, &merged); err != nil {
			return nil, ledgererr.StorageIO("changelog.GetUnmerged", err)
		}
		var values map[string]any
		if err := json.Unmarshal([]byte(payload), &values); err != nil {
			return nil, ledgererr.Serialization("changelog.GetUnmerged", err)
		}
		changes = append(changes, Change{
			ID:         idgen.ID(id),
			AuthorID:   author,
			EntityType: etype,
			EntityID:   eid,
			NewValues:  values,
			Merged:     merged != 0,
		})
	}
	return changes, rows.Err()
}

// MarkAllMerged flips merged=false -> true for every row still
// unmerged. Must run inside the same transaction as the merge step it
// finalizes.
func MarkAllMerged(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `UPDATE zz_change SET merged = 1 WHERE merged = 0`); err != nil {
		return ledgererr.StorageIO("changelog.MarkAllMerged", err)
	}
	return nil
}

func scanChange(row *sql.Row) (*Change, error) {
	var (
		id, author, etype, eid, payload string
		merged                          int
	)
	if err := row.Scan(&id, &author, &etype, &eid, &payload, &merged); err != nil {
		return nil, err
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(payload), &values); err != nil {
		return nil, err
	}
	return &Change{
		ID:         idgen.ID(id),
		AuthorID:   author,
		EntityType: etype,
		EntityID:   eid,
		NewValues:  values,
		Merged:     merged != 0,
	}, nil
}
