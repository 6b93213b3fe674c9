// Package sync implements the Sync Engine: bidirectional changelog
// exchange with an Object Store and deterministic per-attribute LWW
// re-materialization of entities (spec §4.5).
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/ledgerstore/internal/changelog"
	"github.com/untoldecay/ledgerstore/internal/dblog"
	"github.com/untoldecay/ledgerstore/internal/idgen"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
	"github.com/untoldecay/ledgerstore/internal/objectstore"
	"github.com/untoldecay/ledgerstore/internal/reactive"
	"github.com/untoldecay/ledgerstore/internal/writepipe"
)

const changesPrefixFmt = "%schanges/"
const changeExt = ".json"

// Engine exchanges Change records with an Object Store and folds the
// union into live row state.
type Engine struct {
	store  objectstore.Store
	prefix string
	log    *dblog.Logger
}

// NewEngine builds a sync engine over an already-constructed Store.
// Most callers should go through Builder instead.
func NewEngine(store objectstore.Store, prefix string) *Engine {
	return &Engine{store: store, prefix: prefix, log: dblog.Default()}
}

func (e *Engine) changesPrefix() string {
	return fmt.Sprintf(changesPrefixFmt, e.prefix)
}

func (e *Engine) changePath(id idgen.ID) string {
	return e.changesPrefix() + string(id) + changeExt
}

// Sync runs one full sync pass: pull remote-only changes, push
// local-only changes, then merge every unmerged change into row
// state. Idempotent and safe under concurrent peers (spec §4.5).
// bus, if non-nil, receives the events produced by the merge step's
// save_untracked writes, the same as ordinary local writes would.
func (e *Engine) Sync(ctx context.Context, db *sql.DB, bus *reactive.EventBus) error {
	localIDs, err := e.localChangeIDs(ctx, db)
	if err != nil {
		return err
	}
	remoteIDs, err := e.remoteChangeIDs(ctx)
	if err != nil {
		return err
	}

	local := toSet(localIDs)
	remote := toSet(remoteIDs)

	if err := e.pull(ctx, db, remote, local); err != nil {
		return err
	}
	if err := e.push(ctx, db, local, remote); err != nil {
		return err
	}
	return e.merge(ctx, db, bus)
}

func (e *Engine) localChangeIDs(ctx context.Context, db *sql.DB) ([]idgen.ID, error) {
	return changelog.ListIDs(ctx, db)
}

func (e *Engine) remoteChangeIDs(ctx context.Context) ([]idgen.ID, error) {
	paths, err := e.store.List(ctx, e.changesPrefix())
	if err != nil {
		return nil, ledgererr.StorageIO("sync.remoteChangeIDs", err)
	}
	ids := make([]idgen.ID, 0, len(paths))
	for _, p := range paths {
		name := strings.TrimPrefix(p, e.changesPrefix())
		name = strings.TrimSuffix(name, changeExt)
		if name == "" {
			continue
		}
		ids = append(ids, idgen.ID(name))
	}
	return ids, nil
}

// pull downloads every change present remotely but not locally,
// setting merged=false and appending it with a duplicate-safe insert.
func (e *Engine) pull(ctx context.Context, db *sql.DB, remote, local map[idgen.ID]struct{}) error {
	for id := range remote {
		if _, have := local[id]; have {
			continue
		}
		data, err := e.store.Get(ctx, e.changePath(id))
		if err != nil {
			if err == objectstore.ErrNotFound {
				continue
			}
			if errors.Is(err, objectstore.ErrCrypto) {
				return ledgererr.Crypto("sync.pull", err)
			}
			return ledgererr.StorageIO("sync.pull", err)
		}
		change, err := decodeChange(data)
		if err != nil {
			return err
		}
		change.Merged = false
		if err := changelog.Append(ctx, db, *change); err != nil {
			return err
		}
	}
	return nil
}

// push uploads every change present locally but not remotely.
func (e *Engine) push(ctx context.Context, db *sql.DB, local, remote map[idgen.ID]struct{}) error {
	for id := range local {
		if _, have := remote[id]; have {
			continue
		}
		change, err := changelog.Get(ctx, db, id)
		if err != nil {
			return err
		}
		if change == nil {
			continue
		}
		data, err := encodeChange(*change)
		if err != nil {
			return err
		}
		if err := e.store.Put(ctx, e.changePath(id), data); err != nil {
			return ledgererr.StorageIO("sync.push", err)
		}
	}
	return nil
}

// attributeTuple is the flattened (change_id, entity_type, entity_id,
// attribute, new_value) unit the merge step reduces over.
type attributeTuple struct {
	changeID   idgen.ID
	entityType string
	entityID   string
	attribute  string
	value      any
}

// merge implements spec §4.5 step 5 inside a single local transaction:
// load unmerged changes, flatten to attribute tuples, keep only the
// tuple with the greatest change id per (entity_type, entity_id,
// attribute), group by entity, overlay onto current row state, and
// save_untracked the result. Finally marks every previously-unmerged
// change as merged.
func (e *Engine) merge(ctx context.Context, db *sql.DB, bus *reactive.EventBus) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return ledgererr.Concurrency("sync.merge", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	unmerged, err := changelog.GetUnmerged(ctx, tx)
	if err != nil {
		return err
	}
	if len(unmerged) == 0 {
		if err := tx.Commit(); err != nil {
			return ledgererr.Concurrency("sync.merge", err)
		}
		committed = true
		return nil
	}

	tuples := flatten(unmerged)
	survivors := reduceToNewest(tuples)
	groups := groupByEntity(survivors)

	var events []writepipe.Event
	entityKeys := make([]string, 0, len(groups))
	for key := range groups {
		entityKeys = append(entityKeys, key)
	}
	sort.Strings(entityKeys)

	for _, key := range entityKeys {
		group := groups[key]
		entityType, entityID := splitEntityKey(key)

		attrs := map[string]any{"id": entityID}
		for _, t := range group {
			attrs[t.attribute] = t.value
		}

		result, err := writepipe.SaveUntracked(ctx, tx, e.log, entityType, attrs)
		if err != nil {
			return err
		}
		events = append(events, result.Event)
	}

	if err := changelog.MarkAllMerged(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return ledgererr.Concurrency("sync.merge", err)
	}
	committed = true

	if bus != nil {
		for _, ev := range events {
			bus.Notify(reactive.TableEvent{Table: ev.Table, RowID: ev.RowID})
		}
	}
	return nil
}

func flatten(changes []changelog.Change) []attributeTuple {
	var tuples []attributeTuple
	for _, c := range changes {
		for attr, val := range c.NewValues {
			tuples = append(tuples, attributeTuple{
				changeID:   c.ID,
				entityType: c.EntityType,
				entityID:   c.EntityID,
				attribute:  attr,
				value:      val,
			})
		}
	}
	return tuples
}

// reduceToNewest keeps, per (entity_type, entity_id, attribute), only
// the tuple whose change id is lexicographically greatest — the
// per-attribute LWW choice (spec §4.5 step 5c).
func reduceToNewest(tuples []attributeTuple) []attributeTuple {
	best := make(map[string]attributeTuple)
	for _, t := range tuples {
		key := attributeKey(t)
		existing, ok := best[key]
		if !ok || idgen.Compare(t.changeID, existing.changeID) > 0 {
			best[key] = t
		}
	}
	out := make([]attributeTuple, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	return out
}

func groupByEntity(tuples []attributeTuple) map[string][]attributeTuple {
	groups := make(map[string][]attributeTuple)
	for _, t := range tuples {
		key := entityKey(t.entityType, t.entityID)
		groups[key] = append(groups[key], t)
	}
	return groups
}

func attributeKey(t attributeTuple) string {
	return entityKey(t.entityType, t.entityID) + "\x00" + t.attribute
}

func entityKey(entityType, entityID string) string {
	return entityType + "\x00" + entityID
}

func splitEntityKey(key string) (entityType, entityID string) {
	parts := strings.SplitN(key, "\x00", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

func toSet(ids []idgen.ID) map[idgen.ID]struct{} {
	s := make(map[idgen.ID]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
