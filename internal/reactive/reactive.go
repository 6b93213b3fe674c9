// Package reactive implements the Reactive Query Engine: SQL
// dependency extraction, an event-driven monitor task per
// subscription, and result-hash deduplication (spec §4.4).
package reactive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/untoldecay/ledgerstore/internal/dblog"
	"github.com/untoldecay/ledgerstore/internal/ledgererr"
)

// CancellationTick bounds cooperative-cancellation latency (spec §5:
// "implementations SHOULD use a small periodic timeout, e.g. 100ms").
var CancellationTick = 100 * time.Millisecond

// Callback receives the decoded rows of a query's current result set.
// Each row is a column-name -> value map; the map does not keep the
// query's column order.
type Callback func(rows []map[string]any)

// Subscription is the handle returned by Engine.Subscribe. Dropping
// interest in it must be followed by an explicit Unsubscribe call: Go
// has no destructor to rely on (spec §9's cyclic-ownership note is
// resolved by owning subscriptions from the Engine's registry and
// giving the handle only a stop channel and an opaque id).
type Subscription struct {
	id       int
	busHandle int
	stop     chan struct{}
	refresh  chan struct{}
	done     chan struct{}
}

// Refresh forces an unconditional re-execution, used by tests and by
// callers who changed state outside this database's own write path.
func (s *Subscription) Refresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Unsubscribe sends a stop signal, joins the monitor task, and
// removes the subscription's sender from the Event Bus. No callback
// runs after Unsubscribe returns.
func (s *Subscription) Unsubscribe() {
	close(s.stop)
	<-s.done
}

// Engine owns the Event Bus and the live subscription registry.
type Engine struct {
	db  *sql.DB
	bus *EventBus
	log *dblog.Logger

	mu   sync.Mutex
	live map[int]*Subscription
	next int
}

// NewEngine builds a Reactive Query Engine over db, sharing bus with
// the write pipeline that publishes commit events into it.
func NewEngine(db *sql.DB, bus *EventBus, log *dblog.Logger) *Engine {
	return &Engine{db: db, bus: bus, log: log, live: make(map[int]*Subscription)}
}

// Subscribe parses sql, extracts its table dependencies, executes it
// once synchronously to deliver the initial result, then spawns a
// monitor task that re-executes on relevant events and suppresses
// callbacks whose result is unchanged from the last delivery.
func (e *Engine) Subscribe(ctx context.Context, sqlText string, params []any, cb Callback) (*Subscription, error) {
	tables, err := ExtractTableDependencies(sqlText)
	if err != nil {
		return nil, err
	}

	rows, err := e.execute(ctx, sqlText, params)
	if err != nil {
		return nil, err
	}
	lastHash := hashRows(rows)
	cb(rows)

	busHandle, busCh := e.bus.Register()

	e.mu.Lock()
	id := e.next
	e.next++
	sub := &Subscription{
		id:        id,
		busHandle: busHandle,
		stop:      make(chan struct{}),
		refresh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	e.live[id] = sub
	e.mu.Unlock()

	go e.monitor(sub, busCh, tables, sqlText, params, lastHash, cb)

	return sub, nil
}

func (e *Engine) monitor(sub *Subscription, events <-chan TableEvent, tables map[string]struct{}, sqlText string, params []any, lastHash string, cb Callback) {
	defer close(sub.done)
	defer e.bus.Unregister(sub.busHandle)
	defer func() {
		e.mu.Lock()
		delete(e.live, sub.id)
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(CancellationTick)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, relevant := tables[ev.Table]; !relevant {
				continue
			}
			lastHash = e.reexecute(sqlText, params, lastHash, cb)
		case <-sub.refresh:
			lastHash = e.reexecute(sqlText, params, lastHash, cb)
		case <-ticker.C:
			select {
			case <-sub.stop:
				return
			default:
			}
		}
	}
}

// reexecute re-runs the query, recomputes the hash, and only invokes
// cb (updating lastHash) if the result changed. A panicking callback
// is isolated so one bad subscriber cannot poison the monitor loop or
// other subscribers (spec §7).
func (e *Engine) reexecute(sqlText string, params []any, lastHash string, cb Callback) string {
	rows, err := e.execute(context.Background(), sqlText, params)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("reactive", "re-execution failed: %v", err)
		}
		return lastHash
	}
	newHash := hashRows(rows)
	if newHash == lastHash {
		return lastHash
	}
	e.safeCallback(cb, rows)
	return newHash
}

func (e *Engine) safeCallback(cb Callback, rows []map[string]any) {
	defer func() {
		if r := recover(); r != nil && e.log != nil {
			e.log.Warnf("reactive", "subscriber callback panicked: %v", r)
		}
	}()
	cb(rows)
}

func (e *Engine) execute(ctx context.Context, sqlText string, params []any) ([]map[string]any, error) {
	rows, err := e.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, ledgererr.StorageIO("reactive.execute", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ledgererr.StorageIO("reactive.execute", err)
	}

	var result []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, ledgererr.StorageIO("reactive.execute", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = dest[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// hashRows computes a stable hash over the serialized result
// sequence, used to suppress callbacks whose output is unchanged
// (spec §4.4 "Re-execution and deduplication").
func hashRows(rows []map[string]any) string {
	b, err := json.Marshal(rows)
	if err != nil {
		// Fall back to a length-based pseudo-hash; this can only
		// happen for non-JSON-marshalable column values, which SQLite
		// scalar types never produce.
		return fmt.Sprintf("len:%d", len(rows))
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
