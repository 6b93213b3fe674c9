package ledgerstore

// Entity is the interface application-declared record types implement
// so the store can map them to table rows without runtime reflection
// (spec §9 Design Notes, option (b)): the runtime type reports its own
// table name and converts to/from a flat attribute mapping. Only the
// intersection of ToColumns()'s keys and the table's actual columns
// participates in I/O (spec §3).
type Entity interface {
	// TableName returns the table this record type is stored in.
	TableName() string
	// ToColumns serializes the record to a column-name -> scalar
	// value mapping. Scalars are text, integer, real, boolean, or nil;
	// SQLite has no boolean type, so callers storing a bool column
	// encode it themselves as 0/1 before returning it here.
	ToColumns() map[string]any
	// FromColumns populates the record from a column-name -> scalar
	// value mapping, the inverse of ToColumns.
	FromColumns(map[string]any) error
}
