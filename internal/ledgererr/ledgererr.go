// Package ledgererr defines the six error kinds every failure in the
// store is classified into, and helpers for constructing and testing
// them.
package ledgererr

import (
	"errors"
	"fmt"
)

// Kind is one of the six classifications every failure is mapped to.
type Kind int

const (
	// SchemaError covers a missing table, missing column, or a
	// migration conflict.
	SchemaError Kind = iota
	// ConstraintError covers a unique, foreign-key, or not-null
	// violation surfaced at write time.
	ConstraintError
	// StorageIoError covers an Object Store list/get/put failure.
	StorageIoError
	// CryptoError covers a wrong passphrase or corrupt ciphertext.
	CryptoError
	// SerializationError covers a row<->record mapping failure or a
	// changelog payload decode failure.
	SerializationError
	// ConcurrencyError covers a poisoned reader/writer lock or a
	// subscription worker join failure.
	ConcurrencyError
)

func (k Kind) String() string {
	switch k {
	case SchemaError:
		return "SchemaError"
	case ConstraintError:
		return "ConstraintError"
	case StorageIoError:
		return "StorageIoError"
	case CryptoError:
		return "CryptoError"
	case SerializationError:
		return "SerializationError"
	case ConcurrencyError:
		return "ConcurrencyError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type surfaced by every exported
// operation. Op names the failing operation (e.g. "Save", "Sync") for
// diagnostics; Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Schema(op string, err error) *Error       { return newErr(SchemaError, op, err) }
func Constraint(op string, err error) *Error   { return newErr(ConstraintError, op, err) }
func StorageIO(op string, err error) *Error    { return newErr(StorageIoError, op, err) }
func Crypto(op string, err error) *Error       { return newErr(CryptoError, op, err) }
func Serialization(op string, err error) *Error { return newErr(SerializationError, op, err) }
func Concurrency(op string, err error) *Error  { return newErr(ConcurrencyError, op, err) }

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
