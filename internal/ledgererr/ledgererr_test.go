package ledgererr

import (
	"errors"
	"strings"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("disk full")
	err := StorageIO("writepipe.save", base)

	if !Is(err, StorageIoError) {
		t.Fatalf("expected Is(err, StorageIoError) to be true")
	}
	if Is(err, CryptoError) {
		t.Fatalf("expected Is(err, CryptoError) to be false")
	}
}

func TestUnwrapReachesOriginalError(t *testing.T) {
	base := errors.New("boom")
	err := Constraint("writepipe.insertRow", base)

	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to find the wrapped base error")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := Crypto("objectstore.decrypt", errors.New("bad passphrase"))
	msg := err.Error()
	if !strings.Contains(msg, "objectstore.decrypt") || !strings.Contains(msg, "CryptoError") {
		t.Fatalf("expected the message to name the op and the kind, got %q", msg)
	}
}

func TestEachConstructorReportsItsKind(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		kind Kind
	}{
		{"schema", Schema("op", errors.New("x")), SchemaError},
		{"constraint", Constraint("op", errors.New("x")), ConstraintError},
		{"storageio", StorageIO("op", errors.New("x")), StorageIoError},
		{"crypto", Crypto("op", errors.New("x")), CryptoError},
		{"serialization", Serialization("op", errors.New("x")), SerializationError},
		{"concurrency", Concurrency("op", errors.New("x")), ConcurrencyError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Kind != tc.kind {
				t.Fatalf("expected kind %v, got %v", tc.kind, tc.err.Kind)
			}
			if !Is(tc.err, tc.kind) {
				t.Fatalf("expected Is to report true for its own kind")
			}
		})
	}
}
