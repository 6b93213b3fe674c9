package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestLocalStorePutGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	if err := s.Put(ctx, "changes/a.json", []byte("hello")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "changes/a.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected contents: %s", got)
	}
}

func TestLocalStoreGetMissingReturnsErrNotFound(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreListExcludesLockFile(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	s.Put(ctx, "changes/a.json", []byte("a"))

	paths, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, p := range paths {
		if p == ".ledgerstore.lock" {
			t.Fatalf("List must not surface the lock file, got %v", paths)
		}
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 path, got %v", paths)
	}
}

func TestLocalStoreNeutralizesPathTraversal(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s, err := NewLocalStore(base)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	// resolve() roots every path at "/" before joining with baseDir, so
	// a traversal attempt collapses to a path still inside baseDir
	// instead of escaping it.
	if err := s.Put(ctx, "../../escape.json", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "escape.json")
	if err != nil {
		t.Fatalf("expected the traversal to resolve inside baseDir, Get failed: %v", err)
	}
	if string(got) != "x" {
		t.Fatalf("unexpected contents: %s", got)
	}
}
