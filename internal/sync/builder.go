package sync

import (
	"context"
	"fmt"

	"github.com/untoldecay/ledgerstore/internal/objectstore"
)

// Builder configures and constructs a SyncEngine, mirroring the
// spec §6 Sync API surface:
//
//	builder().InMemory()|Local(path)|S3(endpoint,bucket,region,ak,sk)
//	  [.Encrypted(passphrase)][.Prefix(p)].Build()
type Builder struct {
	backend    func(ctx context.Context) (objectstore.Store, error)
	passphrase string
	prefix     string
}

// NewBuilder returns an empty Builder; exactly one backend selector
// (InMemory/Local/S3) must be called before Build.
func NewBuilder() *Builder {
	return &Builder{}
}

// InMemory backs the sync engine with a process-local in-memory
// store, useful for tests and for exercising multi-replica scenarios
// without any real transport.
func (b *Builder) InMemory() *Builder {
	b.backend = func(ctx context.Context) (objectstore.Store, error) {
		return objectstore.NewMemoryStore(), nil
	}
	return b
}

// Local backs the sync engine with a shared local-filesystem
// directory.
func (b *Builder) Local(path string) *Builder {
	b.backend = func(ctx context.Context) (objectstore.Store, error) {
		return objectstore.NewLocalStore(path)
	}
	return b
}

// S3 backs the sync engine with a remote S3-compatible bucket.
func (b *Builder) S3(endpoint, bucket, region, accessKey, secretKey string) *Builder {
	b.backend = func(ctx context.Context) (objectstore.Store, error) {
		return objectstore.NewS3Store(ctx, endpoint, bucket, region, accessKey, secretKey)
	}
	return b
}

// Encrypted wraps whichever backend was selected with the encryption
// decorator, deriving a key from passphrase.
func (b *Builder) Encrypted(passphrase string) *Builder {
	b.passphrase = passphrase
	return b
}

// Prefix scopes every Object Store path under prefix.
func (b *Builder) Prefix(prefix string) *Builder {
	b.prefix = prefix
	return b
}

// Build finalizes the configuration into a ready-to-use SyncEngine.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.backend == nil {
		return nil, fmt.Errorf("sync: no backend selected (call InMemory, Local, or S3 before Build)")
	}
	store, err := b.backend(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: build backend: %w", err)
	}
	if b.passphrase != "" {
		store = objectstore.NewEncryptedStore(store, b.passphrase)
	}
	return NewEngine(store, b.prefix), nil
}
