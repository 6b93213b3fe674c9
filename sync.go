package ledgerstore

import (
	"context"

	internalsync "github.com/untoldecay/ledgerstore/internal/sync"
)

// SyncEngine exchanges this database's changelog with a shared Object
// Store and folds the union into row state using per-attribute LWW
// (spec §4.5). Build one with NewSyncEngineBuilder.
type SyncEngine struct {
	engine *internalsync.Engine
}

// SyncEngineBuilder configures a SyncEngine's Object Store backend,
// optional encryption, and path prefix before construction.
type SyncEngineBuilder struct {
	inner *internalsync.Builder
}

// NewSyncEngineBuilder starts a new builder. Exactly one of InMemory,
// Local, or S3 must be called before Build.
func NewSyncEngineBuilder() *SyncEngineBuilder {
	return &SyncEngineBuilder{inner: internalsync.NewBuilder()}
}

// InMemory backs the engine with a process-local in-memory store,
// useful for tests exercising multiple replicas without real
// transport.
func (b *SyncEngineBuilder) InMemory() *SyncEngineBuilder {
	b.inner.InMemory()
	return b
}

// Local backs the engine with a shared local-filesystem directory.
func (b *SyncEngineBuilder) Local(path string) *SyncEngineBuilder {
	b.inner.Local(path)
	return b
}

// S3 backs the engine with a remote S3-compatible bucket.
func (b *SyncEngineBuilder) S3(endpoint, bucket, region, accessKey, secretKey string) *SyncEngineBuilder {
	b.inner.S3(endpoint, bucket, region, accessKey, secretKey)
	return b
}

// Encrypted wraps the selected backend with passphrase-derived
// encryption at rest.
func (b *SyncEngineBuilder) Encrypted(passphrase string) *SyncEngineBuilder {
	b.inner.Encrypted(passphrase)
	return b
}

// Prefix scopes every Object Store path this engine touches under
// prefix.
func (b *SyncEngineBuilder) Prefix(prefix string) *SyncEngineBuilder {
	b.inner.Prefix(prefix)
	return b
}

// Build finalizes the configuration into a ready-to-use SyncEngine.
func (b *SyncEngineBuilder) Build(ctx context.Context) (*SyncEngine, error) {
	engine, err := b.inner.Build(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncEngine{engine: engine}, nil
}

// Sync runs one full sync pass against db: pull remote-only changes,
// push local-only changes, merge every unmerged change into row
// state, and publish the resulting row events to db's Event Bus so
// any live subscriptions refresh. Safe to call repeatedly and safe
// under concurrent peers syncing the same backend.
func (s *SyncEngine) Sync(ctx context.Context, db *Database) error {
	db.writerGate.Lock()
	defer db.writerGate.Unlock()

	return s.engine.Sync(ctx, db.UnderlyingDB(), db.Bus())
}
