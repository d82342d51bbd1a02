// Package store implements the sharded chunk pool and the index database:
// sites, snapshots, and tokens. All index reads and writes serialize on a
// single mutex, matching the design's "one process-wide connection
// protected by a mutual-exclusion lock" (spec.md §5); shards open lazily
// and serialize only at the storage engine, not in this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/walnutgeek/webpub/pkg/werrors"
	_ "modernc.org/sqlite"
)

// ShardCount is the number of chunk shards, keyed by a hash's first byte.
const ShardCount = 256

// Store owns the index database and the 256 lazily-opened chunk shards
// beneath dataDir.
type Store struct {
	dataDir string

	indexMu sync.Mutex
	index   *bun.DB

	shardsMu sync.RWMutex
	shards   map[byte]*bun.DB
}

// Open opens (creating if absent) the index database and prepares the
// shard directory at dataDir/chunks. Shards themselves are opened on first
// use.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "chunks"), 0o755); err != nil {
		return nil, werrors.NewIOFailure(err, "store: create chunks dir under %s", dataDir)
	}

	indexDB, err := openSQLite(filepath.Join(dataDir, "index.db"))
	if err != nil {
		return nil, werrors.NewIOFailure(err, "store: open index db")
	}

	s := &Store{
		dataDir: dataDir,
		index:   indexDB,
		shards:  make(map[byte]*bun.DB),
	}

	if err := s.migrateIndex(context.Background()); err != nil {
		indexDB.Close()
		return nil, err
	}

	return s, nil
}

func openSQLite(path string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func (s *Store) migrateIndex(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	if _, err := s.index.NewCreateTable().Model((*Site)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("store: create sites table: %w", err)
	}
	if _, err := s.index.NewCreateTable().Model((*Snapshot)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("store: create snapshots table: %w", err)
	}
	if _, err := s.index.NewCreateIndex().Model((*Snapshot)(nil)).
		Index("idx_snapshots_hostname").Column("hostname").IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("store: index snapshots(hostname): %w", err)
	}
	if _, err := s.index.NewCreateIndex().Model((*Snapshot)(nil)).
		Index("idx_snapshots_hostname_current").Column("hostname", "is_current").IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("store: index snapshots(hostname, is_current): %w", err)
	}
	if _, err := s.index.NewCreateTable().Model((*Token)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("store: create tokens table: %w", err)
	}
	return nil
}

// shardFor returns (opening lazily if necessary) the chunk shard for hash's
// first byte.
func (s *Store) shardFor(prefix byte) (*bun.DB, error) {
	s.shardsMu.RLock()
	db, ok := s.shards[prefix]
	s.shardsMu.RUnlock()
	if ok {
		return db, nil
	}

	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	if db, ok := s.shards[prefix]; ok {
		return db, nil
	}

	path := filepath.Join(s.dataDir, "chunks", fmt.Sprintf("%02x.db", prefix))
	db, err := openSQLite(path)
	if err != nil {
		return nil, werrors.NewIOFailure(err, "store: open shard %02x", prefix)
	}

	ctx := context.Background()
	if _, err := db.NewCreateTable().Model((*chunkRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create shard %02x chunks table: %w", prefix, err)
	}

	s.shards[prefix] = db
	return db, nil
}

// Close closes the index database and every opened shard.
func (s *Store) Close() error {
	s.indexMu.Lock()
	err := s.index.Close()
	s.indexMu.Unlock()

	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	for prefix, db := range s.shards {
		if cerr := db.Close(); cerr != nil {
			log.Warn().Err(cerr).Uint8("shard", prefix).Msg("store: error closing shard")
		}
	}
	return err
}
