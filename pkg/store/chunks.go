package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// chunkRow is the per-shard table: chunks(hash BLOB PRIMARY KEY, data BLOB).
type chunkRow struct {
	bun.BaseModel `bun:"table:chunks"`

	Hash []byte `bun:",pk"`
	Data []byte
}

// StoreChunk idempotently inserts data under hash. A collision on hash is a
// no-op: content-addressing guarantees the bytes are already identical.
func (s *Store) StoreChunk(ctx context.Context, h chunk.Hash, data []byte) error {
	db, err := s.shardFor(h[0])
	if err != nil {
		return err
	}
	row := chunkRow{Hash: h[:], Data: data}
	if _, err := db.NewInsert().Model(&row).On("CONFLICT (hash) DO NOTHING").Exec(ctx); err != nil {
		return werrors.NewIOFailure(err, "store: insert chunk %s", h)
	}
	return nil
}

// GetChunk returns the bytes stored under h, or ok=false if absent.
func (s *Store) GetChunk(ctx context.Context, h chunk.Hash) (data []byte, ok bool, err error) {
	db, err := s.shardFor(h[0])
	if err != nil {
		return nil, false, err
	}
	var row chunkRow
	err = db.NewSelect().Model(&row).Where("hash = ?", h[:]).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, werrors.NewIOFailure(err, "store: get chunk %s", h)
	}
	return row.Data, true, nil
}

// Missing returns the subset of candidates not already present, grouped
// internally by shard so a batch touches each shard's connection at most
// once.
func (s *Store) Missing(ctx context.Context, candidates []chunk.Hash) ([]chunk.Hash, error) {
	byShard := make(map[byte][]chunk.Hash)
	for _, h := range candidates {
		byShard[h[0]] = append(byShard[h[0]], h)
	}

	var missing []chunk.Hash
	for prefix, hashes := range byShard {
		db, err := s.shardFor(prefix)
		if err != nil {
			return nil, err
		}

		raw := make([][]byte, len(hashes))
		for i, h := range hashes {
			raw[i] = h[:]
		}

		var present [][]byte
		if err := db.NewSelect().Model((*chunkRow)(nil)).
			Column("hash").Where("hash IN (?)", bun.In(raw)).Scan(ctx, &present); err != nil {
			return nil, werrors.NewIOFailure(err, "store: query missing for shard %02x", prefix)
		}

		have := make(map[string]struct{}, len(present))
		for _, p := range present {
			have[string(p)] = struct{}{}
		}
		for _, h := range hashes {
			if _, ok := have[string(h[:])]; !ok {
				missing = append(missing, h)
			}
		}
	}
	return missing, nil
}
