package store

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/codec/msgpackcanon"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// GC collects every chunk hash reachable from any surviving snapshot
// (across every hostname, not only the current one, so rollback targets
// stay intact) and deletes every shard row not in that set. The reachable
// scan runs under indexMu, so a concurrent CreateSnapshot either completes
// before GC's scan starts or begins after it finishes; GC never observes a
// tree that is only half-written. Returns the number of chunk rows deleted.
func (s *Store) GC(ctx context.Context) (int, error) {
	reachable, err := s.reachableHashes(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for prefix := 0; prefix < ShardCount; prefix++ {
		n, err := s.gcShard(ctx, byte(prefix), reachable)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (s *Store) reachableHashes(ctx context.Context) (map[chunk.Hash]struct{}, error) {
	s.indexMu.Lock()
	var treeBlobs [][]byte
	err := s.index.NewSelect().Model((*Snapshot)(nil)).Column("tree").Scan(ctx, &treeBlobs)
	s.indexMu.Unlock()
	if err != nil {
		return nil, werrors.NewIOFailure(err, "store: gc: scan snapshot trees")
	}

	reachable := make(map[chunk.Hash]struct{})
	for _, blob := range treeBlobs {
		var tree merkle.Node
		if err := msgpackcanon.Unmarshal(blob, &tree); err != nil {
			return nil, werrors.NewCorrupt("store: gc: decode snapshot tree: %v", err)
		}
		collectHashes(&tree, reachable)
	}
	return reachable, nil
}

func collectHashes(node *merkle.Node, into map[chunk.Hash]struct{}) {
	if node.IsFile() {
		for _, h := range node.Chunks {
			into[h] = struct{}{}
		}
		return
	}
	for _, c := range node.Children {
		collectHashes(c, into)
	}
}

func (s *Store) gcShard(ctx context.Context, prefix byte, reachable map[chunk.Hash]struct{}) (int, error) {
	db, err := s.shardFor(prefix)
	if err != nil {
		return 0, err
	}

	var hashes [][]byte
	if err := db.NewSelect().Model((*chunkRow)(nil)).Column("hash").Scan(ctx, &hashes); err != nil {
		return 0, werrors.NewIOFailure(err, "store: gc: scan shard %02x", prefix)
	}

	var stale [][]byte
	for _, h := range hashes {
		var key chunk.Hash
		copy(key[:], h)
		if _, ok := reachable[key]; !ok {
			stale = append(stale, h)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	res, err := db.NewDelete().Model((*chunkRow)(nil)).Where("hash IN (?)", bun.In(stale)).Exec(ctx)
	if err != nil {
		return 0, werrors.NewIOFailure(err, "store: gc: delete shard %02x", prefix)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
