package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/walnutgeek/webpub/pkg/codec/msgpackcanon"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// CreateSnapshot records tree as hostname's new current snapshot, within
// one transaction: ensure the sites row exists, clear is_current for every
// existing snapshot of that hostname, then insert the new one as current.
// Readers never observe two current snapshots or a partially-updated tree
// (spec.md §4.5's atomicity invariant), because every step runs under
// indexMu and inside the same SQL transaction.
func (s *Store) CreateSnapshot(ctx context.Context, hostname string, tree *merkle.Node) (int64, error) {
	treeBytes, err := msgpackcanon.Marshal(tree)
	if err != nil {
		return 0, werrors.NewCorrupt("store: encode tree for %s: %v", hostname, err)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var id int64
	err = s.index.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&Site{Hostname: hostname}).
			On("CONFLICT (hostname) DO NOTHING").Exec(ctx); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().Model((*Snapshot)(nil)).
			Set("is_current = ?", false).
			Where("hostname = ?", hostname).Where("is_current = ?", true).
			Exec(ctx); err != nil {
			return err
		}

		snap := Snapshot{
			Hostname:  hostname,
			RootHash:  tree.Hash[:],
			Tree:      treeBytes,
			CreatedAt: time.Now(),
			IsCurrent: true,
		}
		if _, err := tx.NewInsert().Model(&snap).Exec(ctx); err != nil {
			return err
		}
		id = snap.ID
		return nil
	})
	if err != nil {
		return 0, werrors.NewIOFailure(err, "store: create snapshot for %s", hostname)
	}
	return id, nil
}

// Current returns hostname's current snapshot, or ok=false if hostname has
// never committed.
func (s *Store) Current(ctx context.Context, hostname string) (snap Snapshot, ok bool, err error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	err = s.index.NewSelect().Model(&snap).
		Where("hostname = ?", hostname).Where("is_current = ?", true).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, werrors.NewIOFailure(err, "store: current snapshot for %s", hostname)
	}
	return snap, true, nil
}

// CurrentTree decodes and returns hostname's current merkle tree.
func (s *Store) CurrentTree(ctx context.Context, hostname string) (*merkle.Node, bool, error) {
	snap, ok, err := s.Current(ctx, hostname)
	if err != nil || !ok {
		return nil, ok, err
	}
	var tree merkle.Node
	if err := msgpackcanon.Unmarshal(snap.Tree, &tree); err != nil {
		return nil, false, werrors.NewCorrupt("store: decode tree for %s: %v", hostname, err)
	}
	return &tree, true, nil
}

// List returns hostname's snapshots ordered newest first.
func (s *Store) List(ctx context.Context, hostname string) ([]Snapshot, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var snaps []Snapshot
	if err := s.index.NewSelect().Model(&snaps).
		Where("hostname = ?", hostname).OrderExpr("id DESC").Scan(ctx); err != nil {
		return nil, werrors.NewIOFailure(err, "store: list snapshots for %s", hostname)
	}
	return snaps, nil
}

// SetCurrent flips hostname's current snapshot to id, within the same
// atomic-flip transaction CreateSnapshot uses. Returns ok=false if id does
// not belong to hostname.
func (s *Store) SetCurrent(ctx context.Context, hostname string, id int64) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	ok := false
	err := s.index.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		count, err := tx.NewSelect().Model((*Snapshot)(nil)).
			Where("hostname = ?", hostname).Where("id = ?", id).Count(ctx)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		if _, err := tx.NewUpdate().Model((*Snapshot)(nil)).
			Set("is_current = ?", false).
			Where("hostname = ?", hostname).Where("is_current = ?", true).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model((*Snapshot)(nil)).
			Set("is_current = ?", true).
			Where("hostname = ?", hostname).Where("id = ?", id).
			Exec(ctx); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, werrors.NewIOFailure(err, "store: set current for %s", hostname)
	}
	return ok, nil
}

// RollbackToPrevious moves hostname's current pointer to the snapshot
// immediately preceding the current one by id. Returns ok=false if
// hostname has no current snapshot or no earlier one to roll back to.
func (s *Store) RollbackToPrevious(ctx context.Context, hostname string) (int64, bool, error) {
	current, ok, err := s.Current(ctx, hostname)
	if err != nil || !ok {
		return 0, false, err
	}

	s.indexMu.Lock()
	var prevID int64
	err = s.index.NewSelect().Model((*Snapshot)(nil)).
		Column("id").
		Where("hostname = ?", hostname).Where("id < ?", current.ID).
		OrderExpr("id DESC").Limit(1).Scan(ctx, &prevID)
	s.indexMu.Unlock()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, werrors.NewIOFailure(err, "store: find previous snapshot for %s", hostname)
	}

	ok, err = s.SetCurrent(ctx, hostname, prevID)
	if err != nil || !ok {
		return 0, false, err
	}
	return prevID, true, nil
}

// PruneSnapshots deletes all but the keep most recent snapshots for
// hostname, never deleting the current one, as required after a commit by
// the server's retention policy (spec.md §4.7). Returns the number of rows
// deleted.
func (s *Store) PruneSnapshots(ctx context.Context, hostname string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var ids []int64
	if err := s.index.NewSelect().Model((*Snapshot)(nil)).
		Column("id").Where("hostname = ?", hostname).
		OrderExpr("id DESC").Scan(ctx, &ids); err != nil {
		return 0, werrors.NewIOFailure(err, "store: list snapshot ids for %s", hostname)
	}
	if len(ids) <= keep {
		return 0, nil
	}
	toDelete := ids[keep:]

	res, err := s.index.NewDelete().Model((*Snapshot)(nil)).
		Where("hostname = ?", hostname).
		Where("id IN (?)", bun.In(toDelete)).
		Where("is_current = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, werrors.NewIOFailure(err, "store: prune snapshots for %s", hostname)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
