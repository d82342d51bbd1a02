// Package pushclient implements the client side of the sync protocol:
// scan, auth, negotiate missing chunks in batches, upload them, and commit.
// A push is idempotent across restarts — a re-run sees previously uploaded
// chunks as already present and only transfers what is still missing.
package pushclient

import (
	"fmt"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/transport"
	"github.com/walnutgeek/webpub/pkg/werrors"
	"github.com/walnutgeek/webpub/pkg/wire"
)

// BatchSize is the recommended HaveChunks batch size; the protocol does not
// require this exact value, only that Auth precedes everything and
// CommitTree is last (spec.md §4.6).
const BatchSize = 100

// Push runs dir through the full client state machine over conn: scan,
// auth, negotiate and upload missing chunks, then commit as hostname.
// Returns the new snapshot id.
func Push(conn transport.Conn, token, hostname, dir string) (int64, error) {
	scanned, err := merkle.Scan(dir)
	if err != nil {
		return 0, fmt.Errorf("pushclient: scan %s: %w", dir, err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		return 0, fmt.Errorf("pushclient: build tree for %s: %w", dir, err)
	}
	return PushTree(conn, token, hostname, tree, chunks)
}

// PushTree runs the state machine for an already-built (tree, chunks) pair,
// letting callers supply one without re-scanning a filesystem. Push uses
// it after scanning and building.
func PushTree(conn transport.Conn, token, hostname string, tree *merkle.Node, chunks []chunk.Chunk) (int64, error) {
	if err := authenticate(conn, token); err != nil {
		return 0, err
	}

	byHash := make(map[chunk.Hash][]byte, len(chunks))
	order := make([]chunk.Hash, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := byHash[c.Hash]; ok {
			continue
		}
		byHash[c.Hash] = c.Data
		order = append(order, c.Hash)
	}

	needed, err := negotiate(conn, order)
	if err != nil {
		return 0, err
	}

	for _, h := range needed {
		if err := uploadChunk(conn, h, byHash[h]); err != nil {
			return 0, err
		}
	}

	return commit(conn, hostname, tree)
}

// ListSnapshots authenticates and returns hostname's snapshot history,
// newest first.
func ListSnapshots(conn transport.Conn, token, hostname string) ([]wire.SnapshotInfo, error) {
	if err := authenticate(conn, token); err != nil {
		return nil, err
	}
	if err := wire.WriteMessage(conn, wire.KindListSnapshots, wire.ListSnapshotsBody{Hostname: hostname}); err != nil {
		return nil, fmt.Errorf("pushclient: send ListSnapshots: %w", err)
	}
	kind, raw, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("pushclient: read SnapshotList: %w", err)
	}
	if kind != wire.KindSnapshotList {
		return nil, fmt.Errorf("pushclient: unexpected reply %s to ListSnapshots", kind)
	}
	var body wire.SnapshotListBody
	if err := wire.DecodeBody(raw, &body); err != nil {
		return nil, fmt.Errorf("pushclient: decode SnapshotList: %w", err)
	}
	return body.Snapshots, nil
}

// Rollback authenticates and moves hostname's current pointer to id, or
// (if id is zero) to the snapshot immediately before the current one.
// Returns the id now current.
func Rollback(conn transport.Conn, token, hostname string, id int64) (int64, error) {
	if err := authenticate(conn, token); err != nil {
		return 0, err
	}
	if err := wire.WriteMessage(conn, wire.KindRollback, wire.RollbackBody{Hostname: hostname, ID: id}); err != nil {
		return 0, fmt.Errorf("pushclient: send Rollback: %w", err)
	}
	kind, raw, err := wire.ReadMessage(conn)
	if err != nil {
		return 0, fmt.Errorf("pushclient: read rollback reply: %w", err)
	}
	switch kind {
	case wire.KindRollbackOk:
		var body wire.RollbackOkBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return 0, fmt.Errorf("pushclient: decode RollbackOk: %w", err)
		}
		return body.ID, nil
	case wire.KindRollbackFailed:
		var body wire.RollbackFailedBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return 0, fmt.Errorf("pushclient: decode RollbackFailed: %w", err)
		}
		return 0, werrors.NewNotFound("%s", body.Reason)
	default:
		return 0, fmt.Errorf("pushclient: unexpected reply %s to Rollback", kind)
	}
}

func authenticate(conn transport.Conn, token string) error {
	if err := wire.WriteMessage(conn, wire.KindAuth, wire.AuthBody{Token: token}); err != nil {
		return fmt.Errorf("pushclient: send Auth: %w", err)
	}
	kind, raw, err := wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("pushclient: read auth reply: %w", err)
	}
	switch kind {
	case wire.KindAuthOk:
		return nil
	case wire.KindAuthFailed:
		var body wire.AuthFailedBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return fmt.Errorf("pushclient: decode AuthFailed: %w", err)
		}
		return werrors.NewUnauthorized("%s", body.Reason)
	default:
		return fmt.Errorf("pushclient: unexpected reply %s to Auth", kind)
	}
}

// negotiate sends hashes in BatchSize batches and returns the union of
// needed hashes across all batches, deduplicated (a hash already scheduled
// by an earlier batch need not be re-sent, though duplicate hashes within
// one directory tree are already removed by the caller).
func negotiate(conn transport.Conn, hashes []chunk.Hash) ([]chunk.Hash, error) {
	seen := make(map[chunk.Hash]struct{})
	var needed []chunk.Hash

	for start := 0; start < len(hashes); start += BatchSize {
		end := start + BatchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		batch := hashes[start:end]

		if err := wire.WriteMessage(conn, wire.KindHaveChunks, wire.HaveChunksBody{Hashes: batch}); err != nil {
			return nil, fmt.Errorf("pushclient: send HaveChunks: %w", err)
		}
		kind, raw, err := wire.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("pushclient: read NeedChunks: %w", err)
		}
		if kind != wire.KindNeedChunks {
			return nil, fmt.Errorf("pushclient: unexpected reply %s to HaveChunks", kind)
		}
		var body wire.NeedChunksBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return nil, fmt.Errorf("pushclient: decode NeedChunks: %w", err)
		}
		for _, h := range body.Hashes {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			needed = append(needed, h)
		}
	}

	return needed, nil
}

func uploadChunk(conn transport.Conn, h chunk.Hash, data []byte) error {
	if err := wire.WriteMessage(conn, wire.KindChunkData, wire.ChunkDataBody{Hash: h, Data: data}); err != nil {
		return fmt.Errorf("pushclient: send ChunkData %s: %w", h, err)
	}
	kind, raw, err := wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("pushclient: read ChunkAck %s: %w", h, err)
	}
	if kind != wire.KindChunkAck {
		return fmt.Errorf("pushclient: unexpected reply %s to ChunkData %s", kind, h)
	}
	var ack wire.ChunkAckBody
	if err := wire.DecodeBody(raw, &ack); err != nil {
		return fmt.Errorf("pushclient: decode ChunkAck: %w", err)
	}
	if ack.Hash != h {
		return fmt.Errorf("pushclient: ChunkAck for %s, expected %s", ack.Hash, h)
	}
	return nil
}

func commit(conn transport.Conn, hostname string, tree *merkle.Node) (int64, error) {
	if err := wire.WriteMessage(conn, wire.KindCommitTree, wire.CommitTreeBody{Hostname: hostname, Tree: tree}); err != nil {
		return 0, fmt.Errorf("pushclient: send CommitTree: %w", err)
	}
	kind, raw, err := wire.ReadMessage(conn)
	if err != nil {
		return 0, fmt.Errorf("pushclient: read commit reply: %w", err)
	}
	switch kind {
	case wire.KindCommitOk:
		var body wire.CommitOkBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return 0, fmt.Errorf("pushclient: decode CommitOk: %w", err)
		}
		return body.SnapshotID, nil
	case wire.KindCommitFailed:
		var body wire.CommitFailedBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			return 0, fmt.Errorf("pushclient: decode CommitFailed: %w", err)
		}
		return 0, werrors.NewCommitRejected("%s", body.Reason)
	default:
		return 0, fmt.Errorf("pushclient: unexpected reply %s to CommitTree", kind)
	}
}
