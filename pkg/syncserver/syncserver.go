// Package syncserver implements the server side of the sync protocol's
// per-connection state machine (Handshake -> Authed -> Closed), grounded on
// the accept-loop/dispatch shape of the teacher's local control API
// (one goroutine per accepted connection, decode-and-dispatch per
// message) but driving pkg/wire's typed frames instead of JSON-RPC.
package syncserver

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/store"
	"github.com/walnutgeek/webpub/pkg/transport"
	"github.com/walnutgeek/webpub/pkg/werrors"
	"github.com/walnutgeek/webpub/pkg/wire"
)

// state names a connection's position in the Handshake/Authed/Closed
// machine (spec.md §4.7); Closed is implicit once handleConn returns.
type state int

const (
	stateHandshake state = iota
	stateAuthed
)

// Server accepts sync connections and drives each through the protocol
// against a shared Store.
type Server struct {
	store *store.Store
	keep  int
}

// New returns a Server backed by st, retaining at most keep snapshots per
// hostname after each successful commit.
func New(st *store.Store, keep int) *Server {
	return &Server{store: st, keep: keep}
}

// Serve accepts connections from l until ctx is cancelled or Accept fails
// permanently, handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.ServeOne(ctx, conn)
	}
}

// ServeOne runs the protocol state machine for a single already-accepted
// connection, blocking until it closes. Serve calls this per connection;
// it is exported separately so callers driving their own accept loop (and
// tests) can use it directly.
func (s *Server) ServeOne(ctx context.Context, conn transport.Conn) {
	s.handleConn(ctx, conn)
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	defer conn.Close()

	logger := log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	st := stateHandshake

	for {
		kind, raw, err := wire.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("syncserver: connection closed on read error")
			}
			return
		}

		switch st {
		case stateHandshake:
			if kind != wire.KindAuth {
				logger.Warn().Stringer("kind", kind).Msg("syncserver: expected Auth first")
				return
			}
			var body wire.AuthBody
			if err := wire.DecodeBody(raw, &body); err != nil {
				logger.Warn().Err(err).Msg("syncserver: bad Auth body")
				return
			}

			ok, err := s.store.VerifyToken(ctx, body.Token)
			if err != nil {
				logger.Warn().Err(err).Msg("syncserver: token verification failed")
				return
			}
			if !ok {
				writeOrWarn(conn, &logger, wire.KindAuthFailed, wire.AuthFailedBody{Reason: "unknown or revoked token"})
				return
			}
			if err := wire.WriteMessage(conn, wire.KindAuthOk, struct{}{}); err != nil {
				logger.Warn().Err(err).Msg("syncserver: write AuthOk")
				return
			}
			st = stateAuthed

		case stateAuthed:
			if !s.dispatchAuthed(ctx, conn, &logger, kind, raw) {
				return
			}
		}
	}
}

// dispatchAuthed handles one Authed-state message. It returns false when
// the connection should close.
func (s *Server) dispatchAuthed(ctx context.Context, conn transport.Conn, logger *zerolog.Logger, kind wire.Kind, raw []byte) bool {
	switch kind {
	case wire.KindHaveChunks:
		var body wire.HaveChunksBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			logger.Warn().Err(err).Msg("syncserver: bad HaveChunks body")
			return false
		}
		need, err := s.store.Missing(ctx, body.Hashes)
		if err != nil {
			logger.Warn().Err(err).Msg("syncserver: Missing lookup failed")
			return false
		}
		return writeOrWarn(conn, logger, wire.KindNeedChunks, wire.NeedChunksBody{Hashes: need})

	case wire.KindChunkData:
		var body wire.ChunkDataBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			logger.Warn().Err(err).Msg("syncserver: bad ChunkData body")
			return false
		}
		if err := s.store.StoreChunk(ctx, body.Hash, body.Data); err != nil {
			logger.Warn().Err(err).Msg("syncserver: StoreChunk failed")
			return false
		}
		return writeOrWarn(conn, logger, wire.KindChunkAck, wire.ChunkAckBody{Hash: body.Hash})

	case wire.KindCommitTree:
		var body wire.CommitTreeBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			logger.Warn().Err(err).Msg("syncserver: bad CommitTree body")
			return false
		}
		return s.handleCommit(ctx, conn, logger, body)

	case wire.KindListSnapshots:
		var body wire.ListSnapshotsBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			logger.Warn().Err(err).Msg("syncserver: bad ListSnapshots body")
			return false
		}
		snaps, err := s.store.List(ctx, body.Hostname)
		if err != nil {
			logger.Warn().Err(err).Msg("syncserver: List failed")
			return false
		}
		infos := make([]wire.SnapshotInfo, len(snaps))
		for i, snap := range snaps {
			infos[i] = wire.SnapshotInfo{ID: snap.ID, CreatedAt: snap.CreatedAt.Unix(), IsCurrent: snap.IsCurrent}
		}
		return writeOrWarn(conn, logger, wire.KindSnapshotList, wire.SnapshotListBody{Snapshots: infos})

	case wire.KindRollback:
		var body wire.RollbackBody
		if err := wire.DecodeBody(raw, &body); err != nil {
			logger.Warn().Err(err).Msg("syncserver: bad Rollback body")
			return false
		}
		return s.handleRollback(ctx, conn, logger, body)

	default:
		logger.Warn().Stringer("kind", kind).Msg("syncserver: unexpected message in Authed state")
		return false
	}
}

// handleCommit verifies every chunk the tree references is present, then
// commits a new snapshot and applies retention. A missing chunk is
// CommitRejected, not fatal: the client may upload the rest and retry
// without reconnecting (spec.md §4.7).
func (s *Server) handleCommit(ctx context.Context, conn transport.Conn, logger *zerolog.Logger, body wire.CommitTreeBody) bool {
	hashes := treeChunkHashes(body.Tree)
	missing, err := s.store.Missing(ctx, hashes)
	if err != nil {
		logger.Warn().Err(err).Msg("syncserver: commit: Missing lookup failed")
		return false
	}
	if len(missing) > 0 {
		reason := werrors.NewCommitRejected("tree references %d chunk(s) not present in store", len(missing)).Error()
		return writeOrWarn(conn, logger, wire.KindCommitFailed, wire.CommitFailedBody{Reason: reason})
	}

	id, err := s.store.CreateSnapshot(ctx, body.Hostname, body.Tree)
	if err != nil {
		logger.Warn().Err(err).Msg("syncserver: CreateSnapshot failed")
		return false
	}

	if _, err := s.store.PruneSnapshots(ctx, body.Hostname, s.keep); err != nil {
		logger.Warn().Err(err).Msg("syncserver: retention prune failed")
	}

	return writeOrWarn(conn, logger, wire.KindCommitOk, wire.CommitOkBody{SnapshotID: id})
}

// handleRollback moves hostname's current pointer to body.ID, or (if ID is
// zero) to the snapshot immediately before the current one.
func (s *Server) handleRollback(ctx context.Context, conn transport.Conn, logger *zerolog.Logger, body wire.RollbackBody) bool {
	var id int64
	var ok bool
	var err error

	if body.ID == 0 {
		id, ok, err = s.store.RollbackToPrevious(ctx, body.Hostname)
	} else {
		ok, err = s.store.SetCurrent(ctx, body.Hostname, body.ID)
		id = body.ID
	}
	if err != nil {
		logger.Warn().Err(err).Msg("syncserver: rollback failed")
		return false
	}
	if !ok {
		return writeOrWarn(conn, logger, wire.KindRollbackFailed, wire.RollbackFailedBody{Reason: "no such snapshot to roll back to"})
	}
	return writeOrWarn(conn, logger, wire.KindRollbackOk, wire.RollbackOkBody{ID: id})
}

func treeChunkHashes(node *merkle.Node) []chunk.Hash {
	var hashes []chunk.Hash
	var walk func(*merkle.Node)
	walk = func(n *merkle.Node) {
		if n.IsFile() {
			hashes = append(hashes, n.Chunks...)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(node)
	return hashes
}

func writeOrWarn(conn transport.Conn, logger *zerolog.Logger, kind wire.Kind, body interface{}) bool {
	if err := wire.WriteMessage(conn, kind, body); err != nil {
		logger.Warn().Err(err).Stringer("kind", kind).Msg("syncserver: write failed")
		return false
	}
	return true
}
