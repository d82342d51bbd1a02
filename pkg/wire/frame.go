// Package wire implements the sync protocol's message envelope and
// framing: one msgpack-encoded tagged union per length-prefixed transport
// frame, as described in the design's Protocol component. Any decode
// failure is fatal and terminates the session; there is no partial-frame
// recovery.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/codec/msgpackcanon"
	"github.com/walnutgeek/webpub/pkg/merkle"
)

// Kind identifies a message's body type.
type Kind uint8

const (
	KindAuth          Kind = 1
	KindAuthOk        Kind = 2
	KindAuthFailed    Kind = 3
	KindHaveChunks    Kind = 4
	KindNeedChunks    Kind = 5
	KindChunkData     Kind = 6
	KindChunkAck      Kind = 7
	KindCommitTree    Kind = 8
	KindCommitOk      Kind = 9
	KindCommitFailed  Kind = 10
	KindListSnapshots Kind = 11
	KindSnapshotList  Kind = 12
	KindRollback      Kind = 13
	KindRollbackOk    Kind = 14
	KindRollbackFailed Kind = 15
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "Auth"
	case KindAuthOk:
		return "AuthOk"
	case KindAuthFailed:
		return "AuthFailed"
	case KindHaveChunks:
		return "HaveChunks"
	case KindNeedChunks:
		return "NeedChunks"
	case KindChunkData:
		return "ChunkData"
	case KindChunkAck:
		return "ChunkAck"
	case KindCommitTree:
		return "CommitTree"
	case KindCommitOk:
		return "CommitOk"
	case KindCommitFailed:
		return "CommitFailed"
	case KindListSnapshots:
		return "ListSnapshots"
	case KindSnapshotList:
		return "SnapshotList"
	case KindRollback:
		return "Rollback"
	case KindRollbackOk:
		return "RollbackOk"
	case KindRollbackFailed:
		return "RollbackFailed"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// maxFrameSize bounds the length prefix so a corrupt or hostile peer can't
// force an unbounded allocation; chunk bodies (<=64KiB of data plus a
// little overhead) are comfortably under it.
const maxFrameSize = 8 * 1024 * 1024

// envelope is the on-wire shape: a Kind tag plus the kind-specific body,
// pre-encoded so decoding can dispatch on Kind before interpreting Body.
type envelope struct {
	Kind Kind            `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Message-specific bodies, per the Protocol component.

// AuthBody carries the client's bearer token.
type AuthBody struct {
	Token string `msgpack:"token"`
}

// AuthFailedBody explains why authentication was rejected.
type AuthFailedBody struct {
	Reason string `msgpack:"reason"`
}

// HaveChunksBody is a batch of chunk hashes the sender already possesses.
type HaveChunksBody struct {
	Hashes []chunk.Hash `msgpack:"hashes"`
}

// NeedChunksBody is the subset of a preceding HaveChunks batch the
// recipient is missing.
type NeedChunksBody struct {
	Hashes []chunk.Hash `msgpack:"hashes"`
}

// ChunkDataBody uploads one chunk's bytes.
type ChunkDataBody struct {
	Hash chunk.Hash `msgpack:"hash"`
	Data []byte     `msgpack:"data"`
}

// ChunkAckBody acknowledges receipt of one chunk.
type ChunkAckBody struct {
	Hash chunk.Hash `msgpack:"hash"`
}

// CommitTreeBody finalizes a push for hostname with the given tree.
type CommitTreeBody struct {
	Hostname string       `msgpack:"hostname"`
	Tree     *merkle.Node `msgpack:"tree"`
}

// CommitOkBody reports the id of the snapshot just created.
type CommitOkBody struct {
	SnapshotID int64 `msgpack:"snapshot_id"`
}

// CommitFailedBody explains why a commit was rejected.
type CommitFailedBody struct {
	Reason string `msgpack:"reason"`
}

// ListSnapshotsBody requests the snapshot history for a hostname.
type ListSnapshotsBody struct {
	Hostname string `msgpack:"hostname"`
}

// SnapshotInfo is one entry in a SnapshotListBody, matching spec.md §4.7's
// list(hostname) -> [(id, created_at, is_current)].
type SnapshotInfo struct {
	ID        int64  `msgpack:"id"`
	CreatedAt int64  `msgpack:"created_at"`
	IsCurrent bool   `msgpack:"is_current"`
}

// SnapshotListBody answers ListSnapshots, newest first.
type SnapshotListBody struct {
	Snapshots []SnapshotInfo `msgpack:"snapshots"`
}

// RollbackBody moves hostname's current pointer to ID, or (if ID is zero)
// to the snapshot immediately before the current one.
type RollbackBody struct {
	Hostname string `msgpack:"hostname"`
	ID       int64  `msgpack:"id"`
}

// RollbackOkBody reports the snapshot id now current.
type RollbackOkBody struct {
	ID int64 `msgpack:"id"`
}

// RollbackFailedBody explains why a rollback was rejected.
type RollbackFailedBody struct {
	Reason string `msgpack:"reason"`
}

// WriteMessage encodes kind and body as one length-prefixed frame and
// writes it to w.
func WriteMessage(w io.Writer, kind Kind, body interface{}) error {
	bodyBytes, err := msgpackcanon.Marshal(body)
	if err != nil {
		return fmt.Errorf("wire: encode %s body: %w", kind, err)
	}

	envBytes, err := msgpackcanon.Marshal(envelope{Kind: kind, Body: bodyBytes})
	if err != nil {
		return fmt.Errorf("wire: encode %s envelope: %w", kind, err)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(envBytes)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(envBytes); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and returns its Kind
// and raw (still-encoded) body, which the caller decodes with DecodeBody
// once it knows what struct to expect. Any I/O or decode failure is
// returned as a *ProtocolError: per the protocol's design, it is always
// fatal to the session.
func ReadMessage(r io.Reader) (Kind, msgpack.RawMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return 0, nil, newProtocolError(err, "read frame length")
	}

	size := binary.BigEndian.Uint32(lenPrefix[:])
	if size == 0 || size > maxFrameSize {
		return 0, nil, newProtocolError(nil, "frame length %d out of bounds", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, newProtocolError(err, "read frame body")
	}

	var env envelope
	if err := msgpackcanon.Unmarshal(buf, &env); err != nil {
		return 0, nil, newProtocolError(err, "decode envelope")
	}

	return env.Kind, env.Body, nil
}

// DecodeBody decodes raw into dst, the body struct appropriate for the
// Kind returned alongside raw by ReadMessage. A failure here is likewise
// fatal: the message's shape didn't match what its Kind promised.
func DecodeBody(raw msgpack.RawMessage, dst interface{}) error {
	if err := msgpackcanon.Unmarshal(raw, dst); err != nil {
		return newProtocolError(err, "decode body")
	}
	return nil
}
