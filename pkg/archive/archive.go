// Package archive implements the self-contained single-file container
// format: a magic/version header, a stream of deduplicated chunk bytes, and
// a trailing msgpack-encoded index mapping the merkle tree to chunk
// offsets. Writer and Reader never hold the full chunk set in memory.
package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/codec/msgpackcanon"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// magic identifies a webpub archive file.
var magic = [8]byte{'W', 'E', 'B', 'P', 'U', 'B', 0, 0}

// version is the only archive format version this package writes or reads.
const version = 1

// headerSize is the fixed-size prefix before the first chunk's bytes:
// magic(8) + version(1) + index_offset(8) + index_size(8).
const headerSize = 25

// Location records where one chunk's bytes live in the archive file.
type Location struct {
	Offset uint64 `msgpack:"offset"`
	Size   uint64 `msgpack:"size"`
}

// chunkOffset pairs a hash with its Location; the index stores these as a
// slice rather than a msgpack map keyed by a 32-byte array, which canonical
// msgpack's map-key sorting does not handle cleanly.
type chunkOffset struct {
	Hash chunk.Hash `msgpack:"hash"`
	Location
}

// index is the trailing, msgpack-encoded structure: the merkle tree plus
// every chunk's location.
type index struct {
	Tree         *merkle.Node  `msgpack:"tree"`
	ChunkOffsets []chunkOffset `msgpack:"chunk_offsets"`
}

func (ix *index) lookup(h chunk.Hash) (Location, bool) {
	for _, co := range ix.ChunkOffsets {
		if co.Hash == h {
			return co.Location, true
		}
	}
	return Location{}, false
}

// Writer streams a tree's chunks into an archive file, deduplicating by
// hash, then appends the index and backfills the header.
type Writer struct {
	f       *os.File
	w       *bufio.Writer
	offset  uint64
	seen    map[chunk.Hash]Location
	offsets []chunkOffset
}

// Create opens path for writing and reserves the placeholder header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, werrors.NewIOFailure(err, "archive: create %s", path)
	}
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, werrors.NewIOFailure(err, "archive: write placeholder header")
	}
	return &Writer{
		f:      f,
		w:      bufio.NewWriter(f),
		offset: headerSize,
		seen:   make(map[chunk.Hash]Location),
	}, nil
}

// WriteChunk appends c's bytes unless its hash has already been written.
func (w *Writer) WriteChunk(c chunk.Chunk) error {
	if _, ok := w.seen[c.Hash]; ok {
		return nil
	}
	loc := Location{Offset: w.offset, Size: uint64(len(c.Data))}
	if _, err := w.w.Write(c.Data); err != nil {
		return werrors.NewIOFailure(err, "archive: write chunk %s", c.Hash)
	}
	w.offset += loc.Size
	w.seen[c.Hash] = loc
	w.offsets = append(w.offsets, chunkOffset{Hash: c.Hash, Location: loc})
	return nil
}

// Finish writes tree's index and backfills the header with its offset and
// size, then closes the file.
func (w *Writer) Finish(tree *merkle.Node) error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return werrors.NewIOFailure(err, "archive: flush chunk bytes")
	}

	ix := index{Tree: tree, ChunkOffsets: w.offsets}
	ixBytes, err := msgpackcanon.Marshal(&ix)
	if err != nil {
		w.f.Close()
		return fmt.Errorf("archive: encode index: %w", err)
	}

	indexOffset := w.offset
	if _, err := w.f.Write(ixBytes); err != nil {
		w.f.Close()
		return werrors.NewIOFailure(err, "archive: write index")
	}

	var header [headerSize]byte
	copy(header[0:8], magic[:])
	header[8] = version
	binary.LittleEndian.PutUint64(header[9:17], indexOffset)
	binary.LittleEndian.PutUint64(header[17:25], uint64(len(ixBytes)))

	if _, err := w.f.WriteAt(header[:], 0); err != nil {
		w.f.Close()
		return werrors.NewIOFailure(err, "archive: backfill header")
	}

	return w.f.Close()
}

// Close abandons the in-progress archive without writing an index.
func (w *Writer) Close() error {
	return w.f.Close()
}

// WriteTree streams tree's chunks (skipping those already present via the
// writer's dedup map) and finalizes the archive. chunks is the pre-order
// list produced by merkle.Build; it may contain duplicate hashes, which
// WriteChunk deduplicates.
func WriteTree(path string, tree *merkle.Node, chunks []chunk.Chunk) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := w.WriteChunk(c); err != nil {
			w.Close()
			return err
		}
	}
	return w.Finish(tree)
}
