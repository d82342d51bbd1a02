// Package chunk implements content-defined chunking over the FastCDC
// algorithm (Xia et al., 2016), parameterized as (min=16KiB, avg=32KiB,
// max=64KiB), with each chunk identified by its BLAKE3-256 hash.
package chunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/jotfs/fastcdc-go"
	"lukechampine.com/blake3"
)

const (
	// MinSize is the minimum chunk size in bytes, except for the final
	// chunk of a stream, which may be shorter.
	MinSize = 16 * 1024
	// AvgSize is the target average chunk size in bytes.
	AvgSize = 32 * 1024
	// MaxSize is the maximum chunk size in bytes.
	MaxSize = 64 * 1024

	// HashSize is the length of a chunk's content hash in bytes.
	HashSize = 32
)

// Hash is a BLAKE3-256 content hash, used as a chunk's identity.
type Hash [HashSize]byte

// Sum computes the content hash of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", [HashSize]byte(h))
}

// IsZero reports whether h is the zero hash (never a valid chunk identity).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Chunk is a content-addressed byte range: a (hash, bytes) pair where hash
// is the BLAKE3-256 digest of bytes.
type Chunk struct {
	Hash Hash
	Data []byte
}

// Split reads r to completion and returns its content-defined chunks in
// order. Concatenating the returned chunks' Data reproduces the input
// exactly. A non-empty reader shorter than MinSize yields exactly one
// chunk; an empty reader yields none.
func Split(r io.Reader) ([]Chunk, error) {
	chunker, err := fastcdc.NewChunker(r, fastcdc.Options{
		MinSize:     MinSize,
		AverageSize: AvgSize,
		MaxSize:     MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk: configure fastcdc: %w", err)
	}

	var chunks []Chunk
	for {
		c, err := chunker.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunk: split: %w", err)
		}

		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		chunks = append(chunks, Chunk{Hash: Sum(data), Data: data})
	}

	return chunks, nil
}

// SplitBytes is a convenience wrapper around Split for in-memory buffers.
func SplitBytes(data []byte) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return Split(bytes.NewReader(data))
}
