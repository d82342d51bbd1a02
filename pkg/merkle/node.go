// Package merkle builds the hierarchical, content-addressed tree that
// mirrors a scanned directory: a Scanner walks the filesystem, a Builder
// combines the walk with content-defined chunking into a deterministic
// merkle tree.
package merkle

import (
	"encoding/binary"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"lukechampine.com/blake3"
)

// Kind discriminates the two Node variants on the wire. A flat struct with
// an explicit discriminator (rather than a Go interface) keeps the msgpack
// encoding a stable tagged map across implementations.
type Kind uint8

const (
	// KindFile marks a regular file node.
	KindFile Kind = 1
	// KindDir marks a directory node.
	KindDir Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Node is a File or Directory entry in the tree, selected by Kind.
//
// File fields: Name, Perm, Size, Chunks, Hash.
// Directory fields: Name, Perm, Children, Hash.
type Node struct {
	Kind Kind `msgpack:"kind"`

	// Name is non-empty and slash-free for every node except the tree
	// root, whose Name is "".
	Name string `msgpack:"name"`

	// Perm holds the low 9 permission bits in bits 0-8, with setuid
	// (bit 11), setgid (bit 10) and sticky (bit 9) preserved where the
	// host filesystem exposes them.
	Perm uint32 `msgpack:"perm"`

	// Size is the sum of chunk byte lengths (File only).
	Size uint64 `msgpack:"size,omitempty"`

	// Chunks is the ordered list of chunk hashes composing the file's
	// bytes (File only).
	Chunks []chunk.Hash `msgpack:"chunks,omitempty"`

	// Children is the ordered, name-sorted list of entries in this
	// directory (Directory only).
	Children []*Node `msgpack:"children,omitempty"`

	// Hash identifies this node's content: for a File, BLAKE3 over the
	// concatenation of Chunks in order; for a Directory, BLAKE3 over
	// each child's (name, perm, hash) tuple in order.
	Hash [32]byte `msgpack:"hash"`
}

// IsDir reports whether n is a Directory node.
func (n *Node) IsDir() bool { return n.Kind == KindDir }

// IsFile reports whether n is a File node.
func (n *Node) IsFile() bool { return n.Kind == KindFile }

// Child looks up an immediate child by name (Directory nodes only).
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// fileHash computes BLAKE3 over the ordered chunk hashes of a file.
func fileHash(chunks []chunk.Hash) [32]byte {
	h := blake3.New(32, nil)
	for _, c := range chunks {
		h.Write(c[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// dirHash computes BLAKE3 over each child's (name bytes, perm as 4-byte LE,
// hash) tuple, concatenated in child order.
func dirHash(children []*Node) [32]byte {
	h := blake3.New(32, nil)
	var permBuf [4]byte
	for _, c := range children {
		h.Write([]byte(c.Name))
		binary.LittleEndian.PutUint32(permBuf[:], c.Perm)
		h.Write(permBuf[:])
		h.Write(c.Hash[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
