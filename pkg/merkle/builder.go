package merkle

import (
	"fmt"

	"github.com/walnutgeek/webpub/pkg/chunk"
)

// Build turns a Scanner record into a (tree, chunks) pair. Chunks is the
// concatenation, in tree pre-order, of every file's chunk list; duplicate
// chunk hashes may appear and it is the caller's (Store/Archive writer's)
// job to deduplicate them. Build is pure: it performs no I/O, reads no
// clock, and uses no randomness.
func Build(dir *ScanDir) (*Node, []chunk.Chunk, error) {
	var all []chunk.Chunk
	root, err := buildDir(dir, &all)
	if err != nil {
		return nil, nil, err
	}
	return root, all, nil
}

func buildDir(dir *ScanDir, all *[]chunk.Chunk) (*Node, error) {
	children := make([]*Node, 0, len(dir.Files)+len(dir.SubDirs))

	order := dir.order
	if len(order) == 0 {
		// order is nil for a ScanDir built directly rather than via
		// Scan; fall back to files-then-dirs, each assumed name-sorted.
		for i := range dir.Files {
			order = append(order, scanEntryRef{isDir: false, index: i})
		}
		for i := range dir.SubDirs {
			order = append(order, scanEntryRef{isDir: true, index: i})
		}
	}

	for _, ref := range order {
		if ref.isDir {
			sub := dir.SubDirs[ref.index]
			node, err := buildDir(sub, all)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
			continue
		}

		f := dir.Files[ref.index]
		node, err := buildFile(f, all)
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}

	return &Node{
		Kind:     KindDir,
		Name:     dir.Name,
		Perm:     dir.Perm,
		Children: children,
		Hash:     dirHash(children),
	}, nil
}

func buildFile(f ScanFile, all *[]chunk.Chunk) (*Node, error) {
	chunks, err := chunk.SplitBytes(f.Data)
	if err != nil {
		return nil, fmt.Errorf("merkle: chunk %q: %w", f.Name, err)
	}

	hashes := make([]chunk.Hash, len(chunks))
	var size uint64
	for i, c := range chunks {
		hashes[i] = c.Hash
		size += uint64(len(c.Data))
	}
	*all = append(*all, chunks...)

	return &Node{
		Kind:   KindFile,
		Name:   f.Name,
		Perm:   f.Perm,
		Size:   size,
		Chunks: hashes,
		Hash:   fileHash(hashes),
	}, nil
}
