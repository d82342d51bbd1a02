package archive

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/codec/msgpackcanon"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// Reader opens an archive file and reads its index, then serves
// random-access chunk reads against the file's chunk pool region.
type Reader struct {
	f     *os.File
	index index
}

// Open reads and validates path's header and index.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, werrors.NewIOFailure(err, "archive: open %s", path)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, werrors.NewCorrupt("archive: read header: %v", err)
	}
	if !bytes.Equal(header[0:8], magic[:]) {
		f.Close()
		return nil, werrors.NewCorrupt("archive: bad magic")
	}
	if header[8] != version {
		f.Close()
		return nil, werrors.NewCorrupt("archive: unsupported version %d", header[8])
	}

	indexOffset := binary.LittleEndian.Uint64(header[9:17])
	indexSize := binary.LittleEndian.Uint64(header[17:25])

	ixBytes := make([]byte, indexSize)
	if _, err := f.ReadAt(ixBytes, int64(indexOffset)); err != nil {
		f.Close()
		return nil, werrors.NewCorrupt("archive: read index: %v", err)
	}

	var ix index
	if err := msgpackcanon.Unmarshal(ixBytes, &ix); err != nil {
		f.Close()
		return nil, werrors.NewCorrupt("archive: decode index: %v", err)
	}
	if ix.Tree == nil {
		f.Close()
		return nil, werrors.NewCorrupt("archive: index has no tree")
	}

	return &Reader{f: f, index: ix}, nil
}

// Tree returns the archive's root merkle node.
func (r *Reader) Tree() *merkle.Node { return r.index.Tree }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// readChunk returns the bytes recorded for h, or a Corrupt error if the
// archive's index has no entry for it.
func (r *Reader) readChunk(h chunk.Hash) ([]byte, error) {
	loc, ok := r.index.lookup(h)
	if !ok {
		return nil, werrors.NewCorrupt("archive: no chunk recorded for %s", h)
	}
	buf := make([]byte, loc.Size)
	if _, err := r.f.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, werrors.NewIOFailure(err, "archive: read chunk %s", h)
	}
	return buf, nil
}

// walkEntry pairs a node with the filesystem path its parent was extracted
// to, so the stack below can recreate destDir iteratively instead of
// recursing (tree depth is attacker/author controlled via the archive's
// directory structure).
type walkEntry struct {
	node *merkle.Node
	dir  string
}

// permToFileMode is the inverse of the scanner's fileModeToPerm: it unpacks
// the low 9 permission bits plus the packed setuid/setgid/sticky bits (11/10/9)
// into an os.FileMode with the corresponding Go mode flags set, so os.Chmod
// actually reapplies them instead of silently dropping them.
func permToFileMode(perm uint32) os.FileMode {
	mode := os.FileMode(perm & 0o777)
	if perm&(1<<11) != 0 {
		mode |= os.ModeSetuid
	}
	if perm&(1<<10) != 0 {
		mode |= os.ModeSetgid
	}
	if perm&(1<<9) != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// Extract walks the archive's tree in pre-order, recreating destDir:
// directories (including empty ones) are created first, then each file is
// written by concatenating its chunks in order. Permissions are applied
// last, after all content writes, so a read-only mode never blocks a write.
func (r *Reader) Extract(destDir string) error {
	type pending struct {
		path string
		perm os.FileMode
	}
	var perms []pending

	stack := []walkEntry{{node: r.index.Tree, dir: destDir}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, dir := top.node, top.dir

		if node.IsDir() {
			path := dir
			if node.Name != "" {
				path = filepath.Join(dir, node.Name)
			}
			if err := os.MkdirAll(path, 0o755); err != nil {
				return werrors.NewIOFailure(err, "archive: mkdir %s", path)
			}
			perms = append(perms, pending{path: path, perm: permToFileMode(node.Perm)})
			// Push in reverse so children are visited in their original
			// order (pre-order, not that order matters for correctness,
			// only for readability of any future tracing).
			for i := len(node.Children) - 1; i >= 0; i-- {
				stack = append(stack, walkEntry{node: node.Children[i], dir: path})
			}
			continue
		}

		path := filepath.Join(dir, node.Name)
		out, err := os.Create(path)
		if err != nil {
			return werrors.NewIOFailure(err, "archive: create %s", path)
		}
		for _, h := range node.Chunks {
			data, err := r.readChunk(h)
			if err != nil {
				out.Close()
				return err
			}
			if _, err := out.Write(data); err != nil {
				out.Close()
				return werrors.NewIOFailure(err, "archive: write %s", path)
			}
		}
		if err := out.Close(); err != nil {
			return werrors.NewIOFailure(err, "archive: close %s", path)
		}
		perms = append(perms, pending{path: path, perm: permToFileMode(node.Perm)})
	}

	for _, p := range perms {
		if err := os.Chmod(p.path, p.perm); err != nil {
			return werrors.NewIOFailure(err, "archive: chmod %s", p.path)
		}
	}
	return nil
}
