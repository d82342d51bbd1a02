package merkle

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/walnutgeek/webpub/pkg/werrors"
)

// ScanFile is a scanned regular file: its name, permissions, and raw
// contents, ready for chunking by a Builder.
type ScanFile struct {
	Name string
	Perm uint32
	Data []byte
}

// ScanDir is a scanned directory: its name, permissions, and ordered
// children (sorted ascending by raw name bytes). The root directory's Name
// is "".
type ScanDir struct {
	Name     string
	Perm     uint32
	Files    []ScanFile
	SubDirs  []*ScanDir
	// order records the interleaved name order of Files and SubDirs, so
	// MerkleBuilder can emit Node.Children in the same sorted order the
	// filesystem presented them in, regardless of file-vs-directory kind.
	order []scanEntryRef
}

type scanEntryRef struct {
	isDir bool
	index int
}

// Scan walks root and returns a single ScanDir record (Name == "") whose
// children recursively mirror the filesystem. Symbolic links, device
// files, sockets and FIFOs are skipped. Per-entry read errors are logged
// and the entry is omitted, so an unreadable descendant never aborts the
// whole scan; only a failure at root is fatal.
func Scan(root string) (*ScanDir, error) {
	return ScanWithLogger(root, log.Logger)
}

// ScanWithLogger is Scan with an explicit logger, for callers (tests,
// servers with per-request loggers) that don't want the global one.
func ScanWithLogger(root string, logger zerolog.Logger) (*ScanDir, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, werrors.NewIOFailure(err, "scan root %q", root)
	}
	if !info.IsDir() {
		return nil, werrors.NewIOFailure(nil, "scan root %q is not a directory", root)
	}

	return scanDir(root, "", fileModeToPerm(info.Mode()), logger)
}

func scanDir(absPath, name string, perm uint32, logger zerolog.Logger) (*ScanDir, error) {
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, werrors.NewIOFailure(err, "read directory %q", absPath)
	}

	names := make([]string, len(entries))
	byName := make(map[string]os.DirEntry, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
		byName[e.Name()] = e
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	dir := &ScanDir{Name: name, Perm: perm}

	for _, childName := range names {
		entry := byName[childName]
		childAbs := filepath.Join(absPath, childName)

		info, err := entry.Info()
		if err != nil {
			logger.Warn().Err(err).Str("path", childAbs).Msg("skipping entry: stat failed")
			continue
		}

		mode := info.Mode()
		switch {
		case mode&os.ModeSymlink != 0,
			mode&os.ModeDevice != 0,
			mode&os.ModeSocket != 0,
			mode&os.ModeNamedPipe != 0,
			mode&os.ModeCharDevice != 0:
			continue

		case info.IsDir():
			sub, err := scanDir(childAbs, childName, fileModeToPerm(mode), logger)
			if err != nil {
				logger.Warn().Err(err).Str("path", childAbs).Msg("skipping directory")
				continue
			}
			dir.order = append(dir.order, scanEntryRef{isDir: true, index: len(dir.SubDirs)})
			dir.SubDirs = append(dir.SubDirs, sub)

		case mode.IsRegular():
			data, err := os.ReadFile(childAbs)
			if err != nil {
				logger.Warn().Err(err).Str("path", childAbs).Msg("skipping file: read failed")
				continue
			}
			dir.order = append(dir.order, scanEntryRef{isDir: false, index: len(dir.Files)})
			dir.Files = append(dir.Files, ScanFile{
				Name: childName,
				Perm: fileModeToPerm(mode),
				Data: data,
			})
		}
	}

	return dir, nil
}

// fileModeToPerm packs the low 9 permission bits plus setuid/setgid/sticky
// (bits 11/10/9 of the result) into a uint32, preserving the bits the host
// filesystem exposes through os.FileMode.
func fileModeToPerm(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		perm |= 1 << 11
	}
	if m&os.ModeSetgid != 0 {
		perm |= 1 << 10
	}
	if m&os.ModeSticky != 0 {
		perm |= 1 << 9
	}
	return perm
}
