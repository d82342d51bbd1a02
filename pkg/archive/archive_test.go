package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/walnutgeek/webpub/pkg/merkle"
)

func writeFile(t *testing.T, path string, data []byte, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "hello.txt"), []byte("Hello!"), 0o644)
	if err := os.Mkdir(filepath.Join(src, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(src, "subdir", "world.txt"), []byte("World!"), 0o644)
	if err := os.Mkdir(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	scanned, err := merkle.Scan(src)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "site.webpub")
	if err := WriteTree(archivePath, tree, chunks); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	r, err := Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dest := t.TempDir()
	if err := r.Extract(dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatalf("read extracted hello.txt: %v", err)
	}
	if !bytes.Equal(got, []byte("Hello!")) {
		t.Fatalf("hello.txt content mismatch: got %q", got)
	}

	got, err = os.ReadFile(filepath.Join(dest, "subdir", "world.txt"))
	if err != nil {
		t.Fatalf("read extracted subdir/world.txt: %v", err)
	}
	if !bytes.Equal(got, []byte("World!")) {
		t.Fatalf("subdir/world.txt content mismatch: got %q", got)
	}

	if info, err := os.Stat(filepath.Join(dest, "empty")); err != nil || !info.IsDir() {
		t.Fatalf("expected empty subdirectory to be preserved: %v", err)
	}
}

func TestArchiveDeduplicatesChunks(t *testing.T) {
	src := t.TempDir()
	same := bytes.Repeat([]byte("x"), 70*1024)
	writeFile(t, filepath.Join(src, "a.bin"), same, 0o644)
	writeFile(t, filepath.Join(src, "b.bin"), same, 0o644)

	scanned, err := merkle.Scan(src)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "site.webpub")
	if err := WriteTree(archivePath, tree, chunks); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	// Two identical 70KiB files chunk to the same hash set; a
	// non-deduplicating writer would store the bytes twice, roughly
	// doubling the archive past 140KiB plus header/index overhead.
	if info.Size() > 100*1024 {
		t.Fatalf("archive size %d suggests chunks were not deduplicated", info.Size())
	}
}

func TestExtractPreservesSetgidAndSticky(t *testing.T) {
	src := t.TempDir()
	if err := os.Mkdir(filepath.Join(src, "shared"), 0o755|os.ModeSetgid); err != nil {
		t.Fatal(err)
	}
	// Linux mkdir(2) drops the setgid bit from the requested mode; set it
	// explicitly so the source tree really carries it.
	if err := os.Chmod(filepath.Join(src, "shared"), 0o755|os.ModeSetgid); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "tmp"), 0o755|os.ModeSticky); err != nil {
		t.Fatal(err)
	}

	scanned, err := merkle.Scan(src)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	archivePath := filepath.Join(t.TempDir(), "site.webpub")
	if err := WriteTree(archivePath, tree, chunks); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	r, err := Open(archivePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dest := t.TempDir()
	if err := r.Extract(dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "shared"))
	if err != nil {
		t.Fatalf("stat shared: %v", err)
	}
	if info.Mode()&os.ModeSetgid == 0 {
		t.Fatalf("expected setgid bit to survive extraction, got mode %v", info.Mode())
	}

	info, err = os.Stat(filepath.Join(dest, "tmp"))
	if err != nil {
		t.Fatalf("stat tmp: %v", err)
	}
	if info.Mode()&os.ModeSticky == 0 {
		t.Fatalf("expected sticky bit to survive extraction, got mode %v", info.Mode())
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.webpub")
	writeFile(t, path, make([]byte, headerSize), 0o644)

	if _, err := Open(path); err == nil {
		t.Fatal("expected an error opening a file with a zeroed header")
	}
}

func TestOpenRejectsTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.webpub")
	writeFile(t, path, []byte("too short"), 0o644)

	if _, err := Open(path); err == nil {
		t.Fatal("expected an error opening a truncated file")
	}
}
