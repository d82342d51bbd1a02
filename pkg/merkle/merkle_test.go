package merkle

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestScanBuildDeterministic(t *testing.T) {
	files := map[string]string{
		"hello.txt":       "Hello!",
		"subdir/world.txt": "World!",
		"subdir/nested/a.txt": "a",
	}

	dirA := t.TempDir()
	dirB := t.TempDir()
	writeTree(t, dirA, files)
	writeTree(t, dirB, files)

	scanA, err := Scan(dirA)
	if err != nil {
		t.Fatalf("Scan(dirA): %v", err)
	}
	scanB, err := Scan(dirB)
	if err != nil {
		t.Fatalf("Scan(dirB): %v", err)
	}

	treeA, _, err := Build(scanA)
	if err != nil {
		t.Fatalf("Build(scanA): %v", err)
	}
	treeB, _, err := Build(scanB)
	if err != nil {
		t.Fatalf("Build(scanB): %v", err)
	}

	if treeA.Hash != treeB.Hash {
		t.Fatalf("root hashes differ for identical trees: %x vs %x", treeA.Hash, treeB.Hash)
	}
}

func TestChildrenSortedByName(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"zeta.txt":  "z",
		"alpha.txt": "a",
		"mid/x.txt": "x",
	})

	scanned, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, _, err := Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var names []string
	for _, c := range tree.Children {
		names = append(names, c.Name)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("children not sorted: %v", names)
		}
	}
}

func TestEmptySubdirPreserved(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	scanned, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, _, err := Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	child := tree.Child("empty")
	if child == nil || !child.IsDir() {
		t.Fatal("expected empty subdirectory to be preserved as a Directory node")
	}
	if len(child.Children) != 0 {
		t.Fatalf("expected no children, got %d", len(child.Children))
	}
}

func TestFileHashReflectsContent(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "same", "b.txt": "same"})

	scanned, err := Scan(dir)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	a := tree.Child("a.txt")
	b := tree.Child("b.txt")
	if a.Hash != b.Hash {
		t.Fatal("identical file contents should produce identical file hashes")
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error scanning a missing root")
	}
}
