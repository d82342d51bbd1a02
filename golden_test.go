// Package main holds the end-to-end scenarios that exercise archive,
// store, sync, and resolver together the way a real deployment would.
package main

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/walnutgeek/webpub/pkg/archive"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/pushclient"
	"github.com/walnutgeek/webpub/pkg/resolver"
	"github.com/walnutgeek/webpub/pkg/store"
	"github.com/walnutgeek/webpub/pkg/syncserver"
)

// pipeConn adapts a net.Conn to transport.Conn; the sync protocol never
// inspects ConnectionState over an in-memory pipe.
type pipeConn struct {
	net.Conn
}

func (pipeConn) ConnectionState() tls.ConnectionState { return tls.ConnectionState{} }

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", path, err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return out
}

// TestGoldenArchiveRoundTrip covers scenario 1: archive a directory,
// extract it, and expect byte-identical content back.
func TestGoldenArchiveRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"hello.txt":       "Hello!",
		"subdir/world.txt": "World!",
	})

	archiveFile := filepath.Join(t.TempDir(), "site.wpa")
	scanned, err := merkle.Scan(src)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := archive.WriteTree(archiveFile, tree, chunks); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	r, err := archive.Open(archiveFile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dest := t.TempDir()
	if err := r.Extract(dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got := readTree(t, dest)
	want := map[string]string{"hello.txt": "Hello!", "subdir/world.txt": "World!"}
	if len(got) != len(want) {
		t.Fatalf("extracted tree: got %v, want %v", got, want)
	}
	for name, content := range want {
		if got[name] != content {
			t.Fatalf("extracted %s: got %q, want %q", name, got[name], content)
		}
	}
}

// TestGoldenArchivePreservesEmptySubdir covers scenario 6: an empty
// subdirectory survives an archive/extract round trip.
func TestGoldenArchivePreservesEmptySubdir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"hello.txt": "Hello!"})
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	archiveFile := filepath.Join(t.TempDir(), "site.wpa")
	scanned, err := merkle.Scan(src)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	tree, chunks, err := merkle.Build(scanned)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := archive.WriteTree(archiveFile, tree, chunks); err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	r, err := archive.Open(archiveFile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	dest := t.TempDir()
	if err := r.Extract(dest); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "empty"))
	if err != nil {
		t.Fatalf("stat empty subdir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("empty should have been recreated as a directory")
	}
	entries, err := os.ReadDir(filepath.Join(dest, "empty"))
	if err != nil {
		t.Fatalf("ReadDir empty: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty subdir to stay empty, got %v", entries)
	}
}

// pushHarness wires a store, sync server, and HTTP resolver together over
// an in-memory transport, mirroring a real deployment minus the network.
type pushHarness struct {
	t    *testing.T
	st   *store.Store
	srv  *syncserver.Server
	http *httptest.Server
	tok  string
}

func newPushHarness(t *testing.T) *pushHarness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tok, err := st.AddToken(context.Background())
	if err != nil {
		t.Fatalf("AddToken: %v", err)
	}

	srv := syncserver.New(st, 10)
	res := resolver.New(st)
	httpSrv := httptest.NewServer(res.Router())
	t.Cleanup(httpSrv.Close)

	return &pushHarness{t: t, st: st, srv: srv, http: httpSrv, tok: tok}
}

func (h *pushHarness) push(dir, hostname string) int64 {
	h.t.Helper()
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	done := make(chan struct{})
	go func() {
		h.srv.ServeOne(context.Background(), pipeConn{serverSide})
		close(done)
	}()
	id, err := pushclient.Push(pipeConn{clientSide}, h.tok, hostname, dir)
	if err != nil {
		h.t.Fatalf("Push: %v", err)
	}
	clientSide.Close()
	<-done
	return id
}

func (h *pushHarness) pushWithToken(dir, hostname, token string) error {
	h.t.Helper()
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	done := make(chan struct{})
	go func() {
		h.srv.ServeOne(context.Background(), pipeConn{serverSide})
		close(done)
	}()
	_, err := pushclient.Push(pipeConn{clientSide}, token, hostname, dir)
	clientSide.Close()
	<-done
	return err
}

func (h *pushHarness) get(path, hostname string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.http.URL+path, nil)
	if err != nil {
		h.t.Fatalf("NewRequest: %v", err)
	}
	req.Host = hostname
	resp, err := h.http.Client().Do(req)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(data)
}

// TestGoldenPushAndServe covers scenario 2: push a fresh site and fetch
// it back over HTTP, including the 404 when no index.html is present.
func TestGoldenPushAndServe(t *testing.T) {
	h := newPushHarness(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"hello.txt":        "Hello!",
		"subdir/world.txt": "World!",
	})
	h.push(src, "test.local")

	if resp := h.get("/index.html", "test.local"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /index.html: got %d, want 404", resp.StatusCode)
	}
	if resp := h.get("/hello.txt", "test.local"); resp.StatusCode != http.StatusOK || bodyString(t, resp) != "Hello!" {
		t.Fatalf("GET /hello.txt: got status %d", resp.StatusCode)
	}
	if resp := h.get("/subdir/world.txt", "test.local"); resp.StatusCode != http.StatusOK || bodyString(t, resp) != "World!" {
		t.Fatalf("GET /subdir/world.txt: got status %d", resp.StatusCode)
	}
}

// TestGoldenSecondPushAndList covers scenario 3: pushing a changed tree
// creates a new, larger snapshot that list reports correctly.
func TestGoldenSecondPushAndList(t *testing.T) {
	h := newPushHarness(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"hello.txt": "Hello!"})
	first := h.push(src, "test.local")

	writeTree(t, src, map[string]string{"hello.txt": "Hello, again!"})
	second := h.push(src, "test.local")

	if second <= first {
		t.Fatalf("expected second snapshot id %d > first %d", second, first)
	}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go h.srv.ServeOne(context.Background(), pipeConn{serverSide})

	snaps, err := pushclient.ListSnapshots(pipeConn{clientSide}, h.tok, "test.local")
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].ID != second || !snaps[0].IsCurrent {
		t.Fatalf("newest snapshot should be current: %+v", snaps[0])
	}
	if snaps[1].ID != first || snaps[1].IsCurrent {
		t.Fatalf("older snapshot should not be current: %+v", snaps[1])
	}
}

// TestGoldenRollbackReflectsImmediately covers scenario 4: rolling back
// with no explicit target moves to the previous snapshot and the HTTP
// surface reflects the older content right away.
func TestGoldenRollbackReflectsImmediately(t *testing.T) {
	h := newPushHarness(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"index.html": "version one"})
	first := h.push(src, "test.local")

	writeTree(t, src, map[string]string{"index.html": "version two"})
	h.push(src, "test.local")

	if resp := h.get("/index.html", "test.local"); bodyString(t, resp) != "version two" {
		t.Fatalf("expected latest content before rollback, got %q", bodyString(t, resp))
	}

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go h.srv.ServeOne(context.Background(), pipeConn{serverSide})

	rolledTo, err := pushclient.Rollback(pipeConn{clientSide}, h.tok, "test.local", 0)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if rolledTo != first {
		t.Fatalf("rolled back to %d, want %d", rolledTo, first)
	}

	if resp := h.get("/index.html", "test.local"); bodyString(t, resp) != "version one" {
		t.Fatalf("expected rolled-back content, got %q", bodyString(t, resp))
	}
}

// TestGoldenPushWithoutTokenRejected covers scenario 5: an unrecognized
// token is rejected rather than accepted.
func TestGoldenPushWithoutTokenRejected(t *testing.T) {
	h := newPushHarness(t)
	src := t.TempDir()
	writeTree(t, src, map[string]string{"index.html": "hi"})

	err := h.pushWithToken(src, "test.local", "")
	if err == nil {
		t.Fatal("expected push with an empty token to be rejected")
	}
}
