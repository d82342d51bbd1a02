package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/walnutgeek/webpub/pkg/chunk"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// putFile stores data's content as a single chunk and returns a File node
// referencing it.
func putFile(t *testing.T, s *store.Store, name string, data []byte) *merkle.Node {
	t.Helper()
	h := chunk.Sum(data)
	if err := s.StoreChunk(context.Background(), h, data); err != nil {
		t.Fatalf("StoreChunk: %v", err)
	}
	return &merkle.Node{Kind: merkle.KindFile, Name: name, Chunks: []chunk.Hash{h}}
}

func TestResolverServesFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	index := putFile(t, s, "index.html", []byte("<h1>home</h1>"))
	about := putFile(t, s, "about.html", []byte("<h1>about</h1>"))
	tree := &merkle.Node{Kind: merkle.KindDir, Name: "", Children: []*merkle.Node{index, about}}

	if _, err := s.CreateSnapshot(ctx, "example.com", tree); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	r := New(s)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/about.html", "example.com")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestResolverServesDirectoryIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	index := putFile(t, s, "index.html", []byte("<h1>home</h1>"))
	sub := &merkle.Node{Kind: merkle.KindDir, Name: "blog", Children: []*merkle.Node{
		putFile(t, s, "index.html", []byte("<h1>blog</h1>")),
	}}
	tree := &merkle.Node{Kind: merkle.KindDir, Name: "", Children: []*merkle.Node{index, sub}}

	if _, err := s.CreateSnapshot(ctx, "example.com", tree); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	r := New(s)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	for _, path := range []string{"/", "/blog", "/blog/"} {
		resp := mustGet(t, srv.URL+path, "example.com")
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestResolverUnknownHostIs404(t *testing.T) {
	s := openTestStore(t)
	r := New(s)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/", "nowhere.example")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResolverUnknownPathIs404(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tree := &merkle.Node{Kind: merkle.KindDir, Name: "", Children: []*merkle.Node{
		putFile(t, s, "index.html", []byte("home")),
	}}
	if _, err := s.CreateSnapshot(ctx, "example.com", tree); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	r := New(s)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/nope.html", "example.com")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResolverMissingChunkIs500(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A file node referencing a hash never stored: simulates a dangling
	// reference (e.g. a GC bug), which must surface as 500, not a panic.
	dangling := &merkle.Node{Kind: merkle.KindFile, Name: "ghost.html", Chunks: []chunk.Hash{chunk.Sum([]byte("never stored"))}}
	tree := &merkle.Node{Kind: merkle.KindDir, Name: "", Children: []*merkle.Node{dangling}}
	if _, err := s.CreateSnapshot(ctx, "example.com", tree); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	r := New(s)
	srv := httptest.NewServer(r.Router())
	defer srv.Close()

	resp := mustGet(t, srv.URL+"/ghost.html", "example.com")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func mustGet(t *testing.T, url, host string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}
