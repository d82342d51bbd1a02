// Package resolver implements the HTTP surface: given a Host header and a
// path, resolve the current snapshot's tree to a file and reassemble it
// from the store's chunk shards. Resolution is pure function + store
// reads; reassembly happens on every request (spec.md §4.9 — caching is
// an explicit future optimisation, not a contract here).
package resolver

import (
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/walnutgeek/webpub/pkg/merkle"
	"github.com/walnutgeek/webpub/pkg/store"
)

// Resolver serves HTTP requests against a Store's current snapshots.
type Resolver struct {
	store *store.Store
}

// New returns a Resolver reading from st.
func New(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Router returns a chi.Router with the resolver mounted at "/*".
func (r *Resolver) Router() chi.Router {
	router := chi.NewRouter()
	router.Get("/*", r.ServeHTTP)
	return router
}

// ServeHTTP implements http.Handler directly, for callers that don't want
// a chi mux.
func (r *Resolver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	hostname := stripPort(req.Host)

	tree, ok, err := r.store.CurrentTree(req.Context(), hostname)
	if err != nil {
		log.Error().Err(err).Str("hostname", hostname).Msg("resolver: CurrentTree failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Site not found", http.StatusNotFound)
		return
	}

	node := walk(tree, req.URL.Path)
	if node == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if node.IsDir() {
		node = node.Child("index.html")
		if node == nil {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	r.serveFile(w, req, node)
}

// walk splits path on "/", ignoring empty segments, and matches each
// segment exactly (case-sensitive) against child names starting from
// tree. Returns nil on the first segment that has no matching child.
func walk(tree *merkle.Node, path string) *merkle.Node {
	node := tree
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if !node.IsDir() {
			return nil
		}
		child := node.Child(seg)
		if child == nil {
			return nil
		}
		node = child
	}
	return node
}

func (r *Resolver) serveFile(w http.ResponseWriter, req *http.Request, node *merkle.Node) {
	// Verify every chunk is present before writing anything: once the body
	// starts streaming the status code is already committed, and a chunk
	// going missing partway through would leave a 200 with truncated
	// content instead of the stable 500 §4.9 promises.
	missing, err := r.store.Missing(req.Context(), node.Chunks)
	if err != nil {
		log.Error().Err(err).Str("file", node.Name).Msg("resolver: Missing check failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if len(missing) > 0 {
		log.Error().Str("hash", missing[0].String()).Str("file", node.Name).Msg("resolver: dangling chunk reference")
		http.Error(w, "internal error: missing chunk", http.StatusInternalServerError)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(node.Name))
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}

	for _, h := range node.Chunks {
		data, ok, err := r.store.GetChunk(req.Context(), h)
		if err != nil {
			log.Error().Err(err).Str("hash", h.String()).Msg("resolver: GetChunk failed")
			// Headers and a partial body may already be flushed; the
			// connection is the only way left to signal failure.
			panic(http.ErrAbortHandler)
		}
		if !ok {
			log.Error().Str("hash", h.String()).Str("file", node.Name).Msg("resolver: chunk vanished mid-response")
			panic(http.ErrAbortHandler)
		}
		if _, err := w.Write(data); err != nil {
			// The client went away mid-response; nothing more to do.
			return
		}
	}
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
