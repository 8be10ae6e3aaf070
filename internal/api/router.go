// Package api exposes the chat service and the session store over HTTP.
package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/comigor/localchat/internal/metrics"
)

// Options configures the router beyond the API handler itself.
type Options struct {
	CORSOrigins []string
	// UIDir, when set, is served as a single-page app with index.html fallback.
	UIDir   string
	Metrics *metrics.Metrics
}

// NewRouter wires HTTP routes to the API handler.
func NewRouter(h *Handler, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Metrics))
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Chat-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Route("/api", h.RegisterRoutes)
	r.Get("/healthz", h.handleHealth)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.UIDir != "" {
		r.Get("/*", spaHandler(opts.UIDir))
	}

	return r
}

// spaHandler serves files from dir, answering unknown paths with index.html so
// client-side routes resolve. Paths under /api/ are never rewritten.
func spaHandler(dir string) http.HandlerFunc {
	root := http.Dir(dir)
	files := http.FileServer(root)
	index := filepath.Join(dir, "index.html")

	return func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if strings.HasPrefix(p, "/api/") {
			respondError(w, http.StatusNotFound, "not found")
			return
		}
		if f, err := root.Open(p); err == nil {
			info, statErr := f.Stat()
			f.Close()
			if statErr == nil && !info.IsDir() {
				files.ServeHTTP(w, r)
				return
			}
		}
		if _, err := os.Stat(index); err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, index)
	}
}
