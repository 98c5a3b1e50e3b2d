// Package web serves the reference table database over HTTP. It is the
// remote that csvsync talks to: tables, schemas, rows and uploaded files.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvsync/internal/blob"
	"github.com/JonMunkholm/csvsync/internal/config"
	"github.com/JonMunkholm/csvsync/internal/core"
	"github.com/JonMunkholm/csvsync/internal/store"
	"github.com/JonMunkholm/csvsync/internal/web/middleware"
)

// Store persists tables and rows. *store.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	// CreateTable and InsertRow return the earlier result when key repeats
	// a committed request. An empty key never matches.
	CreateTable(ctx context.Context, parent, title, key string, cols []core.Column) (string, error)
	Schema(ctx context.Context, tableID string) (*core.Schema, error)
	UpdateColumns(ctx context.Context, tableID string, cols []core.Column) (*core.Schema, error)
	Rows(ctx context.Context, tableID string) ([]core.RowPayload, error)
	InsertRow(ctx context.Context, tableID, key string, row core.RowPayload) (string, error)
	PatchRow(ctx context.Context, rowID string, row core.RowPayload) error
	RowTable(ctx context.Context, rowID string) (string, error)
}

var _ Store = (*store.Store)(nil)

// Options wires a Server.
type Options struct {
	Config *config.Config
	Store  Store
	Files  blob.Store

	// FilesDir is served under /files/ when set. Only the local blob
	// backend needs it.
	FilesDir string
}

// Server is the HTTP server for the reference remote.
type Server struct {
	cfg        *config.Config
	store      Store
	files      blob.Store
	filesDir   string
	uploads    *UploadLimiter
	extensions *core.ExtensionPolicy
	rate       *middleware.RateLimiter
	now        func() time.Time

	router *chi.Mux
	server *http.Server
	stop   chan struct{}
}

// NewServer creates a Server with its routes registered.
func NewServer(opts Options) *Server {
	banned := opts.Config.Upload.BannedExtensions
	if len(banned) == 0 {
		banned = core.DefaultBannedExtensions
	}
	s := &Server{
		cfg:        opts.Config,
		store:      opts.Store,
		files:      opts.Files,
		filesDir:   opts.FilesDir,
		uploads:    NewUploadLimiter(opts.Config.Upload.MaxConcurrent, opts.Config.Upload.MaxWaitTime),
		extensions: core.NewExtensionPolicy(banned),
		now:        time.Now,
		router:     chi.NewRouter(),
		stop:       make(chan struct{}),
	}
	if opts.Config.Rate.Enabled {
		s.rate = middleware.NewRateLimiter(opts.Config.Rate.RequestsPerSecond, opts.Config.Rate.Burst)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Compress(5, "application/json"))
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	}
	s.router.Use(securityHeaders)
	if s.rate != nil {
		s.router.Use(s.rate.Handler)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.filesDir != "" {
		s.router.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(s.filesDir))))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(&s.cfg.Security))

		r.Post("/tables", s.handleCreateTable)
		r.Route("/tables/{tableID}", func(r chi.Router) {
			r.Get("/schema", s.handleGetSchema)
			r.Patch("/schema", s.handlePatchSchema)
			r.Get("/rows", s.handleListRows)
			r.Post("/rows", s.handleCreateRow)
		})
		r.Patch("/rows/{rowID}", s.handlePatchRow)
		r.Post("/files", s.handleUploadFile)
	})
}

// Start begins listening for HTTP requests. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	if s.rate != nil {
		go s.pruneClients(5*time.Minute, 10*time.Minute)
	}

	slog.Info("server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) pruneClients(every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.rate.Prune(idle); n > 0 {
				slog.Debug("rate limiter pruned idle clients", "count", n)
			}
		}
	}
}

// Shutdown waits for in-flight uploads, then stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)

	if st := s.uploads.Status(); st.Active > 0 {
		slog.Info("waiting for uploads to complete", "active", st.Active)
		if err := s.uploads.WaitForDrain(ctx); err != nil {
			slog.Warn("uploads did not complete in time", "error", err)
		}
	}

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

type healthResponse struct {
	Status  string              `json:"status"`
	Uploads UploadLimiterStatus `json:"uploads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uploads: s.uploads.Status()}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		slog.Warn("health check: store unreachable", "error", err)
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
