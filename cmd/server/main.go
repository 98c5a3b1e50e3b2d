package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/csvsync/internal/blob"
	"github.com/JonMunkholm/csvsync/internal/config"
	"github.com/JonMunkholm/csvsync/internal/logging"
	"github.com/JonMunkholm/csvsync/internal/store"
	"github.com/JonMunkholm/csvsync/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"storage", cfg.Storage.Backend,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", logging.Mask(err.Error()))
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", logging.Mask(err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", logging.Mask(err.Error()))
		os.Exit(1)
	}
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if err := store.Migrate(pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	files, filesDir, err := openFiles(cfg)
	if err != nil {
		slog.Error("failed to open file storage", "error", err)
		os.Exit(1)
	}

	server := web.NewServer(web.Options{
		Config:   cfg,
		Store:    store.New(pool),
		Files:    files,
		FilesDir: filesDir,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// openFiles returns the configured blob store, and the directory to serve
// under /files/ for the local backend.
func openFiles(cfg *config.Config) (blob.Store, string, error) {
	st := cfg.Storage
	switch st.Backend {
	case "s3":
		s3, err := blob.NewS3(blob.S3Config{
			Endpoint:      st.S3Endpoint,
			Region:        st.S3Region,
			Bucket:        st.S3Bucket,
			KeyID:         st.S3KeyID,
			Secret:        st.S3Secret,
			PublicBaseURL: st.PublicBaseURL,
		})
		return s3, "", err
	default:
		base := st.PublicBaseURL
		if base == "" {
			base = "http://" + cfg.Server.Addr() + "/files"
		}
		local, err := blob.NewLocal(st.Dir, base)
		if err != nil {
			return nil, "", err
		}
		return local, local.Dir(), nil
	}
}
