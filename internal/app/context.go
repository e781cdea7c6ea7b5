package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"showline/internal/cache"
	"showline/internal/config"
	"showline/internal/db"
	"showline/internal/engine"
	"showline/internal/migrate"
	"showline/internal/repo"
)

// Workspace is an opened showline workspace: its config, database and a
// wired engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine

	closers []func() error
}

// Open prepares the workspace directory, loads showline.yml (defaults when
// absent), migrates the database and connects the configured readiness cache.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	ws := &Workspace{Dir: dir, Config: cfg, DB: conn, closers: []func() error{conn.Close}}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		ws.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, closeStore, err := NewCacheStore(ctx, cfg)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if closeStore != nil {
		ws.closers = append(ws.closers, closeStore)
	}
	ws.Engine = engine.New(conn, cfg, store)
	if logger != nil {
		ws.Engine.Logger = logger
	}
	return ws, nil
}

// NewCacheStore builds the readiness cache named by cfg.Cache.Backend. The
// returned closer is nil for the in-process store.
func NewCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, func() error, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemory(cfg.CacheTTL()), nil, nil
	case "redis":
		rc := cfg.Cache.Redis
		store := cache.NewRedis(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}, rc.Prefix, cfg.CacheTTL())
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("connect redis cache at %s: %w", rc.Addr, err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// Close releases the cache connection and the database, newest first.
func (w *Workspace) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// ResolveProject returns override when set, otherwise the only project in
// the workspace.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	p, err := r.SingleProject(ctx)
	if err != nil {
		return "", fmt.Errorf("project not specified; use --project (%w)", err)
	}
	return p.ID, nil
}
