// Package app wires the store, repository, engine and identity service into
// one explicit application context.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/events"
	"taskdesk/internal/identity"
	"taskdesk/internal/kv"
	"taskdesk/internal/metrics"
	"taskdesk/internal/migrate"
	"taskdesk/internal/repo"
)

// App owns every component for one store. Mutating calls go through Do so
// concurrent callers keep the single-writer model of the collections.
type App struct {
	mu sync.Mutex

	Config   *config.Config
	Store    kv.Store
	Repo     repo.Repo
	Events   events.Writer
	Engine   engine.Engine
	Identity identity.Service
	Logger   *zap.Logger
}

// OpenStore opens the backend selected by cfg.Storage.Driver.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string) (kv.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite, "":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return kv.NewSQLite(conn), nil
	case config.DriverRedis:
		return kv.NewRedis(ctx, cfg.Storage.RedisURL, "")
	case config.DriverMemory:
		return kv.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// New builds the components over an open store.
func New(store kv.Store, cfg *config.Config, logger *zap.Logger) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.New(store, cfg.Storage.KeyPrefix, logger.Named("repo"))
	for _, d := range cfg.Seed.Departments {
		r.Seed = append(r.Seed, domain.Department{ID: d.ID, Name: d.Name})
	}
	w := events.Writer{Repo: r, Now: time.Now, Max: cfg.Events.MaxEntries}

	eng := engine.New(r, logger.Named("engine"))
	eng.Events = w
	ids := identity.New(r, logger.Named("identity"))
	ids.Events = w

	return &App{
		Config:   cfg,
		Store:    store,
		Repo:     r,
		Events:   w,
		Engine:   eng,
		Identity: ids,
		Logger:   logger,
	}
}

// Open opens the configured store, builds the App and seeds it.
func Open(ctx context.Context, cfg *config.Config, workspace string, logger *zap.Logger) (*App, error) {
	store, err := OpenStore(ctx, cfg, workspace)
	if err != nil {
		return nil, err
	}
	a := New(store, cfg, logger)
	if err := a.Bootstrap(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// Bootstrap seeds departments and the super admin when absent.
func (a *App) Bootstrap(ctx context.Context) error {
	return a.Do(func() error {
		if _, err := a.Repo.Departments(ctx); err != nil {
			return fmt.Errorf("seed departments: %w", err)
		}
		sa := a.Config.Seed.SuperAdmin
		if _, err := a.Identity.SeedSuperAdmin(ctx, identity.SuperAdminSeed{
			ID:           sa.ID,
			Name:         sa.Name,
			Email:        sa.Email,
			DepartmentID: sa.DepartmentID,
		}); err != nil {
			return fmt.Errorf("seed super admin: %w", err)
		}
		pending, err := a.Identity.PendingUsers(ctx)
		if err != nil {
			return fmt.Errorf("count pending users: %w", err)
		}
		metrics.SetPendingUsers(len(pending))
		return nil
	})
}

// Do runs fn while holding the writer lock.
func (a *App) Do(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
