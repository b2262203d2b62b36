package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"btcwatch/internal/config"
	"btcwatch/internal/dedup"
	"btcwatch/internal/engine"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotActive is returned when a rule exists but is no longer active,
	// typically because it was acknowledged while a cycle was in flight.
	ErrNotActive = errors.New("storage: alert not active")
)

// AlertStore persists user alert rules.
type AlertStore interface {
	CreateAlert(ctx context.Context, rule engine.Rule) (engine.Rule, error)
	GetAlert(ctx context.Context, id int64) (engine.Rule, error)
	// ActiveAlerts lists active rules; an empty owner lists every owner.
	ActiveAlerts(ctx context.Context, owner string) ([]engine.Rule, error)
	ListAlerts(ctx context.Context, owner string) ([]engine.Rule, error)
	// IncrementRetry only touches active rules; it returns ErrNotActive for
	// acknowledged ones.
	IncrementRetry(ctx context.Context, id int64, at time.Time) error
	AcknowledgeAlert(ctx context.Context, id int64, notes string, at time.Time) (bool, error)
	DeleteAlert(ctx context.Context, id int64, owner string) (bool, error)
}

// ConfigStore persists per-owner quiet-hours records.
type ConfigStore interface {
	// QuietHours returns the owner's record, creating the default one on first use.
	QuietHours(ctx context.Context, owner string) (engine.QuietHours, error)
	UpdateQuietHours(ctx context.Context, qh engine.QuietHours) error
}

// HistoryStore persists delivered notifications.
type HistoryStore interface {
	RecordHistory(ctx context.Context, rec HistoryRecord) (HistoryRecord, error)
	ListRecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	ListHistoryBetween(ctx context.Context, from, to time.Time) ([]HistoryRecord, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	AlertStore
	ConfigStore
	HistoryStore
	dedup.Cache
	Ping(ctx context.Context) error
	Close() error
}

// Locker is implemented by backends that can coordinate several processes.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Open selects the backend named by cfg.Driver. defaults seed quiet-hours
// rows created on first lookup.
func Open(ctx context.Context, cfg config.DatabaseConfig, defaults engine.QuietHours) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, defaults)
	case "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewPostgres(pool, defaults)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case "none", "":
		return NewMemory(defaults), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

func defaultQuietHours(owner string, defaults engine.QuietHours) engine.QuietHours {
	qh := defaults
	qh.ChatID = owner
	if qh.Timezone == "" {
		qh.Timezone = "America/Sao_Paulo"
	}
	if qh.Language == "" {
		qh.Language = "pt_BR"
	}
	return qh
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}
