// Package db manages the engine's PostgreSQL connection pools.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tradeflow/positionengine/internal/persistence"
	"github.com/tradeflow/positionengine/internal/persistence/postgres"
)

// PoolConfig sizes one connection pool.
type PoolConfig struct {
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// Config holds the database configuration. Hot and cold workloads get
// separate pools against the same DSN: the hotpath must never wait
// behind a long replay for a connection.
type Config struct {
	DSN  string     `yaml:"dsn"`
	Hot  PoolConfig `yaml:"hot"`
	Cold PoolConfig `yaml:"cold"`
}

// DefaultConfig returns pool sizes tuned for the two workloads. The
// hotpath gets a small pool with every connection kept warm, so an
// exhausted pool fails fast instead of building a queue of latency-
// sensitive trades; the coldpath gets the larger pool and may queue
// behind long replays.
func DefaultConfig() Config {
	return Config{
		Hot: PoolConfig{
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Cold: PoolConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    60 * time.Second,
		},
	}
}

// Manager owns both pools and the store bundles built on them.
type Manager struct {
	hot  *sqlx.DB
	cold *sqlx.DB
	cfg  Config
}

// NewManager opens and pings both pools.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	hot, err := openPool(ctx, cfg.DSN, cfg.Hot)
	if err != nil {
		return nil, fmt.Errorf("hot pool: %w", err)
	}
	cold, err := openPool(ctx, cfg.DSN, cfg.Cold)
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("cold pool: %w", err)
	}
	return &Manager{hot: hot, cold: cold, cfg: cfg}, nil
}

func openPool(ctx context.Context, dsn string, pc PoolConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(pc.MaxOpenConns)
	db.SetMaxIdleConns(pc.MaxIdleConns)
	db.SetConnMaxLifetime(pc.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pc.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// HotStores returns the store bundle on the hotpath pool.
func (m *Manager) HotStores() persistence.Stores {
	return postgres.NewStores(m.hot, m.cfg.Hot.QueryTimeout)
}

// ColdStores returns the store bundle on the coldpath pool.
func (m *Manager) ColdStores() persistence.Stores {
	return postgres.NewStores(m.cold, m.cfg.Cold.QueryTimeout)
}

// HotUnitOfWork returns the transactional runner on the hotpath pool.
func (m *Manager) HotUnitOfWork() persistence.UnitOfWork {
	return postgres.NewUnitOfWork(m.hot, m.cfg.Hot.QueryTimeout)
}

// ColdUnitOfWork returns the transactional runner on the coldpath pool.
func (m *Manager) ColdUnitOfWork() persistence.UnitOfWork {
	return postgres.NewUnitOfWork(m.cold, m.cfg.Cold.QueryTimeout)
}

// Migrate applies the schema using the cold pool.
func (m *Manager) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, m.cold)
}

// Ping verifies connectivity on both pools.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.hot.PingContext(ctx); err != nil {
		return fmt.Errorf("hot pool: %w", err)
	}
	if err := m.cold.PingContext(ctx); err != nil {
		return fmt.Errorf("cold pool: %w", err)
	}
	return nil
}

// Stats reports pool statistics for the health endpoint.
func (m *Manager) Stats() map[string]interface{} {
	hot, cold := m.hot.Stats(), m.cold.Stats()
	return map[string]interface{}{
		"hot": map[string]interface{}{
			"max_open":         hot.MaxOpenConnections,
			"open":             hot.OpenConnections,
			"in_use":           hot.InUse,
			"idle":             hot.Idle,
			"wait_count":       hot.WaitCount,
			"wait_duration_ms": hot.WaitDuration.Milliseconds(),
		},
		"cold": map[string]interface{}{
			"max_open":         cold.MaxOpenConnections,
			"open":             cold.OpenConnections,
			"in_use":           cold.InUse,
			"idle":             cold.Idle,
			"wait_count":       cold.WaitCount,
			"wait_duration_ms": cold.WaitDuration.Milliseconds(),
		},
	}
}

// Close releases both pools.
func (m *Manager) Close() error {
	hotErr := m.hot.Close()
	coldErr := m.cold.Close()
	if hotErr != nil {
		return hotErr
	}
	return coldErr
}
