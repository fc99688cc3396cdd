package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baldanca/batch-listener/source"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool used by Postgres.
type PostgresConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Postgres stores every message of a batch as one row, inside a single
// database transaction. The table needs the columns
// (message_id text primary key, payload bytea, attributes jsonb,
// received_at timestamptz). Redelivered messages are ignored on conflict.
type Postgres struct {
	pool  txBeginner
	table string
	now   func() time.Time
}

// NewPostgres connects a pool using cfg.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p, err := NewPostgresWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgresWithPool builds a Postgres listener on an existing pool.
func NewPostgresWithPool(pool txBeginner, table string) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "batch_messages"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Postgres{pool: pool, table: table, now: time.Now}, nil
}

func (p *Postgres) OnBatch(ctx context.Context, msgs []source.Message) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (message_id, payload, attributes, received_at) VALUES ($1, $2, $3, $4) ON CONFLICT (message_id) DO NOTHING`,
		p.table,
	)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres tx: %w", err)
	}

	receivedAt := p.now().UTC()
	for _, m := range msgs {
		d := m.Data()
		attrs, err := json.Marshal(d.Attributes)
		if err != nil {
			return p.rollback(ctx, tx, fmt.Errorf("marshal attributes id=%s: %w", m.ID(), err))
		}
		if _, err := tx.Exec(ctx, query, m.ID(), d.Payload, attrs, receivedAt); err != nil {
			return p.rollback(ctx, tx, fmt.Errorf("insert message id=%s: %w", m.ID(), err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres tx: %w", err)
	}
	return nil
}

func (p *Postgres) rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback postgres tx: %w", err))
	}
	return cause
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
