package sink

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/zkleis-bot/internal/core"
)

var postgresSchema = []string{`CREATE TABLE IF NOT EXISTS usuarios (
  id_user TEXT PRIMARY KEY,
  user_name TEXT UNIQUE NOT NULL,
  nickname TEXT NOT NULL DEFAULT '',
  follow_date TEXT NOT NULL DEFAULT '',
  color TEXT NOT NULL DEFAULT '',
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, `CREATE TABLE IF NOT EXISTS tokens (
  user_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  refresh TEXT NOT NULL
)`}

const (
	pgReleaseName = `DELETE FROM usuarios WHERE user_name = $1 AND id_user <> $2`
	pgUpsertUser  = `INSERT INTO usuarios (id_user, user_name, nickname, follow_date, color, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id_user) DO UPDATE SET
  user_name = EXCLUDED.user_name,
  nickname = EXCLUDED.nickname,
  follow_date = EXCLUDED.follow_date,
  color = EXCLUDED.color,
  updated_at = now()`
)

// PostgresStore is the usuarios table on a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}
	log.Printf("sink: postgres ready")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Upsert(ctx context.Context, rec core.UserRecord) error {
	r := toRow(rec)
	if r.id == "" || r.name == "" {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgReleaseName, r.name, r.id); err != nil {
			return errors.Wrap(err, "release user_name")
		}
		_, err := tx.Exec(ctx, pgUpsertUser, r.id, r.name, r.nickname, r.follow, r.color)
		return errors.Wrap(err, "upsert user")
	})
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) ([]core.UserRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id_user, user_name, nickname, follow_date, color FROM usuarios ORDER BY user_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	var out []core.UserRecord
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.name, &r.nickname, &r.follow, &r.color); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		out = append(out, r.record())
	}
	return out, errors.Wrap(rows.Err(), "iterate users")
}

// SaveSnapshot sends every upsert in one batch inside a transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, records []core.UserRecord) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		r := toRow(rec)
		if r.id == "" || r.name == "" {
			continue
		}
		batch.Queue(pgReleaseName, r.name, r.id)
		batch.Queue(pgUpsertUser, r.id, r.name, r.nickname, r.follow, r.color)
	}
	if batch.Len() == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return errors.Wrap(tx.SendBatch(ctx, batch).Close(), "save snapshot")
	})
}

func (s *PostgresStore) SaveToken(ctx context.Context, tok Token) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO tokens (user_id, token, refresh) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO UPDATE SET token = EXCLUDED.token, refresh = EXCLUDED.refresh`,
		tok.UserID, tok.Token, tok.Refresh)
	return errors.Wrap(err, "upsert token")
}

func (s *PostgresStore) LoadTokens(ctx context.Context) ([]Token, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, token, refresh FROM tokens ORDER BY user_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list tokens")
	}
	defer rows.Close()
	var out []Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(&t.UserID, &t.Token, &t.Refresh); err != nil {
			return nil, errors.Wrap(err, "scan token")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate tokens")
}
