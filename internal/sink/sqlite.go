package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/zkleis-bot/internal/core"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS usuarios (
  id_user TEXT PRIMARY KEY,
  user_name TEXT UNIQUE NOT NULL,
  nickname TEXT NOT NULL DEFAULT '',
  follow_date TEXT NOT NULL DEFAULT '',
  color TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tokens (
  user_id TEXT PRIMARY KEY,
  token TEXT NOT NULL,
  refresh TEXT NOT NULL
);`

// SQLiteStore keeps users in the usuarios table. Rows are keyed by Twitch
// user id, so records without an id are not persisted.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string, tuning bool) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if tuning {
		tuneSQLite(context.Background(), db)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for schema migration.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertSQLite(ctx context.Context, db execer, r row) error {
	// A login can move to a new account; the stale row gives way.
	if _, err := db.ExecContext(ctx, `DELETE FROM usuarios WHERE user_name = ? AND id_user != ?;`, r.name, r.id); err != nil {
		return errors.Wrap(err, "release user_name")
	}
	const q = `INSERT INTO usuarios (id_user, user_name, nickname, follow_date, color)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id_user) DO UPDATE SET
  user_name = excluded.user_name,
  nickname = excluded.nickname,
  follow_date = excluded.follow_date,
  color = excluded.color;`
	_, err := db.ExecContext(ctx, q, r.id, r.name, r.nickname, r.follow, r.color)
	return errors.Wrap(err, "upsert user")
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec core.UserRecord) error {
	r := toRow(rec)
	if r.id == "" || r.name == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := upsertSQLite(ctx, tx, r); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) ([]core.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id_user, user_name, COALESCE(nickname, ''), COALESCE(follow_date, ''), COALESCE(color, '') FROM usuarios ORDER BY user_name;`)
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
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return out, nil
}

// SaveSnapshot upserts every record in one transaction. Rows for users no
// longer in memory are left alone.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, records []core.UserRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	skipped := 0
	for _, rec := range records {
		r := toRow(rec)
		if r.id == "" || r.name == "" {
			skipped++
			continue
		}
		if err := upsertSQLite(ctx, tx, r); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "save %s", r.name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit snapshot")
	}
	if skipped > 0 {
		log.Printf("sink: sqlite: %d users without id not saved", skipped)
	}
	return nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, tok Token) error {
	const q = `INSERT INTO tokens (user_id, token, refresh)
VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
  token = excluded.token,
  refresh = excluded.refresh;`
	_, err := s.db.ExecContext(ctx, q, tok.UserID, tok.Token, tok.Refresh)
	return errors.Wrap(err, "upsert token")
}

func (s *SQLiteStore) LoadTokens(ctx context.Context) ([]Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, token, refresh FROM tokens ORDER BY user_id;`)
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
