package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/you/zkleis-bot/internal/presence"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// legacyDateGlob matches the DD-MM-YYYY follow dates older snapshots wrote.
const legacyDateGlob = `[0-9][0-9]-[0-9][0-9]-[0-9][0-9][0-9][0-9]`

// migrateSQLite brings a usuarios table created by older deployments up to
// the current shape: every column present, no NULLs, ISO dates, a colour
// for every user.
func migrateSQLite(ctx context.Context, db *sql.DB, color func() string) error {
	if color == nil {
		color = presence.RandomColor
	}
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}

	log.Printf("zkbot: sqlite: path=%s user_version=%d", path, userVersion)

	columns, err := sqliteTableInfo(ctx, db, "usuarios")
	if err != nil {
		return fmt.Errorf("sqlite: describe usuarios: %w", err)
	}
	if len(columns) == 0 {
		log.Printf("zkbot: sqlite: usuarios table missing; skipping migration")
		return nil
	}

	for _, col := range []string{"nickname", "follow_date", "color"} {
		if _, ok := columns[col]; ok {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE usuarios ADD COLUMN %s TEXT NOT NULL DEFAULT '';`, col)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure %s column: %w", col, err)
		}
		log.Printf("zkbot: sqlite: added %s column to usuarios", col)
	}

	normalize := []struct {
		query string
		label string
	}{
		{`UPDATE usuarios SET nickname='' WHERE nickname IS NULL;`, "nickname"},
		{`UPDATE usuarios SET follow_date='' WHERE follow_date IS NULL;`, "follow_date"},
		{`UPDATE usuarios SET color='' WHERE color IS NULL;`, "color"},
		{`UPDATE usuarios SET follow_date =
    substr(follow_date, 7, 4) || '-' || substr(follow_date, 4, 2) || '-' || substr(follow_date, 1, 2)
  WHERE follow_date GLOB '` + legacyDateGlob + `';`, "legacy dates"},
	}
	for _, step := range normalize {
		res, execErr := db.ExecContext(ctx, step.query)
		if execErr != nil {
			return fmt.Errorf("sqlite: normalize %s: %w", step.label, execErr)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			log.Printf("zkbot: sqlite: normalized %s rows=%d", step.label, n)
		}
	}

	filled, err := fillColors(ctx, db, color)
	if err != nil {
		return err
	}

	var users int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usuarios;`).Scan(&users); err != nil {
		return fmt.Errorf("sqlite: count usuarios: %w", err)
	}
	hasIndex, err := sqliteHasUniqueName(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: inspect indices: %w", err)
	}

	log.Printf("zkbot: sqlite: users=%d colors_filled=%d user_name_unique=%v", users, filled, hasIndex)
	return nil
}

func fillColors(ctx context.Context, db *sql.DB, color func() string) (int, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_name FROM usuarios WHERE color = '';`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: select colourless users: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: scan user: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, name := range names {
		if _, err := db.ExecContext(ctx, `UPDATE usuarios SET color = ? WHERE user_name = ?;`, color(), name); err != nil {
			return 0, fmt.Errorf("sqlite: set color for %s: %w", name, err)
		}
	}
	return len(names), nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// sqliteHasUniqueName reports whether some unique index covers user_name.
func sqliteHasUniqueName(ctx context.Context, db *sql.DB) (bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA index_list('usuarios');`)
	if err != nil {
		return false, err
	}
	var uniques []string
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return false, err
		}
		if unique == 1 {
			uniques = append(uniques, name)
		}
	}
	rows.Close()

	for _, idx := range uniques {
		var (
			seqno int
			cid   int
			col   sql.NullString
		)
		if err := db.QueryRowContext(ctx, fmt.Sprintf(`PRAGMA index_info('%s');`, idx)).Scan(&seqno, &cid, &col); err != nil {
			continue
		}
		if strings.EqualFold(col.String, "user_name") {
			return true, nil
		}
	}
	return false, nil
}
