package sink

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"
)

// sqliteTuning is applied when ZKBOT_SQLITE_TUNING is on. The reconciler's
// lookup goroutines and the snapshot job write concurrently, hence the busy
// timeout.
var sqliteTuning = []struct{ name, value string }{
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"temp_store", "MEMORY"},
	{"cache_size", "-8000"},
}

// tuneSQLite sets each pragma and reads it back. Failures are collected, not
// fatal: an untuned database still works.
func tuneSQLite(ctx context.Context, db *sql.DB) map[string]string {
	applied := make(map[string]string, len(sqliteTuning))
	for _, p := range sqliteTuning {
		if _, err := db.ExecContext(ctx, "PRAGMA "+p.name+"="+p.value+";"); err != nil {
			slog.Warn("sink: sqlite pragma", "pragma", p.name, "err", errors.Wrap(err, "set"))
			continue
		}
		var got string
		if err := db.QueryRowContext(ctx, "PRAGMA "+p.name+";").Scan(&got); err != nil {
			slog.Warn("sink: sqlite pragma", "pragma", p.name, "err", errors.Wrap(err, "read back"))
			continue
		}
		applied[p.name] = got
	}
	slog.Info("sink: sqlite tuned", "pragmas", applied)
	return applied
}
