package sink

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/you/zkleis-bot/internal/core"
)

// Snapshotter loads and saves the whole user table.
type Snapshotter interface {
	LoadSnapshot(ctx context.Context) ([]core.UserRecord, error)
	SaveSnapshot(ctx context.Context, records []core.UserRecord) error
}

// Store is a persistence backend for user records.
type Store interface {
	Snapshotter
	Upsert(ctx context.Context, rec core.UserRecord) error
	Ping(ctx context.Context) error
	Close() error
}

// Token is one stored OAuth credential pair.
type Token struct {
	UserID  string
	Token   string
	Refresh string
}

// TokenStore persists OAuth tokens keyed by user id.
type TokenStore interface {
	SaveToken(ctx context.Context, tok Token) error
	LoadTokens(ctx context.Context) ([]Token, error)
}

// Kind names a configured backend.
const (
	KindJSON     = "json"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

type Options struct {
	Kind        string
	JSONPath    string
	SQLitePath  string
	PostgresDSN string
	// SQLiteTuning applies the optional pragma set.
	SQLiteTuning bool
}

// Open returns the backend selected by opts.Kind.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", KindJSON:
		return OpenJSON(opts.JSONPath)
	case KindSQLite:
		return OpenSQLite(opts.SQLitePath, opts.SQLiteTuning)
	case KindPostgres:
		return OpenPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("sink: unknown store kind %q", opts.Kind)
	}
}

// row is the column form shared by the SQL backends.
type row struct {
	id       string
	name     string
	nickname string
	follow   string
	color    string
}

func toRow(rec core.UserRecord) row {
	return row{
		id:       rec.UserID,
		name:     core.NormalizeName(rec.Name),
		nickname: rec.Nickname,
		follow:   rec.Status.String(),
		color:    rec.Color,
	}
}

func (r row) record() core.UserRecord {
	status, err := core.ParseFollowStatus(r.follow)
	if err != nil {
		log.Printf("sink: user %s: %v; status reset", r.name, err)
	}
	return core.UserRecord{
		UserID:   r.id,
		Name:     core.NormalizeName(r.name),
		Status:   status,
		Color:    r.color,
		Nickname: r.nickname,
	}
}
