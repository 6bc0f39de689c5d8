package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/you/zkleis-bot/internal/config"
	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/httpapi"
	"github.com/you/zkleis-bot/internal/presence"
	"github.com/you/zkleis-bot/internal/sink"
	"github.com/you/zkleis-bot/internal/twitch"
	"github.com/you/zkleis-bot/internal/twitchapi"
)

type importStats struct {
	Read    int `json:"read"`
	Written int `json:"written"`
	Skipped int `json:"skipped"`
	Colored int `json:"colored"`
}

// importUsers copies every record from src into dst. SQL backends key rows
// by user id, so id-less records are skipped for them.
func importUsers(ctx context.Context, src sink.Snapshotter, dst sink.Snapshotter, requireID bool, color func() string) (importStats, error) {
	var stats importStats
	records, err := src.LoadSnapshot(ctx)
	if err != nil {
		return stats, err
	}
	stats.Read = len(records)
	if color == nil {
		color = presence.RandomColor
	}
	out := make([]core.UserRecord, 0, len(records))
	for _, rec := range records {
		if requireID && rec.UserID == "" {
			stats.Skipped++
			continue
		}
		if rec.Color == "" {
			rec.Color = color()
			stats.Colored++
		}
		if rec.Status.IsZero() {
			rec.Status = core.New
		}
		out = append(out, rec)
	}
	if err := dst.SaveSnapshot(ctx, out); err != nil {
		return stats, err
	}
	stats.Written = len(out)
	return stats, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		envFile   string
		from      string
		to        string
		sqlite    string
		dsn       string
		exportDir string
		serve     string
	)

	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file merged into the environment")
	flag.StringVar(&from, "from", "user_data_twitch.json", "Legacy JSON snapshot to import")
	flag.StringVar(&to, "to", sink.KindSQLite, "Target backend: sqlite or postgres")
	flag.StringVar(&sqlite, "sqlite", "zkbot.db", "Target SQLite database path")
	flag.StringVar(&dsn, "pg", "", "Target Postgres DSN (defaults to ZKBOT_POSTGRES_DSN)")
	flag.StringVar(&exportDir, "export-followers", "", "Write the follower CSV into this directory and exit")
	flag.StringVar(&serve, "serve", "", "After importing, serve the target table read-only on this address")
	flag.Parse()

	if err := config.LoadEnvFiles(envFile); err != nil {
		log.Printf("zkimport: env file %s: %v", envFile, err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if exportDir != "" {
		if err := exportFollowers(ctx, cfg, exportDir); err != nil {
			log.Fatalf("zkimport: export followers: %v", err)
		}
		return
	}

	if dsn == "" {
		dsn = cfg.Store.PostgresDSN
	}
	src, err := sink.OpenJSON(from)
	if err != nil {
		log.Fatalf("zkimport: open %s: %v", from, err)
	}
	dst, err := sink.Open(ctx, sink.Options{Kind: to, SQLitePath: sqlite, PostgresDSN: dsn})
	if err != nil {
		log.Fatalf("zkimport: open target: %v", err)
	}
	defer dst.Close()
	if err := dst.Ping(ctx); err != nil {
		log.Fatalf("zkimport: ping target: %v", err)
	}

	stats, err := importUsers(ctx, src, dst, to != sink.KindJSON, nil)
	if err != nil {
		log.Fatalf("zkimport: import: %v", err)
	}
	log.Printf("zkimport: read=%d written=%d skipped_without_id=%d colored=%d", stats.Read, stats.Written, stats.Skipped, stats.Colored)

	if serve != "" {
		serveUsers(serve, dst)
	}
}

func exportFollowers(ctx context.Context, cfg config.Config, dir string) error {
	token := twitch.NormalizeToken(cfg.Twitch.Token)
	if cfg.Twitch.TokenFile != "" {
		if t, _, err := twitch.NewAccessFile(cfg.Twitch.TokenFile).Read(); err == nil {
			token = t
		}
	}
	api, err := twitchapi.New(twitchapi.Config{
		ClientID:      cfg.Twitch.ClientID,
		Token:         token,
		BroadcasterID: cfg.Twitch.BroadcasterID,
		RPS:           float64(cfg.Twitch.LookupRPS),
	})
	if err != nil {
		return err
	}
	if api.BroadcasterID() == "" {
		id, ok, err := api.ResolveUserID(ctx, cfg.Twitch.Channel)
		if err != nil {
			return err
		}
		if !ok {
			return twitchapi.ErrNotFound
		}
		api, err = twitchapi.New(twitchapi.Config{
			ClientID:      cfg.Twitch.ClientID,
			Token:         token,
			BroadcasterID: id,
			RPS:           float64(cfg.Twitch.LookupRPS),
		})
		if err != nil {
			return err
		}
	}
	path, err := api.ExportFollowersCSV(ctx, dir, time.Now())
	if err != nil {
		return err
	}
	log.Printf("zkimport: followers written to %s", path)
	return nil
}

// serveUsers exposes the imported table for a quick look before switching
// the bot over.
func serveUsers(addr string, store sink.Snapshotter) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		filters, err := httpapi.FiltersFromRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		records, err := store.LoadSnapshot(r.Context())
		if err != nil {
			http.Error(w, "list failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		type userRow struct {
			Name string `json:"name"`
			core.UserRecord
		}
		rows := make([]userRow, 0, len(records))
		for _, rec := range filters.Apply(records, nil) {
			rows = append(rows, userRow{Name: rec.Name, UserRecord: rec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rows)
	})
	mux.HandleFunc("GET /count", func(w http.ResponseWriter, r *http.Request) {
		records, err := store.LoadSnapshot(r.Context())
		if err != nil {
			http.Error(w, "count failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"count": len(records)})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log.Printf("zkimport: serving %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("zkimport: %v", err)
		os.Exit(1)
	}
}
