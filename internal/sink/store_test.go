package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

func sampleRecords() []core.UserRecord {
	return []core.UserRecord{
		{Name: "ana", UserID: "1", Status: core.FollowedOn(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), Color: "\033[92m", Nickname: "Anita"},
		{Name: "bob", UserID: "2", Status: core.Renegado, Color: "\033[94m"},
		{Name: "cid", Status: core.Visita, Color: "\033[96m"},
	}
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "zkbot.db"), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.SaveSnapshot(ctx, sampleRecords()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected users without id to be skipped, got %+v", got)
	}
	if got[0].Name != "ana" || !got[0].Status.IsDate() || got[0].Nickname != "Anita" || got[0].Color != "\033[92m" {
		t.Fatalf("ana = %+v", got[0])
	}
	if got[1].Status != core.Renegado {
		t.Fatalf("bob = %+v", got[1])
	}
}

func TestSQLiteUpsertRenameAndReuse(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "zkbot.db"), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Upsert(ctx, core.UserRecord{Name: "bob", UserID: "2", Status: core.New}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Same account renamed.
	if err := store.Upsert(ctx, core.UserRecord{Name: "bobby", UserID: "2", Status: core.Visita}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	// The old login is picked up by a different account.
	if err := store.Upsert(ctx, core.UserRecord{Name: "bob", UserID: "9", Status: core.New}); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	got, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Name != "bob" || got[0].UserID != "9" || got[1].Name != "bobby" || got[1].Status != core.Visita {
		t.Fatalf("rows = %+v", got)
	}
}

func TestSQLiteTokens(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "zkbot.db"), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	_ = store.SaveToken(ctx, Token{UserID: "200", Token: "a", Refresh: "r1"})
	if err := store.SaveToken(ctx, Token{UserID: "200", Token: "b", Refresh: "r2"}); err != nil {
		t.Fatalf("save token: %v", err)
	}
	toks, err := store.LoadTokens(ctx)
	if err != nil {
		t.Fatalf("load tokens: %v", err)
	}
	if len(toks) != 1 || toks[0].Token != "b" || toks[0].Refresh != "r2" {
		t.Fatalf("tokens = %+v", toks)
	}
}

func TestJSONStoreLegacyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user_data_twitch.json")
	legacy := `{
    "Ana": {"id": "1", "follow_date": "01-01-2024", "color": "\u001b[92m", "nickname": ""},
    "bob": {"id": "2", "follow_date": "Renegado", "color": "\u001b[94m", "nickname": "B"}
}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := OpenJSON(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].Name != "ana" || got[0].Status.String() != "2024-01-01" || got[1].Nickname != "B" {
		t.Fatalf("records = %+v", got)
	}
}

func TestJSONStoreSaveAndUpsert(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "users.json")
	store, err := OpenJSON(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SaveSnapshot(ctx, sampleRecords()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Upsert(ctx, core.UserRecord{Name: "Dora", Status: core.New, Color: "x"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("file is not the legacy shape: %v", err)
	}
	if raw["ana"]["follow_date"] != "2024-01-01" || raw["cid"]["follow_date"] != "Visita" || raw["dora"]["follow_date"] != "New" {
		t.Fatalf("file = %v", raw)
	}
	if _, ok := raw["ana"]["id"]; !ok {
		t.Fatalf("missing id key: %v", raw["ana"])
	}

	reopened, _ := OpenJSON(path)
	got, err := reopened.LoadSnapshot(ctx)
	if err != nil || len(got) != 4 {
		t.Fatalf("reload = %d records, err %v", len(got), err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open(context.Background(), Options{Kind: "redis"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ZKBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ZKBOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if err := store.SaveSnapshot(ctx, sampleRecords()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, rec := range got {
		if rec.Name == "ana" && rec.Nickname == "Anita" {
			found = true
		}
	}
	if !found {
		t.Fatalf("ana missing from %+v", got)
	}
}

func TestSQLiteTuning(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "zkbot.db"), false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	got := tuneSQLite(context.Background(), store.DB())
	if got["busy_timeout"] != "5000" {
		t.Fatalf("busy_timeout = %q", got["busy_timeout"])
	}
	if got["synchronous"] != "1" {
		t.Fatalf("synchronous = %q, want 1 (NORMAL)", got["synchronous"])
	}
	if len(got) != len(sqliteTuning) {
		t.Fatalf("applied %v", got)
	}
}
