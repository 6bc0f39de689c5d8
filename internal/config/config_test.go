package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"ZKBOT_CHANNEL", "BROADCASTER", "ZKBOT_BROADCASTER_ID", "BROADCASTER_ID",
	"ZKBOT_NICK", "BOT", "ZKBOT_BOT_ID", "BOT_ID",
	"ZKBOT_TOKEN", "TTG_BOT_TOKEN", "ZKBOT_TOKEN_FILE",
	"ZKBOT_CLIENT_ID", "TTG_BOT_CLIENT_ID", "CLIENT_ID_APP",
	"ZKBOT_CLIENT_SECRET", "CLIENT_SECRET_APP",
	"ZKBOT_REFRESH_TOKEN", "ZKBOT_REFRESH_TOKEN_FILE",
	"ZKBOT_IRC_ENABLED", "ZKBOT_EVENTSUB_ENABLED", "ZKBOT_TLS",
	"ZKBOT_RECONNECT_DELAY_MS", "ZKBOT_RECONNECT_MAX", "ZKBOT_LOOKUP_RPS",
	"ZKBOT_BOTS", "ZKBOT_BOTS_FILE",
	"ZKBOT_STORE", "ZKBOT_JSON_PATH", "ZKBOT_SQLITE_PATH", "ZKBOT_SQLITE_TUNING",
	"ZKBOT_POSTGRES_DSN", "DATABASE_URL", "ZKBOT_BATCH_SIZE", "ZKBOT_FLUSH_MAX_MS",
	"ZKBOT_EXPORT_DIR", "ZKBOT_COMMAND_PREFIX",
	"ZKBOT_AI_KEY", "IA_API", "ZKBOT_AI_MODEL", "ZKBOT_HISTORY_DIR", "ZKBOT_AI_TURNS",
	"ZKBOT_HTTP_ADDR", "ZKBOT_ADMIN_TOKEN", "ZKBOT_HTTP_RPS", "ZKBOT_HTTP_BURST",
	"ZKBOT_CORS_ORIGINS", "ZKBOT_ACCESS_LOG",
}

// cron keys are unset rather than emptied so defaults apply.
var specKeys = []string{"ZKBOT_SNAPSHOT_CRON", "ZKBOT_EXPORT_CRON", "ZKBOT_VIEWER_CRON"}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
	for _, k := range specKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.Store.Kind != "json" || cfg.Store.JSONPath != "user_data_twitch.json" || cfg.Store.SQLitePath != "zkbot.db" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Batch() != 1 {
		t.Fatalf("expected default batch size 1, got %d", cfg.Batch())
	}
	if cfg.FlushInterval() != 0 {
		t.Fatalf("expected zero flush interval, got %s", cfg.FlushInterval())
	}
	if !cfg.Twitch.IRCEnabled || !cfg.Twitch.EventSubEnabled || !cfg.Twitch.TLS {
		t.Fatalf("expected both channels and TLS enabled: %+v", cfg.Twitch)
	}
	if cfg.ReconnectDelay() != 5*time.Second || cfg.Twitch.ReconnectMax != 5 {
		t.Fatalf("reconnect defaults: %s / %d", cfg.ReconnectDelay(), cfg.Twitch.ReconnectMax)
	}
	if cfg.Jobs.SnapshotSpec != "@every 5m" || cfg.Jobs.ExportSpec != "" || cfg.Jobs.ViewerSpec != "@every 3m" {
		t.Fatalf("jobs defaults: %+v", cfg.Jobs)
	}
	if cfg.Commands.Prefix != "?" || cfg.AI.Model != "gemini-2.0-flash-lite" || cfg.AI.HistoryDir != "chat_gemi" {
		t.Fatalf("command/ai defaults: %+v %+v", cfg.Commands, cfg.AI)
	}
	if cfg.HTTP.Addr != "" {
		t.Fatalf("http should be off by default: %q", cfg.HTTP.Addr)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ZKBOT_CHANNEL", "ZKleis")
	t.Setenv("ZKBOT_NICK", "Gemi_Bot")
	t.Setenv("ZKBOT_TOKEN", "oauth:abc")
	t.Setenv("ZKBOT_CLIENT_ID", "cid")
	t.Setenv("ZKBOT_CLIENT_SECRET", "secret")
	t.Setenv("ZKBOT_REFRESH_TOKEN_FILE", "/run/refresh")
	t.Setenv("ZKBOT_TLS", "false")
	t.Setenv("ZKBOT_EVENTSUB_ENABLED", "0")
	t.Setenv("ZKBOT_STORE", "SQLite")
	t.Setenv("ZKBOT_SQLITE_PATH", "/data/zk.db")
	t.Setenv("ZKBOT_BATCH_SIZE", "25")
	t.Setenv("ZKBOT_FLUSH_MAX_MS", "250")
	t.Setenv("ZKBOT_EXPORT_CRON", "0 4 * * *")
	t.Setenv("ZKBOT_VIEWER_CRON", "off")
	t.Setenv("ZKBOT_BOTS", "nightbot, StreamElements;nightbot")

	cfg := Load()
	if cfg.Twitch.Channel != "zkleis" || cfg.Twitch.Nick != "gemi_bot" {
		t.Fatalf("channel/nick = %q/%q", cfg.Twitch.Channel, cfg.Twitch.Nick)
	}
	if cfg.Twitch.TLS || cfg.Twitch.EventSubEnabled || !cfg.Twitch.IRCEnabled {
		t.Fatalf("twitch flags: %+v", cfg.Twitch)
	}
	if !cfg.RefreshEnabled() {
		t.Fatal("expected refresh enabled")
	}
	if cfg.Store.Kind != "sqlite" || cfg.Store.SQLitePath != "/data/zk.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Batch() != 25 || cfg.FlushInterval() != 250*time.Millisecond {
		t.Fatalf("batch/flush = %d/%s", cfg.Batch(), cfg.FlushInterval())
	}
	if cfg.Jobs.ExportSpec != "0 4 * * *" || cfg.Jobs.ViewerSpec != "" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if len(cfg.Bots) != 2 {
		t.Fatalf("bots = %v", cfg.Bots)
	}
}

func TestLegacyFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROADCASTER", "zkleis")
	t.Setenv("BROADCASTER_ID", "123")
	t.Setenv("BOT", "gemi")
	t.Setenv("BOT_ID", "456")
	t.Setenv("TTG_BOT_TOKEN", "legacytoken")
	t.Setenv("CLIENT_ID_APP", "appid")
	t.Setenv("CLIENT_SECRET_APP", "appsecret")
	t.Setenv("IA_API", "gemini-key")
	t.Setenv("DATABASE_URL", "postgres://db")

	cfg := Load()
	if cfg.Twitch.Channel != "zkleis" || cfg.Twitch.LegacyChannelEnv != "BROADCASTER" {
		t.Fatalf("channel = %q (%q)", cfg.Twitch.Channel, cfg.Twitch.LegacyChannelEnv)
	}
	if cfg.Twitch.BroadcasterID != "123" || cfg.Twitch.BotID != "456" || cfg.Twitch.Nick != "gemi" {
		t.Fatalf("ids = %+v", cfg.Twitch)
	}
	if cfg.Twitch.Token != "legacytoken" || cfg.Twitch.LegacyTokenEnv != "TTG_BOT_TOKEN" {
		t.Fatalf("token = %q (%q)", cfg.Twitch.Token, cfg.Twitch.LegacyTokenEnv)
	}
	if cfg.Twitch.ClientID != "appid" || cfg.Twitch.LegacyClientIDEnv != "CLIENT_ID_APP" || cfg.Twitch.ClientSecret != "appsecret" {
		t.Fatalf("client = %q (%q) %q", cfg.Twitch.ClientID, cfg.Twitch.LegacyClientIDEnv, cfg.Twitch.ClientSecret)
	}
	if cfg.AI.Key != "gemini-key" || cfg.Store.PostgresDSN != "postgres://db" {
		t.Fatalf("ai/dsn = %q/%q", cfg.AI.Key, cfg.Store.PostgresDSN)
	}

	t.Setenv("ZKBOT_TOKEN", "newtoken")
	if got := Load().Twitch; got.Token != "newtoken" || got.LegacyTokenEnv != "" {
		t.Fatalf("ZKBOT_TOKEN should win: %+v", got)
	}
}

func TestIgnoreList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userbots.txt")
	if err := os.WriteFile(path, []byte("# bots\nNightbot\n\nsery_bot\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Config{Bots: []string{"nightbot", "Moobot"}, BotsFile: path}
	cfg.Twitch.Nick = "gemi"

	names, err := cfg.IgnoreList()
	if err != nil {
		t.Fatalf("IgnoreList: %v", err)
	}
	want := []string{"gemi", "moobot", "nightbot", "sery_bot"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", names, want)
	}

	cfg.BotsFile = filepath.Join(t.TempDir(), "missing.txt")
	if _, err := cfg.IgnoreList(); err == nil {
		t.Fatal("expected error for missing bots file")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "ZKBOT_TEST_DOTENV_VALUE"
	t.Setenv(key, "")
	os.Unsetenv(key)

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestRedactedSnapshot(t *testing.T) {
	cfg := Config{
		Twitch: TwitchConfig{
			Channel:      "zkleis",
			Token:        "oauth:secret",
			ClientID:     "abcd",
			ClientSecret: "shh",
			RefreshToken: "refresh",
		},
		Store: StoreConfig{Kind: "postgres", PostgresDSN: "postgres://user:pw@db/zk"},
		AI:    AIConfig{Key: "gemini"},
	}

	raw := string(cfg.RedactedJSON())
	for _, secret := range []string{"oauth:secret", "shh", "pw@db", "gemini\""} {
		if strings.Contains(raw, secret) {
			t.Fatalf("secret %q leaked: %s", secret, raw)
		}
	}

	var summary struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Config.Store != "postgres" || !summary.Config.AI || summary.Config.Twitch.Channel != "zkleis" {
		t.Fatalf("summary = %+v", summary.Config)
	}
	if !strings.HasPrefix(summary.Config.Twitch.Token, "***REDACTED***") {
		t.Fatalf("token not redacted: %q", summary.Config.Twitch.Token)
	}
}
