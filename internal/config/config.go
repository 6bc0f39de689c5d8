// Package config reads the bot's settings from the environment. ZKBOT_*
// keys win; the names used by the older bot deployment are read as
// fallbacks.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Twitch   TwitchConfig
	Store    StoreConfig
	Jobs     JobsConfig
	Commands CommandsConfig
	AI       AIConfig
	HTTP     HTTPConfig

	// Bots are logins that never get presence records.
	Bots     []string
	BotsFile string
}

type TwitchConfig struct {
	Channel          string
	BroadcasterID    string
	Nick             string
	BotID            string
	Token            string
	TokenFile        string
	ClientID         string
	ClientSecret     string
	RefreshToken     string
	RefreshTokenFile string

	IRCEnabled      bool
	EventSubEnabled bool
	TLS             bool

	ReconnectDelayMS int
	ReconnectMax     int
	LookupRPS        int

	LegacyChannelEnv  string
	LegacyTokenEnv    string
	LegacyClientIDEnv string
}

type StoreConfig struct {
	Kind         string
	JSONPath     string
	SQLitePath   string
	SQLiteTuning bool
	PostgresDSN  string
	BatchSize    int
	FlushMaxMS   int
}

type JobsConfig struct {
	SnapshotSpec string
	ExportSpec   string
	ExportDir    string
	ViewerSpec   string
}

type CommandsConfig struct {
	Prefix string
}

type AIConfig struct {
	Key        string
	Model      string
	HistoryDir string
	MaxTurns   int
}

type HTTPConfig struct {
	Addr           string
	AdminToken     string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	AccessLog      bool
}

const (
	defaultStoreKind      = "json"
	defaultJSONPath       = "user_data_twitch.json"
	defaultSQLitePath     = "zkbot.db"
	defaultBatchSize      = 1
	defaultFlushMS        = 0
	defaultReconnectMS    = 5000
	defaultReconnectMax   = 5
	defaultLookupRPS      = 10
	defaultSnapshotSpec   = "@every 5m"
	defaultViewerSpec     = "@every 3m"
	defaultExportDir      = "follow"
	defaultPrefix         = "?"
	defaultAIModel        = "gemini-2.0-flash-lite"
	defaultHistoryDir     = "chat_gemi"
	defaultAITurns        = 20
	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

// LoadEnvFiles merges .env files into the environment without overriding
// variables already set. Missing files are not an error.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func Load() Config {
	cfg := Config{}

	cfg.Twitch.Channel = strings.ToLower(firstEnv("ZKBOT_CHANNEL"))
	if cfg.Twitch.Channel == "" {
		if legacy := strings.ToLower(firstEnv("BROADCASTER")); legacy != "" {
			cfg.Twitch.LegacyChannelEnv = "BROADCASTER"
			cfg.Twitch.Channel = legacy
		}
	}
	cfg.Twitch.BroadcasterID = firstEnv("ZKBOT_BROADCASTER_ID", "BROADCASTER_ID")
	cfg.Twitch.Nick = strings.ToLower(firstEnv("ZKBOT_NICK", "BOT"))
	cfg.Twitch.BotID = firstEnv("ZKBOT_BOT_ID", "BOT_ID")

	cfg.Twitch.Token = firstEnv("ZKBOT_TOKEN")
	if cfg.Twitch.Token == "" {
		if legacy := firstEnv("TTG_BOT_TOKEN"); legacy != "" {
			cfg.Twitch.LegacyTokenEnv = "TTG_BOT_TOKEN"
			cfg.Twitch.Token = legacy
		}
	}
	cfg.Twitch.TokenFile = firstEnv("ZKBOT_TOKEN_FILE")
	cfg.Twitch.ClientID = firstEnv("ZKBOT_CLIENT_ID")
	if cfg.Twitch.ClientID == "" {
		for _, name := range []string{"TTG_BOT_CLIENT_ID", "CLIENT_ID_APP"} {
			if v := firstEnv(name); v != "" {
				cfg.Twitch.LegacyClientIDEnv = name
				cfg.Twitch.ClientID = v
				break
			}
		}
	}
	cfg.Twitch.ClientSecret = firstEnv("ZKBOT_CLIENT_SECRET", "CLIENT_SECRET_APP")
	cfg.Twitch.RefreshToken = firstEnv("ZKBOT_REFRESH_TOKEN")
	cfg.Twitch.RefreshTokenFile = firstEnv("ZKBOT_REFRESH_TOKEN_FILE")

	cfg.Twitch.IRCEnabled = readBool("ZKBOT_IRC_ENABLED", true)
	cfg.Twitch.EventSubEnabled = readBool("ZKBOT_EVENTSUB_ENABLED", true)
	cfg.Twitch.TLS = readBool("ZKBOT_TLS", true)
	cfg.Twitch.ReconnectDelayMS = readInt("ZKBOT_RECONNECT_DELAY_MS", defaultReconnectMS)
	cfg.Twitch.ReconnectMax = readInt("ZKBOT_RECONNECT_MAX", defaultReconnectMax)
	cfg.Twitch.LookupRPS = readInt("ZKBOT_LOOKUP_RPS", defaultLookupRPS)

	cfg.Bots = splitList(os.Getenv("ZKBOT_BOTS"))
	cfg.BotsFile = firstEnv("ZKBOT_BOTS_FILE")

	cfg.Store.Kind = strings.ToLower(firstEnv("ZKBOT_STORE"))
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = defaultStoreKind
	}
	cfg.Store.JSONPath = withDefault(firstEnv("ZKBOT_JSON_PATH"), defaultJSONPath)
	cfg.Store.SQLitePath = withDefault(firstEnv("ZKBOT_SQLITE_PATH"), defaultSQLitePath)
	cfg.Store.SQLiteTuning = readBool("ZKBOT_SQLITE_TUNING", false)
	cfg.Store.PostgresDSN = firstEnv("ZKBOT_POSTGRES_DSN", "DATABASE_URL")
	cfg.Store.BatchSize = readInt("ZKBOT_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt("ZKBOT_FLUSH_MAX_MS", defaultFlushMS)

	cfg.Jobs.SnapshotSpec = readSpec("ZKBOT_SNAPSHOT_CRON", defaultSnapshotSpec)
	cfg.Jobs.ExportSpec = readSpec("ZKBOT_EXPORT_CRON", "")
	cfg.Jobs.ExportDir = withDefault(firstEnv("ZKBOT_EXPORT_DIR"), defaultExportDir)
	cfg.Jobs.ViewerSpec = readSpec("ZKBOT_VIEWER_CRON", defaultViewerSpec)

	cfg.Commands.Prefix = withDefault(firstEnv("ZKBOT_COMMAND_PREFIX"), defaultPrefix)

	cfg.AI.Key = firstEnv("ZKBOT_AI_KEY", "IA_API")
	cfg.AI.Model = withDefault(firstEnv("ZKBOT_AI_MODEL"), defaultAIModel)
	cfg.AI.HistoryDir = withDefault(firstEnv("ZKBOT_HISTORY_DIR"), defaultHistoryDir)
	cfg.AI.MaxTurns = readInt("ZKBOT_AI_TURNS", defaultAITurns)

	cfg.HTTP.Addr = firstEnv("ZKBOT_HTTP_ADDR")
	cfg.HTTP.AdminToken = firstEnv("ZKBOT_ADMIN_TOKEN")
	cfg.HTTP.RateLimitRPS = readInt("ZKBOT_HTTP_RPS", defaultRateLimitRPS)
	cfg.HTTP.RateLimitBurst = readInt("ZKBOT_HTTP_BURST", defaultRateLimitBurst)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("ZKBOT_CORS_ORIGINS"))
	cfg.HTTP.AccessLog = readBool("ZKBOT_ACCESS_LOG", false)

	return cfg
}

// IgnoreList merges ZKBOT_BOTS, the bots file (one login per line, '#'
// comments) and the bot's own nick.
func (c Config) IgnoreList() ([]string, error) {
	names := append([]string(nil), c.Bots...)
	if c.Twitch.Nick != "" {
		names = append(names, c.Twitch.Nick)
	}
	if c.BotsFile != "" {
		f, err := os.Open(c.BotsFile)
		if err != nil {
			return dedupe(names), err
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			names = append(names, line)
		}
		if err := sc.Err(); err != nil {
			return dedupe(names), err
		}
	}
	for i := range names {
		names[i] = strings.ToLower(names[i])
	}
	return dedupe(names), nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// readSpec treats "off" or "-" as an explicitly disabled job.
func readSpec(name, def string) string {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return def
	case "off", "-", "none":
		return ""
	}
	return raw
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) RefreshEnabled() bool {
	return c.Twitch.ClientID != "" && c.Twitch.ClientSecret != "" &&
		(c.Twitch.RefreshToken != "" || c.Twitch.RefreshTokenFile != "")
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Twitch.ReconnectDelayMS) * time.Millisecond
}

func (c Config) FlushInterval() time.Duration {
	if c.Store.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Store.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Store.BatchSize
}

type Summary struct {
	Store     string        `json:"store"`
	StorePath string        `json:"store_path,omitempty"`
	BatchSize int           `json:"batch"`
	FlushMS   int           `json:"flush_ms"`
	Twitch    TwitchSummary `json:"twitch"`
	Bots      int           `json:"bots"`
	AI        bool          `json:"ai"`
	HTTPAddr  string        `json:"http_addr,omitempty"`
}

type TwitchSummary struct {
	Channel          string `json:"channel"`
	Nick             string `json:"nick,omitempty"`
	IRC              bool   `json:"irc"`
	EventSub         bool   `json:"eventsub"`
	Token            string `json:"token,omitempty"`
	TokenFile        string `json:"token_file,omitempty"`
	ClientID         string `json:"client_id,omitempty"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshTokenFile string `json:"refresh_token_file,omitempty"`
	RefreshEnabled   bool   `json:"refresh_enabled"`
}

func (c Config) storePath() string {
	switch c.Store.Kind {
	case "sqlite":
		return c.Store.SQLitePath
	case "postgres":
		return redactString(c.Store.PostgresDSN)
	default:
		return c.Store.JSONPath
	}
}

func (c Config) Summary() Summary {
	return Summary{
		Store:     c.Store.Kind,
		StorePath: c.storePath(),
		BatchSize: c.Store.BatchSize,
		FlushMS:   c.Store.FlushMaxMS,
		Twitch: TwitchSummary{
			Channel:          c.Twitch.Channel,
			Nick:             c.Twitch.Nick,
			IRC:              c.Twitch.IRCEnabled,
			EventSub:         c.Twitch.EventSubEnabled,
			Token:            redactString(c.Twitch.Token),
			TokenFile:        c.Twitch.TokenFile,
			ClientID:         redactString(c.Twitch.ClientID),
			ClientSecret:     redactString(c.Twitch.ClientSecret),
			RefreshToken:     redactString(c.Twitch.RefreshToken),
			RefreshTokenFile: c.Twitch.RefreshTokenFile,
			RefreshEnabled:   c.RefreshEnabled(),
		},
		Bots:     len(c.Bots),
		AI:       c.AI.Key != "",
		HTTPAddr: c.HTTP.Addr,
	}
}

func (c Config) Redacted() map[string]any {
	return map[string]any{
		"twitch": map[string]any{
			"channel":            c.Twitch.Channel,
			"broadcaster_id":     c.Twitch.BroadcasterID,
			"nick":               c.Twitch.Nick,
			"bot_id":             c.Twitch.BotID,
			"token":              redactString(c.Twitch.Token),
			"token_file":         c.Twitch.TokenFile,
			"client_id":          redactString(c.Twitch.ClientID),
			"client_secret":      redactString(c.Twitch.ClientSecret),
			"refresh_token":      redactString(c.Twitch.RefreshToken),
			"refresh_token_file": c.Twitch.RefreshTokenFile,
			"irc":                c.Twitch.IRCEnabled,
			"eventsub":           c.Twitch.EventSubEnabled,
			"tls":                c.Twitch.TLS,
			"refresh_enabled":    c.RefreshEnabled(),
		},
		"store": map[string]any{
			"kind":       c.Store.Kind,
			"path":       c.storePath(),
			"batch_size": c.Store.BatchSize,
			"flush_ms":   c.Store.FlushMaxMS,
		},
		"jobs": map[string]any{
			"snapshot": c.Jobs.SnapshotSpec,
			"export":   c.Jobs.ExportSpec,
			"viewers":  c.Jobs.ViewerSpec,
		},
		"ai": map[string]any{
			"key":   redactString(c.AI.Key),
			"model": c.AI.Model,
		},
		"http": map[string]any{
			"addr":        c.HTTP.Addr,
			"admin_token": redactString(c.HTTP.AdminToken),
		},
		"bots": len(c.Bots),
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
