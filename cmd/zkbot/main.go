package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/you/zkleis-bot/internal/commands"
	"github.com/you/zkleis-bot/internal/config"
	"github.com/you/zkleis-bot/internal/conversation"
	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/eventsub"
	httpadmin "github.com/you/zkleis-bot/internal/http"
	"github.com/you/zkleis-bot/internal/httpapi"
	"github.com/you/zkleis-bot/internal/ingest"
	"github.com/you/zkleis-bot/internal/ingesttrace"
	"github.com/you/zkleis-bot/internal/jobs"
	"github.com/you/zkleis-bot/internal/metrics"
	"github.com/you/zkleis-bot/internal/panel"
	"github.com/you/zkleis-bot/internal/presence"
	"github.com/you/zkleis-bot/internal/sink"
	"github.com/you/zkleis-bot/internal/tokenwatch"
	"github.com/you/zkleis-bot/internal/twitch"
	"github.com/you/zkleis-bot/internal/twitchapi"
	"github.com/you/zkleis-bot/internal/twitchauth"
	"github.com/you/zkleis-bot/internal/twitchirc"
	"github.com/you/zkleis-bot/internal/version"
)

const panelHistory = 500

type noopSayer struct{}

func (noopSayer) Say(context.Context, string) error { return errors.New("irc channel disabled") }

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag bool
		printConfig bool
		envFile     string
		storeKind   string
		sqlitePath  string
		jsonPath    string
		channel     string
		nick        string
		token       string
		tokenFile   string
		httpAddr    string
		debugDrops  bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.BoolVar(&printConfig, "print-config", false, "Print the redacted configuration and exit")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file merged into the environment")
	flag.StringVar(&storeKind, "store", "", "Store backend: json, sqlite or postgres")
	flag.StringVar(&sqlitePath, "sqlite", "", "Path to SQLite database file")
	flag.StringVar(&jsonPath, "json", "", "Path to the JSON user snapshot")
	flag.StringVar(&channel, "channel", "", "Twitch channel to join (without #)")
	flag.StringVar(&nick, "nick", "", "Twitch login of the bot")
	flag.StringVar(&token, "token", "", "Bot OAuth token (oauth:xxxxx)")
	flag.StringVar(&tokenFile, "token-file", "", "Path to file containing the bot OAuth token")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status/panel address (e.g., :8765)")
	flag.BoolVar(&debugDrops, "debug-drops", false, "Log every dropped IRC line")
	flag.Parse()

	if versionFlag {
		fmt.Printf("zkbot version: %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		os.Exit(0)
	}

	if err := config.LoadEnvFiles(envFile); err != nil {
		log.Printf("zkbot: env file %s: %v", envFile, err)
	}
	cfg := config.Load()

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { overrides[f.Name] = true })
	if overrides["store"] {
		cfg.Store.Kind = strings.ToLower(strings.TrimSpace(storeKind))
	}
	if overrides["sqlite"] {
		cfg.Store.SQLitePath = strings.TrimSpace(sqlitePath)
		if !overrides["store"] {
			cfg.Store.Kind = sink.KindSQLite
		}
	}
	if overrides["json"] {
		cfg.Store.JSONPath = strings.TrimSpace(jsonPath)
	}
	if overrides["channel"] {
		cfg.Twitch.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	}
	if overrides["nick"] {
		cfg.Twitch.Nick = strings.ToLower(strings.TrimSpace(nick))
	}
	if overrides["token"] {
		cfg.Twitch.Token = strings.TrimSpace(token)
	}
	if overrides["token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(tokenFile)
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}

	if printConfig {
		fmt.Printf("%s\n", cfg.RedactedJSON())
		os.Exit(0)
	}
	log.Printf("%s", cfg.SummaryJSON())
	for _, legacy := range []string{cfg.Twitch.LegacyChannelEnv, cfg.Twitch.LegacyTokenEnv, cfg.Twitch.LegacyClientIDEnv} {
		if legacy != "" {
			log.Printf("zkbot: using legacy variable %s; prefer the ZKBOT_ form", legacy)
		}
	}
	if cfg.Twitch.Channel == "" {
		log.Fatal("zkbot: channel is required (ZKBOT_CHANNEL or -channel)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("zkbot: received %s, shutting down", sig)
		cancel()
	}()

	m := metrics.New()

	ignore, err := cfg.IgnoreList()
	if err != nil {
		log.Printf("zkbot: bots file: %v", err)
	}

	// Store.
	store, err := sink.Open(ctx, sink.Options{
		Kind:         cfg.Store.Kind,
		JSONPath:     cfg.Store.JSONPath,
		SQLitePath:   cfg.Store.SQLitePath,
		PostgresDSN:  cfg.Store.PostgresDSN,
		SQLiteTuning: cfg.Store.SQLiteTuning,
	})
	if err != nil {
		log.Fatalf("zkbot: open store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("zkbot: closing store: %v", err)
		}
	}()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("zkbot: ping store: %v", err)
	}
	if lite, ok := store.(*sink.SQLiteStore); ok {
		if err := migrateSQLite(ctx, lite.DB(), presence.RandomColor); err != nil {
			log.Fatalf("zkbot: sqlite migrate: %v", err)
		}
	}
	tokenStore, _ := store.(sink.TokenStore)

	// Tokens.
	tokens := twitchauth.TokenFiles{AccessPath: cfg.Twitch.TokenFile, RefreshPath: cfg.Twitch.RefreshTokenFile}
	access := resolveInitialToken(ctx, cfg, tokens, tokenStore)

	refreshToken := cfg.Twitch.RefreshToken
	if cfg.Twitch.RefreshTokenFile != "" {
		if r, err := tokens.ReadRefresh(); err != nil {
			log.Printf("zkbot: refresh token file: %v", err)
		} else if r != "" {
			refreshToken = r
		}
	}

	var refreshMgr *twitch.RefreshManager
	if cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" && refreshToken != "" {
		if cfg.Twitch.TokenFile == "" {
			log.Fatal("zkbot: ZKBOT_TOKEN_FILE is required when refresh inputs are provided")
		}
		refreshMgr = &twitch.RefreshManager{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			RefreshToken: refreshToken,
			TokenFile:    cfg.Twitch.TokenFile,
			RefreshFile:  cfg.Twitch.RefreshTokenFile,
		}
		if tokenStore != nil {
			refreshMgr.Store = twitch.TokenSaverFunc(func(ctx context.Context, userID, access, refresh string) error {
				if userID == "" {
					return nil
				}
				return tokenStore.SaveToken(ctx, sink.Token{UserID: userID, Token: access, Refresh: refresh})
			})
		}
		if access == "" {
			t, _, err := refreshMgr.Refresh(ctx)
			if err != nil {
				log.Fatalf("zkbot: twitch refresh: %v", err)
			}
			access = twitch.NormalizeToken(t)
		}
	}
	if access == "" {
		log.Fatal("zkbot: no bot token (ZKBOT_TOKEN, ZKBOT_TOKEN_FILE or a refresh token)")
	}

	if id, err := twitchauth.Validate(ctx, nil, access); err != nil {
		slog.Warn("zkbot: token validation failed", "err", err)
	} else {
		if cfg.Twitch.Nick == "" {
			cfg.Twitch.Nick = id.Login
		}
		if cfg.Twitch.BotID == "" {
			cfg.Twitch.BotID = id.UserID
		}
		if cfg.Twitch.ClientID == "" {
			cfg.Twitch.ClientID = id.ClientID
		}
		log.Printf("zkbot: token valid for %s (%s), expires in %ds", id.Login, id.UserID, id.ExpiresIn)
	}
	if refreshMgr != nil {
		refreshMgr.UserID = cfg.Twitch.BotID
	}
	if cfg.Twitch.Nick == "" {
		log.Fatal("zkbot: nick is required (ZKBOT_NICK, -nick or a valid token)")
	}
	ignore = append(ignore, cfg.Twitch.Nick)
	state := newTokenState(access)

	// Helix.
	api, err := twitchapi.New(twitchapi.Config{
		ClientID:      cfg.Twitch.ClientID,
		Token:         access,
		BroadcasterID: cfg.Twitch.BroadcasterID,
		BotID:         cfg.Twitch.BotID,
		RPS:           float64(cfg.Twitch.LookupRPS),
	})
	if err != nil {
		log.Fatalf("zkbot: helix client: %v", err)
	}
	if cfg.Twitch.BroadcasterID == "" {
		id, ok, err := api.ResolveUserID(ctx, cfg.Twitch.Channel)
		if err != nil || !ok {
			log.Fatalf("zkbot: resolve broadcaster id for %s: ok=%v err=%v", cfg.Twitch.Channel, ok, err)
		}
		cfg.Twitch.BroadcasterID = id
		api, err = twitchapi.New(twitchapi.Config{
			ClientID:      cfg.Twitch.ClientID,
			Token:         access,
			BroadcasterID: id,
			BotID:         cfg.Twitch.BotID,
			RPS:           float64(cfg.Twitch.LookupRPS),
		})
		if err != nil {
			log.Fatalf("zkbot: helix client: %v", err)
		}
	}

	// Panel and persistence pipeline.
	hub := panel.NewHub(panelHistory, m)
	defer hub.Close()
	writer := sink.NewBufferedWriter(sink.WithAPI(store, hub), sink.BufferedOptions{
		BatchSize:     cfg.Batch(),
		FlushInterval: cfg.FlushInterval(),
	})

	reconciler := presence.New(presence.NewStore(), presence.Options{
		Follows: api,
		Users:   api,
		Ignore:  ignore,
		OnChange: func(ctx context.Context, rec core.UserRecord) {
			if err := writer.Write(rec, ingesttrace.FromContext(ctx)); err != nil {
				m.IncStoreErrors()
				slog.Warn("zkbot: persist user", "user", rec.Name, "err", err)
			}
		},
		Metrics: m,
		Async:   true,
	})
	records, err := store.LoadSnapshot(ctx)
	if err != nil {
		log.Printf("zkbot: load snapshot: %v", err)
	}
	log.Printf("zkbot: loaded %d users from %s store", reconciler.Load(records), cfg.Store.Kind)

	// Adapters, commands and the dispatcher that ties them together.
	var dispatcher *ingest.Dispatcher
	handle := func(ctx context.Context, ev core.Event) { dispatcher.HandleEvent(ctx, ev) }

	var (
		irc      *twitchirc.Adapter
		es       *eventsub.Client
		adapters []httpapi.Adapter
		say      commands.Sayer = noopSayer{}
	)
	ircRestart := make(chan struct{}, 1)
	if cfg.Twitch.IRCEnabled {
		ircCfg := twitchirc.Config{
			Channel:              cfg.Twitch.Channel,
			Nick:                 cfg.Twitch.Nick,
			Token:                access,
			UseTLS:               cfg.Twitch.TLS,
			TokenProvider:        state.Current,
			ReconnectDelay:       cfg.ReconnectDelay(),
			MaxReconnectAttempts: cfg.Twitch.ReconnectMax,
			Ignore:               ignore,
			OnDisconnect:         reconciler.ResetJoined,
			Metrics:              m,
			DebugDrops:           debugDrops,
		}
		if refreshMgr != nil {
			ircCfg.RefreshNow = func(refreshCtx context.Context) (string, error) {
				t, _, err := refreshMgr.Refresh(refreshCtx)
				if err != nil {
					return "", err
				}
				normalized := twitch.NormalizeToken(t)
				state.Set(normalized)
				api.SetToken(normalized)
				return normalized, nil
			}
		}
		irc = twitchirc.New(ircCfg, handle)
		adapters = append(adapters, irc)
		say = irc
	}
	if cfg.Twitch.EventSubEnabled {
		es = eventsub.New(eventsub.Config{
			Subscriber:           api,
			Subscriptions:        eventsub.DefaultSubscriptions(cfg.Twitch.BroadcasterID, cfg.Twitch.BotID),
			ReconnectDelay:       cfg.ReconnectDelay(),
			MaxReconnectAttempts: cfg.Twitch.ReconnectMax,
			Metrics:              m,
		}, handle)
		adapters = append(adapters, es)
	}
	if len(adapters) == 0 {
		log.Fatal("zkbot: both channels disabled; enable ZKBOT_IRC_ENABLED or ZKBOT_EVENTSUB_ENABLED")
	}

	var convo *conversation.Manager
	if cfg.AI.Key != "" {
		convo = conversation.NewManager(func(ctx context.Context) (conversation.Model, error) {
			info, err := api.ChannelInfo(ctx)
			if err != nil {
				slog.Warn("zkbot: channel info for system prompt", "err", err)
			}
			return conversation.NewGemini(ctx, conversation.GeminiConfig{
				APIKey: cfg.AI.Key,
				Model:  cfg.AI.Model,
				System: conversation.SystemPrompt(cfg.Twitch.Channel, info.Title, info.Game),
			})
		}, conversation.SessionOptions{
			MaxTurns:   cfg.AI.MaxTurns,
			Titles:     api,
			HistoryDir: cfg.AI.HistoryDir,
			Metrics:    m,
		})
	}

	router := commands.New(commands.Options{
		Prefix:       cfg.Commands.Prefix,
		Bot:          cfg.Twitch.Nick,
		Say:          say,
		Channel:      api,
		Users:        reconciler,
		Conversation: convo,
	})
	dispatcher = ingest.New(ingest.Options{
		Reconciler: reconciler,
		Formatter:  panel.NewFormatter(cfg.Twitch.Nick, cfg.Twitch.Channel, ignore),
		Panel:      hub,
		Commands:   router,
		Metrics:    m,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Run(ctx)
	}()

	// Token lifecycle.
	var chat tokenwatch.ChatConn
	if irc != nil {
		chat = &ircConn{adapter: irc, state: state, restart: ircRestart}
	}
	var refreshUpdate func(string)
	if refreshMgr != nil {
		refreshUpdate = refreshMgr.SetRefreshToken
	}
	reloader := tokenwatch.New(tokens, chat, refreshUpdate, api)
	reloader.Prime(access)
	if cfg.Twitch.TokenFile != "" {
		if err := reloader.Watch(ctx); err != nil {
			slog.Error("zkbot: watch token files", "err", err)
		}
	}
	if refreshMgr != nil {
		refreshMgr.StartAuto(ctx, func(t string) {
			log.Printf("twitch: refreshed token; reconnecting")
			if err := reloader.Apply(t); err != nil {
				slog.Warn("zkbot: apply refreshed token", "err", err)
			}
		})
	}

	// Periodic jobs.
	scheduler := jobs.NewScheduler(jobs.Options{
		Records:      reconciler,
		Saver:        store,
		Exporter:     api,
		Streams:      api,
		Panel:        hub,
		SnapshotSpec: cfg.Jobs.SnapshotSpec,
		ExportSpec:   cfg.Jobs.ExportSpec,
		ExportDir:    cfg.Jobs.ExportDir,
		ViewerSpec:   cfg.Jobs.ViewerSpec,
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("zkbot: %v", err)
	}

	// HTTP.
	var srv *httpapi.Server
	if cfg.HTTP.Addr != "" {
		srv = httpapi.New(httpapi.Options{
			Addr:     cfg.HTTP.Addr,
			Users:    reconciler,
			Feed:     hub,
			Adapters: adapters,
			Metrics:  m,
			Build:    httpapi.CurrentBuild(),
			Admin: httpadmin.New(httpadmin.Options{
				Reloader:  reloader,
				Nicknames: reconciler,
				Snapshots: scheduler,
				Token:     cfg.HTTP.AdminToken,
			}),
			RateLimitRPS:   cfg.HTTP.RateLimitRPS,
			RateLimitBurst: cfg.HTTP.RateLimitBurst,
			CORSOrigins:    cfg.HTTP.CORSOrigins,
			AccessLog:      cfg.HTTP.AccessLog,
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("zkbot: http api: %v", err)
				cancel()
			}
		}()
	}

	var readyOnce sync.Once
	onReady := func() {
		readyOnce.Do(func() {
			hub.Publish(panel.System("\033[1m\033[42m\033[30m   BOT Conectado exitosamente   \033[0m"))
			go jobs.LogChannelInfo(ctx, api, hub)
		})
	}
	if irc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runChannel(ctx, irc, ircRestart, onReady)
		}()
	}
	if es != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runChannel(ctx, es, nil, onReady)
		}()
	}
	log.Printf("zkbot: started for #%s as %s (%d channels)", cfg.Twitch.Channel, cfg.Twitch.Nick, len(adapters))

	<-ctx.Done()

	if convo != nil && convo.Deactivate() {
		log.Printf("zkbot: conversation terminated on shutdown")
	}
	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("zkbot: http api shutdown: %v", err)
		}
		cancelShutdown()
	}
	scheduler.Stop()
	wg.Wait()
	reconciler.Wait()

	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	if n, err := scheduler.SaveNow(saveCtx); err != nil {
		log.Printf("zkbot: final snapshot: %v", err)
	} else {
		log.Printf("zkbot: saved %d users", n)
	}
	cancelSave()
	if err := writer.Close(); err != nil {
		log.Printf("zkbot: flush buffered store: %v", err)
	}
	log.Printf("zkbot: shutdown complete")
}

// runChannel keeps one adapter alive. When its reconnect budget runs out it
// waits for a manual restart (a token reload) instead of spinning.
func runChannel(ctx context.Context, ch core.Channel, restart <-chan struct{}, onReady func()) {
	for {
		if ch.Connect(ctx) {
			onReady()
			// A restart queued while connected is stale.
			select {
			case <-restart:
			default:
			}
		}
		ch.Listen(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("zkbot: %s channel stopped; waiting for a manual reload", ch.Name())
		select {
		case <-ctx.Done():
			return
		case <-restart:
			log.Printf("zkbot: %s channel manual reconnect", ch.Name())
		}
	}
}

// resolveInitialToken prefers the token file, then the environment, then the
// tokens table.
func resolveInitialToken(ctx context.Context, cfg config.Config, files twitchauth.TokenFiles, store sink.TokenStore) string {
	if files.AccessPath != "" {
		if t, err := files.ReadAccess(); err == nil && t != "" {
			return twitch.NormalizeToken(t)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("zkbot: token file: %v", err)
		}
	}
	if t := twitch.NormalizeToken(cfg.Twitch.Token); t != "" {
		return t
	}
	if store == nil {
		return ""
	}
	stored, err := store.LoadTokens(ctx)
	if err != nil {
		log.Printf("zkbot: load stored tokens: %v", err)
		return ""
	}
	for _, tok := range stored {
		if cfg.Twitch.BotID == "" || tok.UserID == cfg.Twitch.BotID {
			return twitch.NormalizeToken(tok.Token)
		}
	}
	return ""
}

// ircTransport is the slice of *twitchirc.Adapter that token reloads need.
type ircTransport interface {
	Reconnect(token string) error
	State() core.ConnectionState
	JoinedNick() string
}

// ircConn routes token reloads into the IRC adapter, and restarts it when
// the automatic reconnect loop has given up.
type ircConn struct {
	adapter ircTransport
	state   *tokenState
	restart chan struct{}
}

func (c *ircConn) Reconnect(access string) error {
	token := twitch.NormalizeToken(access)
	if token == "" {
		return twitch.ErrEmptyToken
	}
	c.state.Set(token)
	// A live adapter picks the token up on its own reconnect.
	stopped := c.adapter.State() == core.Disconnected
	if err := c.adapter.Reconnect(token); err != nil {
		return err
	}
	if stopped {
		select {
		case c.restart <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *ircConn) JoinedNick() string { return c.adapter.JoinedNick() }

type tokenState struct {
	mu    sync.RWMutex
	token string
}

func newTokenState(initial string) *tokenState {
	return &tokenState{token: twitch.NormalizeToken(initial)}
}

func (s *tokenState) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *tokenState) Set(token string) bool {
	normalized := twitch.NormalizeToken(token)
	if normalized == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == normalized {
		return false
	}
	s.token = normalized
	return true
}
