package twitchirc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	defaultHost             = "irc.chat.twitch.tv"
	defaultReconnectDelay   = 5 * time.Second
	defaultMaxReconnect     = 5
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadDeadline     = 4 * time.Minute
	readChunk               = 4096
)

type Config struct {
	Channel string
	Nick    string
	Token   string
	UseTLS  bool
	// Addr overrides host:port, mostly for tests.
	Addr string

	TokenProvider func() string
	RefreshNow    func(context.Context) (string, error)

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	ReadDeadline         time.Duration

	// Ignore lists logins whose JOIN/PART are not forwarded.
	Ignore []string

	// OnDisconnect runs whenever the transport is released.
	OnDisconnect func()

	Metrics    *metrics.Metrics
	DebugDrops bool
}

// Handler receives normalized events in wire order.
type Handler func(context.Context, core.Event)

// Adapter is the raw IRC channel. It implements core.Channel.
type Adapter struct {
	cfg    Config
	handle Handler
	ignore map[string]struct{}

	state    atomic.Int32
	failures atomic.Int32
	stopped  atomic.Bool
	reload   atomic.Bool

	mu      sync.Mutex
	conn    net.Conn
	token   string
	framer  *Framer
	pending []string

	writeMu sync.Mutex
	limiter *rate.Limiter
	drops   *dropLogger
}

var (
	errAuthFailed      = errors.New("twitchirc: authentication failed")
	errServerReconnect = errors.New("twitchirc: server requested reconnect")
	errNotReady        = errors.New("twitchirc: not connected")
)

func New(cfg Config, h Handler) *Adapter {
	cfg.Channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.Channel), "#"))
	cfg.Nick = strings.ToLower(strings.TrimSpace(cfg.Nick))
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnect
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadDeadline <= 0 {
		cfg.ReadDeadline = defaultReadDeadline
	}
	ignore := map[string]struct{}{cfg.Nick: {}}
	for _, name := range cfg.Ignore {
		ignore[core.NormalizeName(name)] = struct{}{}
	}
	return &Adapter{
		cfg:    cfg,
		handle: h,
		ignore: ignore,
		token:  cfg.Token,
		// 20 messages per 30 seconds for a regular chatter.
		limiter: rate.NewLimiter(rate.Every(1500*time.Millisecond), 5),
		drops:   newDropLogger(time.Now(), cfg.DebugDrops, 0, cfg.Metrics),
	}
}

func (a *Adapter) Name() string { return string(core.SourceIRC) }

func (a *Adapter) State() core.ConnectionState {
	return core.ConnectionState(a.state.Load())
}

// Attempts reports consecutive failed reconnect attempts.
func (a *Adapter) Attempts() int { return int(a.failures.Load()) }

func (a *Adapter) JoinedNick() string { return a.cfg.Nick }

func (a *Adapter) setState(s core.ConnectionState) {
	a.state.Store(int32(s))
	a.cfg.Metrics.SetState("irc", int(s))
}

func (a *Adapter) currentToken() string {
	if a.cfg.TokenProvider != nil {
		if t := strings.TrimSpace(a.cfg.TokenProvider()); t != "" {
			return t
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(a.token)
}

func (a *Adapter) addr() (string, string) {
	if addr := strings.TrimSpace(a.cfg.Addr); addr != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		return addr, host
	}
	if a.cfg.UseTLS {
		return defaultHost + ":6697", defaultHost
	}
	return defaultHost + ":6667", defaultHost
}

// Connect dials, authenticates and joins the channel. It returns false on
// any failure and leaves the adapter Disconnected.
func (a *Adapter) Connect(ctx context.Context) bool {
	a.stopped.Store(false)
	a.release(false)
	a.setState(core.Connecting)

	if err := a.connect(ctx); err != nil {
		a.release(false)
		var hs *core.HandshakeError
		if errors.As(err, &hs) && errors.Is(err, errAuthFailed) && a.cfg.RefreshNow != nil {
			if _, rerr := a.cfg.RefreshNow(ctx); rerr != nil {
				slog.Warn("twitchirc: token refresh after auth failure failed", "err", rerr)
			}
		}
		slog.Warn("twitchirc: connect failed", "kind", core.ErrorKind(err), "err", err)
		return false
	}
	a.failures.Store(0)
	log.Printf("twitchirc: joined #%s as %s", a.cfg.Channel, a.cfg.Nick)
	return true
}

func (a *Adapter) connect(ctx context.Context) error {
	if a.cfg.Channel == "" || a.cfg.Nick == "" {
		return &core.HandshakeError{Op: "config", Err: errors.New("channel and nick are required")}
	}
	token := a.currentToken()
	if token == "" {
		return &core.HandshakeError{Op: "config", Err: errors.New("token is required")}
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}

	addr, host := a.addr()
	log.Printf("twitchirc: connecting to %s (tls=%v)", addr, a.cfg.UseTLS)
	d := &net.Dialer{Timeout: a.cfg.HandshakeTimeout}
	var conn net.Conn
	var err error
	if a.cfg.UseTLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return &core.TransportError{Op: "dial", Err: err}
	}

	a.mu.Lock()
	a.conn = conn
	a.framer = NewFramer()
	a.pending = nil
	a.mu.Unlock()

	for _, line := range []string{
		"PASS " + token,
		"NICK " + a.cfg.Nick,
		"CAP REQ :twitch.tv/membership",
		"CAP REQ :twitch.tv/commands",
		"CAP REQ :twitch.tv/tags",
		"JOIN #" + a.cfg.Channel,
	} {
		if err := a.send(line); err != nil {
			return &core.HandshakeError{Op: "send", Err: err}
		}
	}

	deadline := time.Now().Add(a.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	buf := make([]byte, readChunk)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return &core.TransportError{Op: "deadline", Err: err}
		}
		n, err := conn.Read(buf)
		if n == 0 && err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return &core.HandshakeError{Op: "wait", Err: fmt.Errorf("no welcome within %s", a.cfg.HandshakeTimeout)}
			}
			return &core.HandshakeError{Op: "read", Err: err}
		}
		lines, ferr := a.framer.Feed(buf[:n])
		if ferr != nil {
			a.drops.note(time.Now(), "overflow", "")
		}
		for i, line := range lines {
			a.cfg.Metrics.IncLines("irc")
			msg, perr := ParseMessage(line)
			if perr != nil {
				a.drops.note(time.Now(), "malformed", line)
				continue
			}
			switch {
			case authFailure(msg):
				return &core.HandshakeError{Op: "login", Err: errAuthFailed}
			case msg.Command == "PING":
				if err := a.pong(msg); err != nil {
					return &core.HandshakeError{Op: "pong", Err: err}
				}
			case msg.Command == "001":
				a.setState(core.Authenticated)
			case msg.Command == "366", msg.Command == "JOIN" && msg.Nick() == a.cfg.Nick && msg.Channel() == a.cfg.Channel:
				if a.State() != core.Authenticated {
					continue
				}
				a.mu.Lock()
				a.pending = append(a.pending, lines[i+1:]...)
				a.mu.Unlock()
				a.setState(core.Ready)
				return nil
			}
		}
	}
}

// Listen reads until the context ends or the reconnect procedure gives up.
func (a *Adapter) Listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			a.Disconnect()
			return
		}
		if a.State() == core.Ready {
			err := a.readLoop(ctx)
			if ctx.Err() != nil {
				a.Disconnect()
				return
			}
			if a.stopped.Load() {
				return
			}
			slog.Warn("twitchirc: connection lost", "kind", core.ErrorKind(err), "err", err)
			a.release(false)
		}
		if a.reload.Swap(false) {
			if a.Connect(ctx) {
				continue
			}
		}
		if !a.reconnect(ctx) {
			if ctx.Err() == nil {
				log.Printf("twitchirc: giving up after %d reconnect attempts", a.Attempts())
				a.cfg.Metrics.IncReconnect("irc", "exhausted")
			}
			return
		}
	}
}

func (a *Adapter) reconnect(ctx context.Context) bool {
	for int(a.failures.Load()) < a.cfg.MaxReconnectAttempts {
		attempt := a.failures.Add(1)
		log.Printf("twitchirc: reconnecting in %s (attempt %d/%d)", a.cfg.ReconnectDelay, attempt, a.cfg.MaxReconnectAttempts)
		timer := time.NewTimer(a.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if a.stopped.Load() {
			return false
		}
		if a.Connect(ctx) {
			a.cfg.Metrics.IncReconnect("irc", "ok")
			return true
		}
		a.cfg.Metrics.IncReconnect("irc", "failed")
	}
	return false
}

func (a *Adapter) readLoop(ctx context.Context) error {
	a.mu.Lock()
	conn := a.conn
	framer := a.framer
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	if conn == nil {
		return &core.TransportError{Op: "read", Err: errNotReady}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for _, line := range pending {
		if err := a.handleLine(ctx, line); err != nil {
			return err
		}
	}

	buf := make([]byte, readChunk)
	idle := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(a.cfg.ReadDeadline)); err != nil {
			return &core.TransportError{Op: "deadline", Err: err}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			idle = 0
			lines, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				slog.Warn("twitchirc: frame dropped", "err", ferr)
				a.drops.note(time.Now(), "overflow", "")
			}
			for _, line := range lines {
				if herr := a.handleLine(ctx, line); herr != nil {
					return herr
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// A keepalive PING went unanswered for a whole deadline.
				if idle++; idle > 1 {
					return &core.TransportError{Op: "keepalive", Err: err}
				}
				if werr := a.send("PING :keepalive"); werr != nil {
					return &core.TransportError{Op: "ping", Err: werr}
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return &core.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
			}
			return &core.TransportError{Op: "read", Err: err}
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, line string) error {
	a.cfg.Metrics.IncLines("irc")
	msg, err := ParseMessage(line)
	if err != nil {
		a.drops.note(time.Now(), "malformed", line)
		return nil
	}
	switch {
	case msg.Command == "PING":
		return a.pong(msg)
	case msg.Command == "PONG":
		return nil
	case msg.Command == "RECONNECT":
		return &core.TransportError{Op: "reconnect", Err: errServerReconnect}
	case authFailure(msg):
		return &core.TransportError{Op: "notice", Err: errAuthFailed}
	}

	ev, ok := msg.Event(a.cfg.Channel)
	if !ok {
		a.drops.note(time.Now(), "unhandled", line)
		return nil
	}
	if ev.Kind == core.EventJoin || ev.Kind == core.EventPart {
		if _, skip := a.ignore[ev.User]; skip {
			return nil
		}
	}
	if a.handle != nil {
		a.handle(ctx, ev)
	}
	return nil
}

func (a *Adapter) pong(msg Message) error {
	if msg.HasTrailing {
		return a.send("PONG :" + msg.Trailing)
	}
	if len(msg.Params) > 0 {
		return a.send("PONG " + strings.Join(msg.Params, " "))
	}
	return a.send("PONG")
}

func (a *Adapter) send(line string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errNotReady
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err := io.WriteString(conn, line+"\r\n")
	return err
}

// Say sends a chat message to the channel, paced by the chat rate limit.
func (a *Adapter) Say(ctx context.Context, text string) error {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return nil
	}
	if a.State() != core.Ready {
		return errNotReady
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.send("PRIVMSG #" + a.cfg.Channel + " :" + text)
}

// Reconnect swaps the token and forces the listen loop to reconnect at once.
func (a *Adapter) Reconnect(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("twitchirc: empty token")
	}
	a.mu.Lock()
	a.token = token
	conn := a.conn
	a.mu.Unlock()
	a.reload.Store(true)
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Disconnect leaves the channel politely and releases the transport. The
// listen loop exits instead of reconnecting.
func (a *Adapter) Disconnect() {
	a.stopped.Store(true)
	a.release(true)
}

func (a *Adapter) release(polite bool) {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.pending = nil
	a.mu.Unlock()
	if conn == nil {
		if a.State() != core.Disconnected {
			a.setState(core.Disconnected)
		}
		return
	}
	if polite {
		a.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_, _ = io.WriteString(conn, "PART #"+a.cfg.Channel+"\r\nQUIT\r\n")
		a.writeMu.Unlock()
	}
	_ = conn.Close()
	a.setState(core.Disconnected)
	a.drops.flush(time.Now())
	if a.cfg.OnDisconnect != nil {
		a.cfg.OnDisconnect()
	}
}
