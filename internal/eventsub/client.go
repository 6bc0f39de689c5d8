package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"nhooyr.io/websocket"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	DefaultURL              = "wss://eventsub.wss.twitch.tv/ws"
	defaultReconnectDelay   = 5 * time.Second
	defaultMaxReconnect     = 5
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepaliveGrace   = 5 * time.Second
	defaultKeepalive        = 10 * time.Second
	readLimit               = 1 << 20
	seenSize                = 4096
	seenTTL                 = 10 * time.Minute
)

// Subscriber creates a subscription bound to a websocket session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID, typ, version string, condition map[string]string) error
}

type Subscription struct {
	Type      string
	Version   string
	Condition map[string]string
}

// DefaultSubscriptions is the set the bot needs for one channel.
func DefaultSubscriptions(broadcasterID, botID string) []Subscription {
	return []Subscription{
		{"channel.chat.message", "1", map[string]string{"broadcaster_user_id": broadcasterID, "user_id": botID}},
		{"channel.follow", "2", map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": botID}},
		{"channel.channel_points_custom_reward_redemption.add", "1", map[string]string{"broadcaster_user_id": broadcasterID}},
		{"channel.raid", "1", map[string]string{"to_broadcaster_user_id": broadcasterID}},
		{"channel.moderate", "2", map[string]string{"broadcaster_user_id": broadcasterID, "moderator_user_id": botID}},
		{"channel.update", "2", map[string]string{"broadcaster_user_id": broadcasterID}},
	}
}

type Config struct {
	// URL overrides the EventSub websocket endpoint, mostly for tests.
	URL           string
	Subscriber    Subscriber
	Subscriptions []Subscription

	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// KeepaliveGrace is added to the session keepalive before the
	// connection is considered dead.
	KeepaliveGrace time.Duration

	HTTP    *http.Client
	Metrics *metrics.Metrics
}

// Handler receives normalized events in delivery order.
type Handler func(context.Context, core.Event)

// Client is the EventSub websocket channel. It implements core.Channel.
type Client struct {
	cfg    Config
	handle Handler
	seen   *expirable.LRU[string, struct{}]

	state    atomic.Int32
	failures atomic.Int32
	stopped  atomic.Bool

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	keepalive time.Duration
}

var (
	errNoWelcome    = errors.New("eventsub: expected session_welcome")
	errNotReady     = errors.New("eventsub: not connected")
	errNoSubscriber = errors.New("eventsub: no subscriber configured")
)

func New(cfg Config, h Handler) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnect
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepaliveGrace <= 0 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}
	return &Client{
		cfg:    cfg,
		handle: h,
		seen:   expirable.NewLRU[string, struct{}](seenSize, nil, seenTTL),
	}
}

func (c *Client) Name() string { return string(core.SourceEventSub) }

func (c *Client) State() core.ConnectionState {
	return core.ConnectionState(c.state.Load())
}

// Attempts reports consecutive failed reconnect attempts.
func (c *Client) Attempts() int { return int(c.failures.Load()) }

// SessionID is the id of the live session, or "" when disconnected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s core.ConnectionState) {
	c.state.Store(int32(s))
	c.cfg.Metrics.SetState("eventsub", int(s))
}

// Connect opens a session and creates every configured subscription. It
// returns false on any failure and leaves the client Disconnected.
func (c *Client) Connect(ctx context.Context) bool {
	c.stopped.Store(false)
	c.release()
	c.setState(core.Connecting)

	if err := c.connect(ctx); err != nil {
		c.release()
		slog.Warn("eventsub: connect failed", "kind", core.ErrorKind(err), "err", err)
		return false
	}
	c.failures.Store(0)
	log.Printf("eventsub: session %s ready with %d subscriptions", c.SessionID(), len(c.cfg.Subscriptions))
	return true
}

func (c *Client) connect(ctx context.Context) error {
	if c.cfg.Subscriber == nil && len(c.cfg.Subscriptions) > 0 {
		return &core.HandshakeError{Op: "config", Err: errNoSubscriber}
	}
	conn, sess, err := c.dial(ctx, c.cfg.URL)
	if err != nil {
		return err
	}
	c.adopt(conn, sess)
	c.setState(core.Authenticated)

	for _, sub := range c.cfg.Subscriptions {
		if err := c.cfg.Subscriber.Subscribe(ctx, sess.ID, sub.Type, sub.Version, sub.Condition); err != nil {
			return &core.HandshakeError{Op: "subscribe " + sub.Type, Err: err}
		}
	}
	c.setState(core.Ready)
	return nil
}

// dial opens a websocket and waits for its welcome frame.
func (c *Client) dial(ctx context.Context, url string) (*websocket.Conn, session, error) {
	log.Printf("eventsub: connecting to %s", url)
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, url, &websocket.DialOptions{HTTPClient: c.cfg.HTTP})
	if err != nil {
		return nil, session{}, &core.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	_, data, err := conn.Read(hctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, session{}, &core.HandshakeError{Op: "welcome", Err: err}
	}
	c.cfg.Metrics.IncLines("eventsub")
	env, err := parseEnvelope(data)
	if err == nil && env.Metadata.MessageType != typeWelcome {
		err = fmt.Errorf("%w, got %s", errNoWelcome, env.Metadata.MessageType)
	}
	var sess session
	if err == nil {
		sess, err = parseSession(env.Payload)
	}
	if err == nil && sess.ID == "" {
		err = errors.New("welcome without session id")
	}
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, session{}, &core.HandshakeError{Op: "welcome", Err: err}
	}
	return conn, sess, nil
}

func (c *Client) adopt(conn *websocket.Conn, sess session) {
	keepalive := time.Duration(sess.KeepaliveTimeoutSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	c.mu.Lock()
	c.conn = conn
	c.sessionID = sess.ID
	c.keepalive = keepalive
	c.mu.Unlock()
}

// Listen reads until the context ends or the reconnect procedure gives up.
func (c *Client) Listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.Disconnect()
			return
		}
		if c.State() == core.Ready {
			err := c.readLoop(ctx)
			if ctx.Err() != nil {
				c.Disconnect()
				return
			}
			if c.stopped.Load() {
				return
			}
			slog.Warn("eventsub: connection lost", "kind", core.ErrorKind(err), "err", err)
			c.release()
		}
		if !c.reconnect(ctx) {
			if ctx.Err() == nil {
				log.Printf("eventsub: giving up after %d reconnect attempts", c.Attempts())
				c.cfg.Metrics.IncReconnect("eventsub", "exhausted")
			}
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) bool {
	for int(c.failures.Load()) < c.cfg.MaxReconnectAttempts {
		attempt := c.failures.Add(1)
		log.Printf("eventsub: reconnecting in %s (attempt %d/%d)", c.cfg.ReconnectDelay, attempt, c.cfg.MaxReconnectAttempts)
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if c.stopped.Load() {
			return false
		}
		if c.Connect(ctx) {
			c.cfg.Metrics.IncReconnect("eventsub", "ok")
			return true
		}
		c.cfg.Metrics.IncReconnect("eventsub", "failed")
	}
	return false
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		deadline := c.keepalive + c.cfg.KeepaliveGrace
		c.mu.Unlock()
		if conn == nil {
			return &core.TransportError{Op: "read", Err: errNotReady}
		}

		// A read cancelled by the watchdog closes the connection.
		rctx, cancel := context.WithTimeout(ctx, deadline)
		_, data, err := conn.Read(rctx)
		expired := rctx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			if expired && ctx.Err() == nil {
				return &core.TransportError{Op: "keepalive", Err: fmt.Errorf("no frame within %s", deadline)}
			}
			return &core.TransportError{Op: "read", Err: err}
		}
		if err := c.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) error {
	c.cfg.Metrics.IncLines("eventsub")
	env, err := parseEnvelope(data)
	if err != nil {
		slog.Debug("eventsub: malformed frame", "err", err)
		c.cfg.Metrics.IncDropped("eventsub", "malformed")
		return nil
	}

	switch env.Metadata.MessageType {
	case typeKeepalive:
		return nil
	case typeReconnect:
		sess, err := parseSession(env.Payload)
		if err != nil || sess.ReconnectURL == "" {
			return &core.TransportError{Op: "session_reconnect", Err: errors.New("missing reconnect_url")}
		}
		return c.migrate(ctx, sess.ReconnectURL)
	case typeRevocation:
		var p notificationPayload
		_ = json.Unmarshal(env.Payload, &p)
		slog.Warn("eventsub: subscription revoked", "type", p.Subscription.Type, "status", p.Subscription.Status)
		return nil
	case typeNotification:
	default:
		c.cfg.Metrics.IncDropped("eventsub", "unhandled")
		return nil
	}

	if id := env.Metadata.MessageID; id != "" {
		if c.seen.Contains(id) {
			c.cfg.Metrics.IncDropped("eventsub", "duplicate")
			return nil
		}
		c.seen.Add(id, struct{}{})
	}

	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		c.cfg.Metrics.IncDropped("eventsub", "malformed")
		return nil
	}
	typ := p.Subscription.Type
	if typ == "" {
		typ = env.Metadata.SubscriptionType
	}
	at := env.Metadata.MessageTimestamp
	if at.IsZero() {
		at = time.Now()
	}
	ev, err := decodeEvent(typ, p.Event, at)
	if err != nil {
		if errors.Is(err, errUnknownType) {
			c.cfg.Metrics.IncDropped("eventsub", "unhandled")
		} else {
			slog.Warn("eventsub: notification dropped", "type", typ, "err", err)
			c.cfg.Metrics.IncDropped("eventsub", "malformed")
		}
		return nil
	}
	if c.handle != nil {
		c.handle(ctx, ev)
	}
	return nil
}

// migrate follows a session_reconnect: the new socket must welcome us
// before the old one is closed. Subscriptions carry over.
func (c *Client) migrate(ctx context.Context, url string) error {
	conn, sess, err := c.dial(ctx, url)
	if err != nil {
		return &core.TransportError{Op: "session_reconnect", Err: err}
	}
	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()
	c.adopt(conn, sess)
	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnected")
	}
	log.Printf("eventsub: migrated to session %s", sess.ID)
	return nil
}

// Disconnect closes the session. The listen loop exits instead of
// reconnecting.
func (c *Client) Disconnect() {
	c.stopped.Store(true)
	c.release()
}

func (c *Client) release() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.sessionID = ""
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if c.State() != core.Disconnected {
		c.setState(core.Disconnected)
	}
}
