package eventsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/you/zkleis-bot/internal/core"
)

type fakeEventSub struct {
	srv     *httptest.Server
	accepts atomic.Int32
}

func newFakeEventSub(t *testing.T, serve func(f *fakeEventSub, idx int, ctx context.Context, c *websocket.Conn)) *fakeEventSub {
	t.Helper()
	f := &fakeEventSub{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		idx := int(f.accepts.Add(1)) - 1
		ctx := c.CloseRead(context.Background())
		serve(f, idx, ctx, c)
		<-ctx.Done()
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEventSub) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func send(ctx context.Context, c *websocket.Conn, msg string) {
	_ = c.Write(ctx, websocket.MessageText, []byte(msg))
}

func welcome(id string, keepalive int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":"2024-01-01T00:00:00Z"},
		"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d,"reconnect_url":null}}}`, id, id, keepalive)
}

func notification(msgID, typ, event string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":%q,"message_type":"notification","message_timestamp":"2024-01-01T00:00:00Z","subscription_type":%q,"subscription_version":"1"},
		"payload":{"subscription":{"id":"sub","type":%q,"version":"1","status":"enabled"},"event":%s}}`, msgID, typ, typ, event)
}

const chatEvent = `{"broadcaster_user_id":"100","broadcaster_user_login":"zkleis","chatter_user_id":"5","chatter_user_login":"Bob","chatter_user_name":"Bob",
	"message_id":"m-1","message":{"text":"hola"},"badges":[{"set_id":"moderator","id":"1","info":""}]}`

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []string
	fail  string
}

func (s *fakeSubscriber) Subscribe(_ context.Context, sessionID, typ, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sessionID+":"+typ)
	if typ == s.fail {
		return errors.New("403 missing scope")
	}
	return nil
}

func (s *fakeSubscriber) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testConfig(url string, sub Subscriber) Config {
	return Config{
		URL:              url,
		Subscriber:       sub,
		Subscriptions:    DefaultSubscriptions("100", "200"),
		ReconnectDelay:   10 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
		KeepaliveGrace:   50 * time.Millisecond,
	}
}

func collect() (Handler, chan core.Event) {
	ch := make(chan core.Event, 16)
	return func(_ context.Context, ev core.Event) { ch <- ev }, ch
}

func next(t *testing.T, ch chan core.Event) core.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectSubscribes(t *testing.T) {
	f := newFakeEventSub(t, func(_ *fakeEventSub, _ int, ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcome("s1", 10))
	})
	sub := &fakeSubscriber{}
	c := New(testConfig(f.URL(), sub), nil)
	defer c.Disconnect()

	if !c.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	if c.State() != core.Ready || c.SessionID() != "s1" {
		t.Fatalf("state = %v session = %q", c.State(), c.SessionID())
	}
	calls := sub.Calls()
	if len(calls) != 6 {
		t.Fatalf("subscriptions = %v", calls)
	}
	for _, call := range calls {
		if !strings.HasPrefix(call, "s1:") {
			t.Fatalf("subscription bound to wrong session: %s", call)
		}
	}
}

func TestConnectSubscriptionFailure(t *testing.T) {
	f := newFakeEventSub(t, func(_ *fakeEventSub, _ int, ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcome("s1", 10))
	})
	c := New(testConfig(f.URL(), &fakeSubscriber{fail: "channel.moderate"}), nil)
	if c.Connect(context.Background()) {
		t.Fatal("connect should fail when a subscription is rejected")
	}
	if c.State() != core.Disconnected {
		t.Fatalf("state = %v", c.State())
	}
}

func TestConnectRequiresWelcome(t *testing.T) {
	f := newFakeEventSub(t, func(_ *fakeEventSub, _ int, ctx context.Context, c *websocket.Conn) {
		send(ctx, c, `{"metadata":{"message_id":"k","message_type":"session_keepalive"},"payload":{}}`)
	})
	sub := &fakeSubscriber{}
	c := New(testConfig(f.URL(), sub), nil)
	if c.Connect(context.Background()) {
		t.Fatal("connect without welcome should fail")
	}
	if len(sub.Calls()) != 0 {
		t.Fatalf("subscribed without a session: %v", sub.Calls())
	}
}

func TestNotificationsDecodedAndDeduped(t *testing.T) {
	follow := `{"user_id":"6","user_login":"ana","user_name":"Ana","broadcaster_user_id":"100","followed_at":"2024-02-03T04:05:06Z"}`
	f := newFakeEventSub(t, func(_ *fakeEventSub, _ int, ctx context.Context, c *websocket.Conn) {
		send(ctx, c, welcome("s1", 10))
		send(ctx, c, `{"metadata":{"message_id":"k1","message_type":"session_keepalive"},"payload":{}}`)
		send(ctx, c, notification("n1", "channel.chat.message", chatEvent))
		send(ctx, c, notification("n2", "channel.follow", follow))
		send(ctx, c, notification("n2", "channel.follow", follow))
		send(ctx, c, `{"metadata":{"message_id":"r1","message_type":"revocation"},"payload":{"subscription":{"type":"channel.raid","status":"authorization_revoked"}}}`)
		send(ctx, c, notification("n3", "channel.channel_points_custom_reward_redemption.add",
			`{"id":"red-1","user_id":"7","user_login":"cid","user_name":"Cid","user_input":"","reward":{"title":"Hidratate","cost":500}}`))
	})
	h, events := collect()
	c := New(testConfig(f.URL(), &fakeSubscriber{}), h)
	if !c.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Listen(ctx)
		close(done)
	}()

	chat := next(t, events)
	if chat.Kind != core.EventChat || chat.User != "bob" || chat.UserID != "5" || chat.Text != "hola" || chat.ID != "m-1" {
		t.Fatalf("chat = %+v", chat)
	}
	if !chat.Roles.Moderator || chat.Roles.Broadcaster || chat.Source != core.SourceEventSub {
		t.Fatalf("chat roles = %+v source %s", chat.Roles, chat.Source)
	}
	fol := next(t, events)
	if fol.Kind != core.EventFollow || fol.User != "ana" || !fol.FollowedAt.Equal(time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)) {
		t.Fatalf("follow = %+v", fol)
	}
	red := next(t, events)
	if red.Kind != core.EventRedemption || red.Reward != "Hidratate" || red.Cost != 500 || red.User != "cid" {
		t.Fatalf("redemption = %+v (duplicate follow not dropped?)", red)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
	if c.State() != core.Disconnected {
		t.Fatalf("state after cancel = %v", c.State())
	}
}

func TestSessionReconnectMigrates(t *testing.T) {
	f := newFakeEventSub(t, func(f *fakeEventSub, idx int, ctx context.Context, c *websocket.Conn) {
		if idx == 0 {
			send(ctx, c, welcome("s1", 10))
			send(ctx, c, fmt.Sprintf(`{"metadata":{"message_id":"rc","message_type":"session_reconnect"},
				"payload":{"session":{"id":"s1","status":"reconnecting","reconnect_url":%q}}}`, f.URL()+"/?reconnect=1"))
			return
		}
		send(ctx, c, welcome("s1", 10))
		send(ctx, c, notification("n1", "channel.chat.message", chatEvent))
	})
	sub := &fakeSubscriber{}
	h, events := collect()
	c := New(testConfig(f.URL(), sub), h)
	if !c.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx)

	if ev := next(t, events); ev.Kind != core.EventChat {
		t.Fatalf("event after migration = %+v", ev)
	}
	if got := f.accepts.Load(); got != 2 {
		t.Fatalf("accepts = %d", got)
	}
	if n := len(sub.Calls()); n != 6 {
		t.Fatalf("subscriptions should carry over, got %d calls", n)
	}
	if c.State() != core.Ready {
		t.Fatalf("state = %v", c.State())
	}
}

func TestKeepaliveTimeoutReconnects(t *testing.T) {
	f := newFakeEventSub(t, func(_ *fakeEventSub, idx int, ctx context.Context, c *websocket.Conn) {
		if idx == 0 {
			// Silent after the welcome.
			send(ctx, c, welcome("s1", 1))
			return
		}
		send(ctx, c, welcome("s2", 10))
	})
	sub := &fakeSubscriber{}
	c := New(testConfig(f.URL(), sub), nil)
	if !c.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Listen(ctx)

	waitFor(t, "new session", func() bool { return c.SessionID() == "s2" && c.State() == core.Ready })
	calls := sub.Calls()
	if len(calls) != 12 || !strings.HasPrefix(calls[11], "s2:") {
		t.Fatalf("expected resubscription on the new session, got %v", calls)
	}
	if c.Attempts() != 0 {
		t.Fatalf("attempts should reset after success, got %d", c.Attempts())
	}
}

func TestReconnectBoundedThenManualConnect(t *testing.T) {
	var allow atomic.Bool
	f := newFakeEventSub(t, func(_ *fakeEventSub, idx int, ctx context.Context, c *websocket.Conn) {
		switch {
		case idx == 0:
			send(ctx, c, welcome("s1", 1))
		case allow.Load():
			send(ctx, c, welcome("s2", 10))
		default:
			send(ctx, c, `{"metadata":{"message_id":"k","message_type":"session_keepalive"},"payload":{}}`)
		}
	})
	c := New(testConfig(f.URL(), &fakeSubscriber{}), nil)
	if !c.Connect(context.Background()) {
		t.Fatal("connect failed")
	}

	done := make(chan struct{})
	go func() {
		c.Listen(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not give up")
	}
	if c.Attempts() != defaultMaxReconnect {
		t.Fatalf("attempts = %d, want %d", c.Attempts(), defaultMaxReconnect)
	}
	if c.State() != core.Disconnected {
		t.Fatalf("state after exhaustion = %v", c.State())
	}
	if got := f.accepts.Load(); got != 1+defaultMaxReconnect {
		t.Fatalf("accepts = %d", got)
	}

	allow.Store(true)
	if !c.Connect(context.Background()) {
		t.Fatal("manual connect after exhaustion failed")
	}
	defer c.Disconnect()
	if c.State() != core.Ready || c.SessionID() != "s2" || c.Attempts() != 0 {
		t.Fatalf("state = %v session = %q attempts = %d", c.State(), c.SessionID(), c.Attempts())
	}
}

func TestDecodeEvent(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		typ   string
		event string
		check func(core.Event) bool
	}{
		{"timeout", "channel.moderate",
			`{"moderator_user_login":"mod","action":"timeout","timeout":{"user_login":"bob","reason":"spam","expires_at":"2024-01-01T00:10:00Z"}}`,
			func(e core.Event) bool {
				return e.Kind == core.EventModeration && e.Action == "timeout" && e.Target == "bob" && e.Duration == 600 && e.Reason == "spam"
			}},
		{"delete", "channel.moderate",
			`{"moderator_user_login":"mod","action":"delete","delete":{"user_login":"bob","message_id":"m9","message_body":"feo"}}`,
			func(e core.Event) bool {
				return e.Action == "delete" && e.Text == "feo" && e.ID == "m9" && e.Moderator == "mod"
			}},
		{"clear", "channel.moderate", `{"moderator_user_login":"mod","action":"clear"}`,
			func(e core.Event) bool { return e.Kind == core.EventClear }},
		{"raid", "channel.raid", `{"from_broadcaster_user_login":"amiga","from_broadcaster_user_name":"Amiga","viewers":42}`,
			func(e core.Event) bool { return e.Kind == core.EventRaid && e.FromUser == "Amiga" && e.Viewers == 42 }},
		{"update", "channel.update", `{"title":"Jugando","category_name":"Just Chatting"}`,
			func(e core.Event) bool {
				return e.Kind == core.EventChannelUpdate && e.Title == "Jugando" && e.Category == "Just Chatting"
			}},
		{"broadcaster chat", "channel.chat.message",
			`{"broadcaster_user_id":"100","chatter_user_id":"100","chatter_user_login":"zkleis","message_id":"x","message":{"text":"hi"},"badges":[]}`,
			func(e core.Event) bool { return e.Roles.Broadcaster && e.Roles.Elevated() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := decodeEvent(tc.typ, []byte(tc.event), at)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !tc.check(ev) {
				t.Fatalf("unexpected event %+v", ev)
			}
		})
	}

	if _, err := decodeEvent("channel.ban", []byte(`{}`), at); !errors.Is(err, errUnknownType) {
		t.Fatalf("unknown type err = %v", err)
	}
	var pe *core.ProtocolError
	if _, err := decodeEvent("channel.follow", []byte(`{"followed_at":12}`), at); !errors.As(err, &pe) {
		t.Fatalf("malformed event err = %v", err)
	}
}
