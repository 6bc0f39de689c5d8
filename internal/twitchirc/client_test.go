package twitchirc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

const welcome = ":tmi.twitch.tv 001 zkbot :Welcome, GLHF!\r\n" +
	":zkbot!zkbot@zkbot.tmi.twitch.tv JOIN #chan\r\n" +
	":zkbot.tmi.twitch.tv 366 zkbot #chan :End of /NAMES list\r\n"

// fakeIRC is a scripted Twitch IRC server on 127.0.0.1:0. serve runs for
// each accepted connection with its 0-based index.
type fakeIRC struct {
	t       *testing.T
	ln      net.Listener
	accepts atomic.Int32
	serve   func(f *fakeIRC, idx int, c net.Conn, r *bufio.Reader)

	mu    sync.Mutex
	lines []string
}

func newFakeIRC(t *testing.T, serve func(f *fakeIRC, idx int, c net.Conn, r *bufio.Reader)) *fakeIRC {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeIRC{t: t, ln: ln, serve: serve}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			idx := int(f.accepts.Add(1)) - 1
			go func(c net.Conn) {
				defer c.Close()
				f.serve(f, idx, c, bufio.NewReader(c))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeIRC) Addr() string { return f.ln.Addr().String() }

// readHandshake consumes and records the six client handshake lines.
func (f *fakeIRC) readHandshake(r *bufio.Reader) bool {
	for i := 0; i < 6; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		f.record(line)
	}
	return true
}

func (f *fakeIRC) record(line string) {
	f.mu.Lock()
	f.lines = append(f.lines, strings.TrimRight(line, "\r\n"))
	f.mu.Unlock()
}

func (f *fakeIRC) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(addr string) Config {
	return Config{
		Channel:          "Chan",
		Nick:             "zkbot",
		Token:            "abc123",
		Addr:             addr,
		ReconnectDelay:   10 * time.Millisecond,
		HandshakeTimeout: 500 * time.Millisecond,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
	ch     chan core.Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan core.Event, 32)} }

func (l *eventLog) handle(_ context.Context, ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

func (l *eventLog) next(t *testing.T) core.Event {
	t.Helper()
	select {
	case ev := <-l.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return core.Event{}
}

func TestConnectHandshake(t *testing.T) {
	srv := newFakeIRC(t, func(srv *fakeIRC, _ int, c net.Conn, r *bufio.Reader) {
		if !srv.readHandshake(r) {
			return
		}
		fmt.Fprint(c, welcome)
		_, _ = r.ReadString('\n')
	})

	a := New(testConfig(srv.Addr()), nil)
	if !a.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	defer a.Disconnect()
	if a.State() != core.Ready {
		t.Fatalf("state = %v, want ready", a.State())
	}

	want := []string{
		"PASS oauth:abc123",
		"NICK zkbot",
		"CAP REQ :twitch.tv/membership",
		"CAP REQ :twitch.tv/commands",
		"CAP REQ :twitch.tv/tags",
		"JOIN #chan",
	}
	got := srv.Lines()
	if len(got) != len(want) {
		t.Fatalf("handshake lines = %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConnectAuthFailure(t *testing.T) {
	srv := newFakeIRC(t, func(srv *fakeIRC, _ int, c net.Conn, r *bufio.Reader) {
		if !srv.readHandshake(r) {
			return
		}
		fmt.Fprint(c, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
	})

	refreshed := make(chan struct{}, 1)
	cfg := testConfig(srv.Addr())
	cfg.RefreshNow = func(context.Context) (string, error) {
		refreshed <- struct{}{}
		return "new", nil
	}
	a := New(cfg, nil)
	if a.Connect(context.Background()) {
		t.Fatal("connect should fail on login notice")
	}
	if a.State() != core.Disconnected {
		t.Fatalf("state = %v", a.State())
	}
	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("RefreshNow was not called")
	}
}

func TestConnectTimeout(t *testing.T) {
	srv := newFakeIRC(t, func(srv *fakeIRC, _ int, c net.Conn, r *bufio.Reader) {
		srv.readHandshake(r)
		time.Sleep(time.Second)
	})
	cfg := testConfig(srv.Addr())
	cfg.HandshakeTimeout = 100 * time.Millisecond
	a := New(cfg, nil)
	if a.Connect(context.Background()) {
		t.Fatal("connect should time out without a welcome")
	}
}

func TestListenPingAndEvents(t *testing.T) {
	pong := make(chan string, 1)
	srv := newFakeIRC(t, func(srv *fakeIRC, _ int, c net.Conn, r *bufio.Reader) {
		if !srv.readHandshake(r) {
			return
		}
		fmt.Fprint(c, welcome)
		fmt.Fprint(c, "PING :tmi.twitch.tv\r\n")
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		pong <- strings.TrimRight(line, "\r\n")
		fmt.Fprint(c, ":alice!alice@alice.tmi.twitch.tv JOIN #chan\r\n")
		fmt.Fprint(c, ":zkbot!zkbot@zkbot.tmi.twitch.tv JOIN #chan\r\n")
		fmt.Fprint(c, "@badges=moderator/1;display-name=Alice;id=m1;user-id=42 :alice!alice@alice.tmi.twitch.tv PRIVMSG #chan :?hi\r\n")
		fmt.Fprint(c, "@ban-duration=600;ban-reason=spam\\sbots;target-user-id=9 :tmi.twitch.tv CLEARCHAT #chan :spammer\r\n")
		fmt.Fprint(c, ":alice!alice@alice.tmi.twitch.tv PART #chan\r\n")
		for {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
	})

	events := newEventLog()
	var resets atomic.Int32
	cfg := testConfig(srv.Addr())
	cfg.OnDisconnect = func() { resets.Add(1) }
	a := New(cfg, events.handle)
	if !a.Connect(context.Background()) {
		t.Fatal("connect failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Listen(ctx)
		close(done)
	}()

	select {
	case got := <-pong:
		if got != "PONG :tmi.twitch.tv" {
			t.Fatalf("pong = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no PONG")
	}

	join := events.next(t)
	if join.Kind != core.EventJoin || join.User != "alice" || join.Source != core.SourceIRC {
		t.Fatalf("join = %+v", join)
	}
	chat := events.next(t)
	if chat.Kind != core.EventChat || chat.UserID != "42" || chat.Text != "?hi" || !chat.Roles.Moderator || chat.ID != "m1" {
		t.Fatalf("chat = %+v", chat)
	}
	ban := events.next(t)
	if ban.Kind != core.EventModeration || ban.Action != "timeout" || ban.Duration != 600 || ban.Reason != "spam bots" || ban.Target != "spammer" {
		t.Fatalf("clearchat = %+v", ban)
	}
	part := events.next(t)
	if part.Kind != core.EventPart || part.User != "alice" {
		t.Fatalf("part = %+v", part)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not exit on cancel")
	}
	if a.State() != core.Disconnected {
		t.Fatalf("state after cancel = %v", a.State())
	}
	if resets.Load() == 0 {
		t.Fatal("OnDisconnect not called")
	}
}

func TestReconnectBoundedThenManualConnect(t *testing.T) {
	var allow atomic.Bool
	srv := newFakeIRC(t, func(srv *fakeIRC, idx int, c net.Conn, r *bufio.Reader) {
		if !srv.readHandshake(r) {
			return
		}
		if idx == 0 {
			// First session joins and then drops.
			fmt.Fprint(c, welcome)
			return
		}
		if allow.Load() {
			fmt.Fprint(c, welcome)
			_, _ = r.ReadString('\n')
			return
		}
		fmt.Fprint(c, ":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
	})

	a := New(testConfig(srv.Addr()), nil)
	ctx := context.Background()
	if !a.Connect(ctx) {
		t.Fatal("initial connect failed")
	}

	done := make(chan struct{})
	go func() {
		a.Listen(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listen kept retrying")
	}

	if got := a.Attempts(); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
	if got := srv.accepts.Load(); got != 6 {
		t.Fatalf("server saw %d connections, want 6", got)
	}
	if a.State() != core.Disconnected {
		t.Fatalf("state = %v", a.State())
	}

	allow.Store(true)
	if !a.Connect(ctx) {
		t.Fatal("manual connect after exhaustion should be permitted")
	}
	defer a.Disconnect()
	if a.Attempts() != 0 {
		t.Fatalf("successful connect should reset attempts, got %d", a.Attempts())
	}
}

func TestSayAndDisconnect(t *testing.T) {
	got := make(chan string, 4)
	srv := newFakeIRC(t, func(srv *fakeIRC, _ int, c net.Conn, r *bufio.Reader) {
		if !srv.readHandshake(r) {
			return
		}
		fmt.Fprint(c, welcome)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			got <- strings.TrimRight(line, "\r\n")
		}
	})

	a := New(testConfig(srv.Addr()), nil)
	if err := a.Say(context.Background(), "too early"); err == nil {
		t.Fatal("say before connect should fail")
	}
	if !a.Connect(context.Background()) {
		t.Fatal("connect failed")
	}
	if err := a.Say(context.Background(), "hola\nchat"); err != nil {
		t.Fatalf("say: %v", err)
	}
	a.Disconnect()

	want := []string{"PRIVMSG #chan :hola chat", "PART #chan", "QUIT"}
	for _, w := range want {
		select {
		case line := <-got:
			if line != w {
				t.Fatalf("got %q, want %q", line, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %q", w)
		}
	}
}
