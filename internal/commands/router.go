// Package commands dispatches prefixed chat commands. Commands run on a
// single goroutine fed by the ingest dispatcher.
package commands

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"sort"
	"strings"

	"github.com/you/zkleis-bot/internal/conversation"
	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/twitchapi"
)

const (
	DefaultPrefix = "?"
	queueSize     = 64
)

type Sayer interface {
	Say(ctx context.Context, text string) error
}

// Channel is the Helix surface the commands use.
type Channel interface {
	ChannelInfo(ctx context.Context) (twitchapi.ChannelInfo, error)
	SetTitle(ctx context.Context, title string) error
	SetGame(ctx context.Context, name string) (string, error)
	CreateMarker(ctx context.Context, description string) error
	CreateClip(ctx context.Context) (string, error)
}

// Users reads and annotates presence records.
type Users interface {
	Get(name string) (core.UserRecord, bool)
	SetNickname(name, nickname string) (core.UserRecord, bool)
	Joined() []string
}

type Options struct {
	Prefix       string
	Bot          string
	Say          Sayer
	Channel      Channel
	Users        Users
	Conversation *conversation.Manager
}

type permission int

const (
	permAnyone permission = iota
	permElevated
	permModerator
	permBroadcaster
)

func (p permission) allows(r core.Roles) bool {
	switch p {
	case permElevated:
		return r.Elevated()
	case permModerator:
		return r.CanModerate()
	case permBroadcaster:
		return r.Broadcaster
	default:
		return true
	}
}

// call is one parsed invocation.
type call struct {
	ev   core.Event
	name string
	args string
}

func (c call) user() string {
	if c.ev.DisplayName != "" {
		return c.ev.DisplayName
	}
	return c.ev.User
}

type command struct {
	name    string
	aliases []string
	perm    permission
	run     func(ctx context.Context, c call) []string
}

type Router struct {
	opts  Options
	table map[string]*command
	names []string
	queue chan call
}

func New(opts Options) *Router {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	opts.Bot = core.NormalizeName(opts.Bot)
	r := &Router{
		opts:  opts,
		table: make(map[string]*command),
		queue: make(chan call, queueSize),
	}
	r.register()
	return r
}

func (r *Router) add(c *command) {
	r.table[c.name] = c
	for _, a := range c.aliases {
		r.table[strings.ToLower(a)] = c
	}
	r.names = append(r.names, c.name)
}

// Commands lists the primary command names.
func (r *Router) Commands() []string {
	out := append([]string(nil), r.names...)
	sort.Strings(out)
	return out
}

// Parse splits a chat line into command name and arguments. ok is false when
// the line is not a known command.
func (r *Router) Parse(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.opts.Prefix) {
		return "", "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(text, r.opts.Prefix))
	head, rest, _ := strings.Cut(body, " ")
	cmd, found := r.table[strings.ToLower(head)]
	if !found {
		return "", "", false
	}
	return cmd.name, strings.TrimSpace(rest), true
}

// HandleChat queues a chat message for dispatch. It never blocks the
// calling adapter; a full queue drops the command.
func (r *Router) HandleChat(_ context.Context, ev core.Event) {
	if core.NormalizeName(ev.User) == r.opts.Bot {
		return
	}
	name, args, ok := r.Parse(ev.Text)
	if !ok {
		return
	}
	select {
	case r.queue <- call{ev: ev, name: name, args: args}:
	default:
		slog.Warn("commands: queue full; command dropped", "command", name, "user", ev.User)
	}
}

// Run executes queued commands until ctx ends.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.queue:
			r.Execute(ctx, c.ev, c.name, c.args)
		}
	}
}

// Execute runs name synchronously and sends its replies.
func (r *Router) Execute(ctx context.Context, ev core.Event, name, args string) {
	cmd, ok := r.table[name]
	if !ok {
		return
	}
	if !cmd.perm.allows(ev.Roles) {
		slog.Debug("commands: permission denied", "command", name, "user", ev.User)
		return
	}
	log.Printf("commands: %s by %s", name, ev.User)
	for _, reply := range cmd.run(ctx, call{ev: ev, name: name, args: args}) {
		if r.opts.Say == nil {
			continue
		}
		if err := r.opts.Say.Say(ctx, reply); err != nil {
			slog.Warn("commands: reply not sent", "command", name, "err", err)
		}
	}
}

func errorText(op string, err error) []string {
	slog.Warn("commands: "+op+" failed", "err", err)
	if errors.Is(err, twitchapi.ErrNotFound) {
		return []string{"No encontrado."}
	}
	return []string{"No se pudo completar " + op + "."}
}
