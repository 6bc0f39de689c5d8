// Package ingest routes normalized events from both channel adapters into
// the reconciler, the panel feed, and the command router.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/ingesttrace"
	"github.com/you/zkleis-bot/internal/metrics"
	"github.com/you/zkleis-bot/internal/panel"
)

const (
	defaultSeenSize = 2048
	defaultSeenTTL  = 5 * time.Minute
)

// Reconciler is the slice of presence.Reconciler the dispatcher drives.
type Reconciler interface {
	OnUserSeen(ctx context.Context, name, idHint string, kind core.EventKind) (core.UserRecord, bool)
	OnJoin(ctx context.Context, name string) (core.UserRecord, bool)
	OnPart(ctx context.Context, name string) (core.UserRecord, bool)
	OnFollowEvent(ctx context.Context, name, id string, followedAt time.Time) core.UserRecord
	Get(name string) (core.UserRecord, bool)
}

type Publisher interface {
	Publish(panel.Line) panel.Line
}

// CommandHandler receives every chat message after reconciliation.
type CommandHandler interface {
	HandleChat(ctx context.Context, ev core.Event)
}

type Options struct {
	Reconciler Reconciler
	Formatter  *panel.Formatter
	Panel      Publisher
	Commands   CommandHandler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// SeenTTL bounds how long a chat message id is remembered for
	// cross-channel dedupe.
	SeenTTL time.Duration
}

// Dispatcher is safe for concurrent use by both adapters.
type Dispatcher struct {
	opts Options
	seen *expirable.LRU[string, struct{}]
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = defaultSeenTTL
	}
	return &Dispatcher{
		opts: opts,
		seen: expirable.NewLRU[string, struct{}](defaultSeenSize, nil, opts.SeenTTL),
	}
}

// HandleEvent matches both twitchirc.Handler and eventsub.Handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev core.Event) {
	d.opts.Metrics.IncEvent(string(ev.Source), string(ev.Kind))
	trace := ingesttrace.FromEvent(ev)
	trace.Inc(ingesttrace.StageNormalized)
	ctx = ingesttrace.WithTrace(ctx, trace)

	// The same chat message arrives on IRC and EventSub with one id.
	if ev.Kind == core.EventChat && ev.ID != "" {
		if d.seen.Contains(ev.ID) {
			trace.Inc(ingesttrace.StageDropped("duplicate"))
			trace.Log(d.opts.Logger, "ingest: duplicate chat message")
			return
		}
		d.seen.Add(ev.ID, struct{}{})
	}

	var rec core.UserRecord
	switch ev.Kind {
	case core.EventChat, core.EventRedemption:
		rec, _ = d.opts.Reconciler.OnUserSeen(ctx, ev.User, ev.UserID, ev.Kind)
	case core.EventJoin:
		var ok bool
		if rec, ok = d.opts.Reconciler.OnJoin(ctx, ev.User); !ok {
			trace.Inc(ingesttrace.StageDropped("ignored"))
			trace.Log(d.opts.Logger, "ingest: event")
			return
		}
	case core.EventPart:
		var ok bool
		if rec, ok = d.opts.Reconciler.OnPart(ctx, ev.User); !ok {
			trace.Inc(ingesttrace.StageDropped("not_joined"))
			trace.Log(d.opts.Logger, "ingest: event")
			return
		}
	case core.EventFollow:
		rec = d.opts.Reconciler.OnFollowEvent(ctx, ev.User, ev.UserID, ev.FollowedAt)
	}
	if rec.Name == "" && ev.User != "" {
		rec, _ = d.opts.Reconciler.Get(ev.User)
	}
	if rec.Name == "" {
		rec.Name = ev.User
	}
	trace.Inc(ingesttrace.StageReconciled)

	if d.opts.Formatter != nil && d.opts.Panel != nil {
		if line, ok := d.opts.Formatter.Event(ev, rec); ok {
			d.opts.Panel.Publish(line)
		}
	}
	if ev.Kind == core.EventChat && d.opts.Commands != nil {
		d.opts.Commands.HandleChat(ctx, ev)
	}
	trace.Log(d.opts.Logger, "ingest: event")
}
