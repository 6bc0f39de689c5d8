package ingesttrace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/you/zkleis-bot/internal/core"
)

// Stage names a step an event passes through between the wire and the
// store.
type Stage string

const (
	StageReceived   Stage = "received"
	StageNormalized Stage = "normalized"
	StageReconciled Stage = "reconciled"
	StagePersisted  Stage = "persisted"

	StageDroppedPrefix = "dropped_"
)

const maxSnippet = 40

// StageDropped creates a Stage for an event dropped for reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// EventTrace follows one event through the ingest pipeline. A nil trace is
// valid and records nothing.
type EventTrace struct {
	Source  string
	Kind    string
	User    string
	Snippet string
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// New seeds a trace with the received counter.
func New(source, kind, user, id, snippet string) *EventTrace {
	snippet = truncate(snippet)
	trace := &EventTrace{
		Source:   source,
		Kind:     kind,
		User:     user,
		Snippet:  snippet,
		TraceID:  computeTraceID(source, kind, user, id, snippet),
		counters: make(map[Stage]int64),
	}
	trace.counters[StageReceived] = 1
	return trace
}

// FromEvent builds the trace for a normalized event.
func FromEvent(ev core.Event) *EventTrace {
	return New(string(ev.Source), string(ev.Kind), ev.User, ev.ID, ev.Text)
}

// Inc increments the counter for stage and returns the updated value.
func (t *EventTrace) Inc(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters[stage]++
	return t.counters[stage]
}

// Count returns the current counter for stage.
func (t *EventTrace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// Log writes the trace at debug level.
func (t *EventTrace) Log(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug(msg,
		"trace_id", t.TraceID,
		"source", t.Source,
		"kind", t.Kind,
		"user", t.User,
		"snippet", t.Snippet,
		"counters", t.snapshotCounters(),
	)
}

func (t *EventTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		out[stage] = count
	}
	return out
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxSnippet {
		return s
	}
	return string(r[:maxSnippet]) + "…"
}

func computeTraceID(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

type ctxKey struct{}

// WithTrace attaches t to ctx so downstream stages can count against it.
func WithTrace(ctx context.Context, t *EventTrace) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the trace attached to ctx, or nil.
func FromContext(ctx context.Context) *EventTrace {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(ctxKey{}).(*EventTrace)
	return t
}
