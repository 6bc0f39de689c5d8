package presence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	defaultChatRecheck = 10 * time.Minute
	defaultMaxInflight = 4
)

type Options struct {
	Follows FollowLookup
	Users   UserLookup

	// Ignore lists logins (bots, the bot itself) that never get presence
	// records from chat or membership.
	Ignore []string

	Color func() string
	// OnChange receives every record mutation with the context of the
	// observation that caused it.
	OnChange func(context.Context, core.UserRecord)
	Metrics  *metrics.Metrics

	// ChatRecheck throttles follow lookups triggered by chat messages.
	ChatRecheck time.Duration

	// Async runs lookups on background goroutines bounded by MaxInflight.
	Async       bool
	MaxInflight int

	Now func() time.Time
}

// Reconciler is the single mutation point for the Store. Both channel
// adapters call it concurrently.
type Reconciler struct {
	store  *Store
	opts   Options
	ignore map[string]struct{}

	joinedMu sync.Mutex
	joined   map[string]struct{}

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(store *Store, opts Options) *Reconciler {
	if store == nil {
		store = NewStore()
	}
	if opts.Color == nil {
		opts.Color = RandomColor
	}
	if opts.ChatRecheck <= 0 {
		opts.ChatRecheck = defaultChatRecheck
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = defaultMaxInflight
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ignore := make(map[string]struct{}, len(opts.Ignore))
	for _, name := range opts.Ignore {
		if key := core.NormalizeName(name); key != "" {
			ignore[key] = struct{}{}
		}
	}
	return &Reconciler{
		store:  store,
		opts:   opts,
		ignore: ignore,
		joined: make(map[string]struct{}),
		sem:    make(chan struct{}, opts.MaxInflight),
	}
}

func (r *Reconciler) Store() *Store { return r.store }

// Ignored reports whether name is excluded from presence tracking.
func (r *Reconciler) Ignored(name string) bool {
	_, ok := r.ignore[core.NormalizeName(name)]
	return ok
}

// OnUserSeen records a passive observation (chat, redemption). Unknown users
// are created as Visita; known users only get a missing id filled in. Chat
// observations also schedule a throttled follow lookup.
func (r *Reconciler) OnUserSeen(ctx context.Context, name, idHint string, kind core.EventKind) (core.UserRecord, bool) {
	key := core.NormalizeName(name)
	if key == "" || r.Ignored(key) {
		return core.UserRecord{}, false
	}
	idHint = strings.TrimSpace(idHint)
	now := r.opts.Now()

	r.store.mu.Lock()
	e, exists := r.store.users[key]
	changed := false
	if !exists {
		e = &entry{rec: core.UserRecord{
			Name:   key,
			UserID: idHint,
			Status: core.Visita,
			Color:  r.opts.Color(),
		}}
		r.store.users[key] = e
		changed = true
	} else if e.rec.UserID == "" && idHint != "" {
		e.rec.UserID = idHint
		changed = true
	}
	if changed {
		r.store.touch(e)
	}
	recheck := false
	if kind == core.EventChat && now.Sub(e.checkedAt) >= r.opts.ChatRecheck {
		e.checkedAt = now
		recheck = true
	}
	rec := e.rec
	r.store.mu.Unlock()

	if changed {
		r.notify(ctx, rec)
	}
	if recheck {
		r.resolve(ctx, key)
	}
	return rec, true
}

// OnJoin marks name present and schedules a follow lookup. Unknown users are
// created as New.
func (r *Reconciler) OnJoin(ctx context.Context, name string) (core.UserRecord, bool) {
	key := core.NormalizeName(name)
	if key == "" || r.Ignored(key) {
		return core.UserRecord{}, false
	}

	r.joinedMu.Lock()
	r.joined[key] = struct{}{}
	r.joinedMu.Unlock()

	r.store.mu.Lock()
	e, exists := r.store.users[key]
	if !exists {
		e = &entry{rec: core.UserRecord{Name: key, Status: core.New, Color: r.opts.Color()}}
		r.store.users[key] = e
		r.store.touch(e)
	}
	e.checkedAt = r.opts.Now()
	rec := e.rec
	r.store.mu.Unlock()

	if !exists {
		r.notify(ctx, rec)
	}
	r.resolve(ctx, key)
	return r.current(key, rec), true
}

// OnPart removes name from the joined set and schedules a follow lookup.
// Parting a user that is not joined is a no-op.
func (r *Reconciler) OnPart(ctx context.Context, name string) (core.UserRecord, bool) {
	key := core.NormalizeName(name)
	if key == "" {
		return core.UserRecord{}, false
	}

	r.joinedMu.Lock()
	_, present := r.joined[key]
	delete(r.joined, key)
	r.joinedMu.Unlock()
	if !present {
		return core.UserRecord{}, false
	}

	rec, ok := r.store.Get(key)
	if !ok {
		return core.UserRecord{}, false
	}
	r.resolve(ctx, key)
	return r.current(key, rec), true
}

// OnFollowEvent applies a pushed follow. The date is authoritative except
// that a later stored date is never replaced by an earlier one.
func (r *Reconciler) OnFollowEvent(ctx context.Context, name, id string, followedAt time.Time) core.UserRecord {
	key := core.NormalizeName(name)
	if key == "" {
		return core.UserRecord{}
	}
	if followedAt.IsZero() {
		followedAt = r.opts.Now()
	}
	followedAt = followedAt.UTC()
	id = strings.TrimSpace(id)

	r.store.mu.Lock()
	e, exists := r.store.users[key]
	changed := !exists
	if !exists {
		e = &entry{rec: core.UserRecord{Name: key, Color: r.opts.Color()}}
		r.store.users[key] = e
	}
	e.pushSeq++
	if id != "" && e.rec.UserID != id {
		e.rec.UserID = id
		changed = true
	}
	if !(e.rec.Status.IsDate() && e.rec.Status.Since.After(followedAt)) {
		next := core.FollowedOn(followedAt)
		if !sameStatus(next, e.rec.Status) {
			e.rec.Status = next
			changed = true
		}
	}
	if changed {
		r.store.touch(e)
	}
	rec := e.rec
	r.store.mu.Unlock()

	if changed {
		r.notify(ctx, rec)
	}
	return rec
}

// SetNickname assigns an override label to a known user.
func (r *Reconciler) SetNickname(name, nickname string) (core.UserRecord, bool) {
	key := core.NormalizeName(name)
	r.store.mu.Lock()
	e, ok := r.store.users[key]
	if !ok {
		r.store.mu.Unlock()
		return core.UserRecord{}, false
	}
	e.rec.Nickname = strings.TrimSpace(nickname)
	r.store.touch(e)
	rec := e.rec
	r.store.mu.Unlock()

	r.notify(context.Background(), rec)
	return rec, true
}

// Joined lists the users the IRC channel currently reports present.
func (r *Reconciler) Joined() []string {
	r.joinedMu.Lock()
	out := make([]string, 0, len(r.joined))
	for name := range r.joined {
		out = append(out, name)
	}
	r.joinedMu.Unlock()
	sort.Strings(out)
	return out
}

func (r *Reconciler) IsJoined(name string) bool {
	r.joinedMu.Lock()
	defer r.joinedMu.Unlock()
	_, ok := r.joined[core.NormalizeName(name)]
	return ok
}

// ResetJoined clears the joined set after the IRC transport drops.
func (r *Reconciler) ResetJoined() {
	r.joinedMu.Lock()
	clear(r.joined)
	r.joinedMu.Unlock()
}

// Wait blocks until background lookups finish.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

func (r *Reconciler) current(key string, fallback core.UserRecord) core.UserRecord {
	if rec, ok := r.store.Get(key); ok {
		return rec
	}
	return fallback
}

func (r *Reconciler) resolve(ctx context.Context, key string) {
	if r.opts.Follows == nil {
		return
	}
	if !r.opts.Async {
		r.refresh(ctx, key)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-r.sem }()
		r.refresh(ctx, key)
	}()
}

// refresh runs the lookup path for key without holding the store lock
// across network calls.
func (r *Reconciler) refresh(ctx context.Context, key string) {
	r.store.mu.Lock()
	e, ok := r.store.users[key]
	if !ok {
		r.store.mu.Unlock()
		return
	}
	id := e.rec.UserID
	seq := e.pushSeq
	r.store.mu.Unlock()

	resolvedID := ""
	if id == "" {
		if r.opts.Users == nil {
			return
		}
		found, ok, err := r.opts.Users.ResolveUserID(ctx, key)
		if err != nil {
			r.lookupFailed("user", key, err)
			return
		}
		if !ok || found == "" {
			r.opts.Metrics.IncLookup("user", "miss")
			slog.Debug("presence: user id not found", "user", key)
			return
		}
		r.opts.Metrics.IncLookup("user", "ok")
		id, resolvedID = found, found
	}

	followedAt, following, err := r.opts.Follows.LookupFollow(ctx, id)
	if err != nil {
		r.lookupFailed("follow", key, err)
		if resolvedID != "" {
			r.setID(ctx, key, resolvedID)
		}
		return
	}
	if following {
		r.opts.Metrics.IncLookup("follow", "ok")
	} else {
		r.opts.Metrics.IncLookup("follow", "miss")
	}

	r.store.mu.Lock()
	e, ok = r.store.users[key]
	if !ok {
		r.store.mu.Unlock()
		return
	}
	changed := false
	if resolvedID != "" && e.rec.UserID == "" {
		e.rec.UserID = resolvedID
		changed = true
	}
	if !following && e.pushSeq != seq {
		if changed {
			r.store.touch(e)
		}
		rec := e.rec
		r.store.mu.Unlock()
		slog.Debug("presence: negative lookup raced a follow push; discarded", "user", key)
		if changed {
			r.notify(ctx, rec)
		}
		return
	}
	next := Resolve(e.rec.Status, followedAt, following)
	if !sameStatus(next, e.rec.Status) {
		if next.Kind == core.StatusRenegado {
			slog.Info("presence: follow no longer found", "user", key, "was", e.rec.Status.String())
		}
		e.rec.Status = next
		changed = true
	}
	if changed {
		r.store.touch(e)
	}
	rec := e.rec
	r.store.mu.Unlock()

	if changed {
		r.notify(ctx, rec)
	}
}

func (r *Reconciler) setID(ctx context.Context, key, id string) {
	r.store.mu.Lock()
	e, ok := r.store.users[key]
	if !ok || e.rec.UserID != "" {
		r.store.mu.Unlock()
		return
	}
	e.rec.UserID = id
	r.store.touch(e)
	rec := e.rec
	r.store.mu.Unlock()
	r.notify(ctx, rec)
}

func (r *Reconciler) lookupFailed(kind, key string, err error) {
	r.opts.Metrics.IncLookup(kind, "error")
	slog.Warn("presence: lookup failed; status unchanged",
		"kind", kind,
		"user", key,
		"err", &core.LookupError{Op: kind, Err: err},
	)
}

func (r *Reconciler) notify(ctx context.Context, rec core.UserRecord) {
	r.opts.Metrics.SetStoreUsers(r.store.Len())
	if r.opts.OnChange != nil {
		r.opts.OnChange(ctx, rec)
	}
}

// Get returns a copy of the record for name.
func (r *Reconciler) Get(name string) (core.UserRecord, bool) {
	return r.store.Get(name)
}

// Snapshot copies every record, sorted by name.
func (r *Reconciler) Snapshot() []core.UserRecord {
	return r.store.Snapshot()
}

// Load seeds the store from persisted records and returns how many were
// added.
func (r *Reconciler) Load(records []core.UserRecord) int {
	n := r.store.Load(records, r.opts.Color)
	r.opts.Metrics.SetStoreUsers(r.store.Len())
	return n
}
