package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

type fakeFollows struct {
	mu      sync.Mutex
	dates   map[string]time.Time
	err     error
	calls   int
	onCall  func()
	lastIDs []string
}

func (f *fakeFollows) set(id string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dates == nil {
		f.dates = make(map[string]time.Time)
	}
	f.dates[id] = t
}

func (f *fakeFollows) unset(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dates, id)
}

func (f *fakeFollows) LookupFollow(_ context.Context, userID string) (time.Time, bool, error) {
	f.mu.Lock()
	f.calls++
	f.lastIDs = append(f.lastIDs, userID)
	hook := f.onCall
	err := f.err
	at, ok := f.dates[userID]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at, ok, nil
}

func (f *fakeFollows) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeUsers map[string]string

func (u fakeUsers) ResolveUserID(_ context.Context, login string) (string, bool, error) {
	id, ok := u[login]
	return id, ok, nil
}

func fixedColor() string { return "\033[92m" }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestReconciler(follows FollowLookup, users UserLookup, opts Options) *Reconciler {
	opts.Follows = follows
	opts.Users = users
	if opts.Color == nil {
		opts.Color = fixedColor
	}
	return New(NewStore(), opts)
}

func TestBobScenario(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	r := newTestReconciler(follows, fakeUsers{"bob": "100"}, Options{})

	rec, ok := r.OnUserSeen(ctx, "Bob", "", core.EventChat)
	if !ok {
		t.Fatalf("expected bob to be recorded")
	}
	if rec.Status != core.Visita || rec.Color == "" || rec.Nickname != "" {
		t.Fatalf("first sighting = %+v", rec)
	}

	follows.set("100", day(2024, 1, 1))
	rec, _ = r.OnJoin(ctx, "bob")
	if got := rec.Status.String(); got != "2024-01-01" {
		t.Fatalf("after join with follow: %q", got)
	}
	if rec.UserID != "100" {
		t.Fatalf("user id not resolved: %+v", rec)
	}

	follows.unset("100")
	rec, _ = r.OnJoin(ctx, "bob")
	if rec.Status != core.Renegado {
		t.Fatalf("after join without follow: %v", rec.Status)
	}
}

func TestChatCreatesVisitaAndChecksFollow(t *testing.T) {
	ctx := context.Background()
	now := day(2024, 5, 1)
	follows := &fakeFollows{}
	follows.set("7", day(2023, 2, 3))
	r := newTestReconciler(follows, nil, Options{Now: func() time.Time { return now }})

	rec, _ := r.OnUserSeen(ctx, "alice", "7", core.EventChat)
	if rec.Status != core.Visita {
		t.Fatalf("returned record should be the creation snapshot, got %v", rec.Status)
	}
	got, _ := r.Store().Get("alice")
	if got.Status.String() != "2023-02-03" {
		t.Fatalf("chat should trigger a follow lookup, got %v", got.Status)
	}

	r.OnUserSeen(ctx, "alice", "7", core.EventChat)
	if follows.Calls() != 1 {
		t.Fatalf("recheck should be throttled, got %d lookups", follows.Calls())
	}
	now = now.Add(11 * time.Minute)
	r.OnUserSeen(ctx, "alice", "7", core.EventChat)
	if follows.Calls() != 2 {
		t.Fatalf("recheck after interval expected, got %d lookups", follows.Calls())
	}
}

func TestJoinUnknownUserWithoutFollowStaysNew(t *testing.T) {
	r := newTestReconciler(&fakeFollows{}, fakeUsers{"carol": "9"}, Options{})
	rec, _ := r.OnJoin(context.Background(), "carol")
	if rec.Status != core.New {
		t.Fatalf("status = %v, want New", rec.Status)
	}
	if got := r.Joined(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("joined = %v", got)
	}
}

func TestPartNotJoinedIsNoop(t *testing.T) {
	follows := &fakeFollows{}
	r := newTestReconciler(follows, fakeUsers{"dave": "5"}, Options{})
	if _, ok := r.OnPart(context.Background(), "dave"); ok {
		t.Fatalf("part of unknown user should be a no-op")
	}
	if r.Store().Len() != 0 || follows.Calls() != 0 {
		t.Fatalf("part must not create records or lookups")
	}
}

func TestPartResolvesMissingID(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	r := newTestReconciler(follows, fakeUsers{"erin": "55"}, Options{})
	r.Store().Load([]core.UserRecord{{Name: "erin", Status: core.FollowedOn(day(2022, 1, 1))}}, nil)

	r.joined["erin"] = struct{}{}
	rec, ok := r.OnPart(ctx, "erin")
	if !ok {
		t.Fatalf("expected part to be handled")
	}
	if rec.UserID != "55" || rec.Status != core.Renegado {
		t.Fatalf("part result = %+v", rec)
	}
	if r.IsJoined("erin") {
		t.Fatalf("erin should no longer be joined")
	}
}

func TestFollowEventNeverRegresses(t *testing.T) {
	r := newTestReconciler(nil, nil, Options{})
	r.OnFollowEvent(context.Background(), "frank", "1", day(2024, 3, 1))
	rec := r.OnFollowEvent(context.Background(), "frank", "1", day(2020, 1, 1))
	if rec.Status.String() != "2024-03-01" {
		t.Fatalf("date regressed to %v", rec.Status)
	}
	rec = r.OnFollowEvent(context.Background(), "frank", "1", day(2024, 6, 1))
	if rec.Status.String() != "2024-06-01" {
		t.Fatalf("later date not applied: %v", rec.Status)
	}
}

func TestFollowEventClearsRenegado(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	r := newTestReconciler(follows, nil, Options{})
	r.Store().Load([]core.UserRecord{{Name: "gus", UserID: "3", Status: core.Renegado}}, nil)

	follows.set("3", day(2024, 1, 1))
	rec, _ := r.OnJoin(ctx, "gus")
	if rec.Status != core.Renegado {
		t.Fatalf("poll must not clear Renegado, got %v", rec.Status)
	}
	rec = r.OnFollowEvent(context.Background(), "gus", "3", day(2024, 2, 2))
	if rec.Status.String() != "2024-02-02" {
		t.Fatalf("push should clear Renegado, got %v", rec.Status)
	}
}

func TestFollowEventZeroTimeUsesNow(t *testing.T) {
	now := day(2025, 7, 4)
	r := newTestReconciler(nil, nil, Options{Now: func() time.Time { return now }})
	rec := r.OnFollowEvent(context.Background(), "hana", "", time.Time{})
	if rec.Status.String() != "2025-07-04" {
		t.Fatalf("status = %v", rec.Status)
	}
}

func TestStaleNegativePollDiscarded(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	r := newTestReconciler(follows, nil, Options{})
	r.Store().Load([]core.UserRecord{{Name: "ivan", UserID: "8", Status: core.Visita}}, nil)

	follows.onCall = func() {
		// A follow push lands while the poll is in flight.
		r.OnFollowEvent(context.Background(), "ivan", "8", day(2024, 4, 4))
	}
	rec, _ := r.OnJoin(ctx, "ivan")
	if rec.Status.String() != "2024-04-04" {
		t.Fatalf("negative poll overwrote push: %v", rec.Status)
	}
}

func TestLookupFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{err: errors.New("503")}
	r := newTestReconciler(follows, nil, Options{})
	r.Store().Load([]core.UserRecord{{Name: "jo", UserID: "4", Status: core.FollowedOn(day(2021, 1, 1))}}, nil)

	rec, _ := r.OnJoin(ctx, "jo")
	if rec.Status.String() != "2021-01-01" {
		t.Fatalf("failed lookup changed status to %v", rec.Status)
	}
}

func TestIgnoredUsersNotTracked(t *testing.T) {
	r := newTestReconciler(&fakeFollows{}, nil, Options{Ignore: []string{"Nightbot", "zkbot"}})
	if _, ok := r.OnUserSeen(context.Background(), "nightbot", "1", core.EventChat); ok {
		t.Fatalf("ignored user recorded")
	}
	if _, ok := r.OnJoin(context.Background(), "@ZKBot"); ok {
		t.Fatalf("ignored join recorded")
	}
	if r.Store().Len() != 0 || len(r.Joined()) != 0 {
		t.Fatalf("store should be empty")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	follows.set("10", day(2024, 1, 1))
	var changes int
	r := newTestReconciler(follows, nil, Options{OnChange: func(context.Context, core.UserRecord) { changes++ }})
	r.Store().Load([]core.UserRecord{{Name: "kim", UserID: "10", Status: core.New}}, nil)

	r.OnJoin(ctx, "kim")
	first, _ := r.Store().Get("kim")
	r.OnJoin(ctx, "kim")
	second, _ := r.Store().Get("kim")
	if first != second {
		t.Fatalf("second reconcile changed record: %+v -> %+v", first, second)
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestOrderIndependenceOfPushAndPoll(t *testing.T) {
	ctx := context.Background()
	pushDate := day(2024, 8, 8)

	follows := &fakeFollows{}
	follows.set("12", pushDate)

	a := newTestReconciler(follows, nil, Options{})
	a.OnFollowEvent(context.Background(), "lee", "12", pushDate)
	a.OnJoin(ctx, "lee")

	b := newTestReconciler(follows, nil, Options{})
	b.Store().Load([]core.UserRecord{{Name: "lee", UserID: "12"}}, nil)
	b.OnJoin(ctx, "lee")
	b.OnFollowEvent(context.Background(), "lee", "12", pushDate)

	ra, _ := a.Store().Get("lee")
	rb, _ := b.Store().Get("lee")
	if ra.Status.String() != rb.Status.String() {
		t.Fatalf("order dependent outcome: %v vs %v", ra.Status, rb.Status)
	}
}

func TestSetNickname(t *testing.T) {
	r := newTestReconciler(nil, nil, Options{})
	if _, ok := r.SetNickname("nobody", "x"); ok {
		t.Fatalf("nickname for unknown user should fail")
	}
	r.OnUserSeen(context.Background(), "mia", "", core.EventRedemption)
	rec, ok := r.SetNickname("@Mia", " Tia ")
	if !ok || rec.Nickname != "Tia" {
		t.Fatalf("nickname = %+v", rec)
	}
}

func TestConcurrentObservations(t *testing.T) {
	ctx := context.Background()
	follows := &fakeFollows{}
	users := fakeUsers{}
	for i := 0; i < 20; i++ {
		id := fmt.Sprint(i)
		users[fmt.Sprintf("user%d", i)] = id
		follows.set(id, day(2024, 1, 1))
	}
	r := newTestReconciler(follows, users, Options{Async: true, MaxInflight: 3})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("user%d", i)
		wg.Add(3)
		go func() { defer wg.Done(); r.OnJoin(ctx, name) }()
		go func() { defer wg.Done(); r.OnUserSeen(ctx, name, "", core.EventChat) }()
		go func() { defer wg.Done(); r.OnFollowEvent(context.Background(), name, "", time.Time{}) }()
	}
	wg.Wait()
	r.Wait()

	if r.Store().Len() != 20 {
		t.Fatalf("expected 20 users, got %d", r.Store().Len())
	}
	for _, rec := range r.Store().Snapshot() {
		if !rec.Status.IsDate() {
			t.Fatalf("%s should hold a date, got %v", rec.Name, rec.Status)
		}
	}
}

func TestFollowEventIdempotent(t *testing.T) {
	ctx := context.Background()
	var changes int
	r := newTestReconciler(nil, nil, Options{OnChange: func(context.Context, core.UserRecord) { changes++ }})

	at := time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)
	first := r.OnFollowEvent(ctx, "Mia", "31", at)
	second := r.OnFollowEvent(ctx, "mia", "31", at)
	if first != second {
		t.Fatalf("repeated follow event changed record: %+v -> %+v", first, second)
	}
	if stored, _ := r.Get("mia"); stored != first {
		t.Fatalf("stored = %+v, want %+v", stored, first)
	}
	if changes != 1 {
		t.Fatalf("expected one change notification, got %d", changes)
	}
}

func TestSameDayPollAfterReloadIsQuiet(t *testing.T) {
	follows := &fakeFollows{}
	follows.set("10", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	var changes int
	r := newTestReconciler(follows, nil, Options{OnChange: func(context.Context, core.UserRecord) { changes++ }})
	r.Load([]core.UserRecord{{Name: "kim", UserID: "10", Status: core.FollowedOn(day(2024, 1, 1))}})

	rec, _ := r.OnJoin(context.Background(), "kim")
	if rec.Status.String() != "2024-01-01" {
		t.Fatalf("status = %v", rec.Status)
	}
	if changes != 0 {
		t.Fatalf("same-day poll produced %d change notifications", changes)
	}
}

func TestChangeNotificationsCarryIncreasingVersions(t *testing.T) {
	ctx := context.Background()
	var versions []uint64
	r := newTestReconciler(nil, nil, Options{OnChange: func(_ context.Context, rec core.UserRecord) {
		versions = append(versions, rec.Version)
	}})

	r.OnUserSeen(ctx, "ned", "", core.EventChat)
	r.OnUserSeen(ctx, "ned", "44", core.EventChat)
	r.OnFollowEvent(ctx, "ned", "44", day(2024, 2, 2))
	r.SetNickname("ned", "Eddie")

	if len(versions) != 4 {
		t.Fatalf("versions = %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not increasing: %v", versions)
		}
	}
}
