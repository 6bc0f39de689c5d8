package presence

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

// palette holds the bright ANSI foregrounds handed out to new users.
var palette = []string{"\033[92m", "\033[94m", "\033[96m"}

// RandomColor picks a display color for a newly observed user.
func RandomColor() string {
	return palette[rand.IntN(len(palette))]
}

type entry struct {
	rec core.UserRecord

	// pushSeq counts authoritative follow pushes; polls compare it to drop
	// negative results that raced a push.
	pushSeq   uint64
	checkedAt time.Time
}

// Store is the shared name -> record map. All mutation goes through the
// Reconciler; readers get copies.
type Store struct {
	mu    sync.Mutex
	users map[string]*entry
	seq   uint64
}

func NewStore() *Store {
	return &Store{users: make(map[string]*entry)}
}

func (s *Store) Get(name string) (core.UserRecord, bool) {
	key := core.NormalizeName(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[key]
	if !ok {
		return core.UserRecord{}, false
	}
	return e.rec, true
}

// touch stamps a mutated record with the next version. Caller holds mu.
func (s *Store) touch(e *entry) {
	s.seq++
	e.rec.Version = s.seq
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Snapshot returns every record sorted by name.
func (s *Store) Snapshot() []core.UserRecord {
	s.mu.Lock()
	out := make([]core.UserRecord, 0, len(s.users))
	for _, e := range s.users {
		out = append(out, e.rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load merges persisted records into the store. Records already present are
// kept; records without a color get one.
func (s *Store) Load(records []core.UserRecord, color func() string) int {
	if color == nil {
		color = RandomColor
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, rec := range records {
		key := core.NormalizeName(rec.Name)
		if key == "" {
			continue
		}
		if _, exists := s.users[key]; exists {
			continue
		}
		rec.Name = key
		if rec.Color == "" {
			rec.Color = color()
		}
		s.users[key] = &entry{rec: rec}
		loaded++
	}
	return loaded
}
