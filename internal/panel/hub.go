package panel

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	defaultHistory = 200
	clientBuffer   = 256
)

// Line is one rendered panel entry. Text keeps ANSI colours; Plain has them
// stripped for clients that cannot render them.
type Line struct {
	ID     string           `json:"id"`
	At     time.Time        `json:"at"`
	Kind   string           `json:"kind"`
	Source string           `json:"source,omitempty"`
	User   string           `json:"user,omitempty"`
	Text   string           `json:"text"`
	Plain  string           `json:"plain"`
	Record *core.UserRecord `json:"record,omitempty"`
}

// Hub fans panel lines out to websocket and SSE subscribers and keeps a
// short history for late joiners. Slow subscribers lose lines.
type Hub struct {
	metrics *metrics.Metrics
	size    int

	mu      sync.Mutex
	subs    map[chan Line]string
	history []Line
	closed  bool
}

func NewHub(historySize int, m *metrics.Metrics) *Hub {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	return &Hub{
		metrics: m,
		size:    historySize,
		subs:    make(map[chan Line]string),
	}
}

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// StripANSI removes colour escapes.
func StripANSI(s string) string { return ansiRE.ReplaceAllString(s, "") }

// Publish stamps and fans out a line.
func (h *Hub) Publish(line Line) Line {
	if line.ID == "" {
		line.ID = uuid.NewString()
	}
	if line.At.IsZero() {
		line.At = time.Now()
	}
	line.Plain = StripANSI(line.Text)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return line
	}
	h.history = append(h.history, line)
	if over := len(h.history) - h.size; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}
	for ch, transport := range h.subs {
		select {
		case ch <- line:
		default:
			h.metrics.IncBroadcastDrops(transport)
		}
	}
	return line
}

// BroadcastUser announces a stored record change.
func (h *Hub) BroadcastUser(rec core.UserRecord) {
	r := rec
	h.Publish(Line{Kind: "user", User: rec.Name, Text: rec.Label(), Record: &r})
}

// Subscribe registers a client. The channel closes when cancel is called
// or the hub shuts down.
func (h *Hub) Subscribe(transport string) (<-chan Line, func()) {
	ch := make(chan Line, clientBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = transport
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Recent returns up to n of the newest lines, oldest first.
func (h *Hub) Recent(n int) []Line {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	return append([]Line(nil), h.history[len(h.history)-n:]...)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = map[chan Line]string{}
}
