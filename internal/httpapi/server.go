// Package httpapi serves the bot's status API and the panel feed over SSE
// and websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/metrics"
	"github.com/you/zkleis-bot/internal/panel"
)

// Users is the read side of the presence reconciler.
type Users interface {
	Snapshot() []core.UserRecord
	Get(name string) (core.UserRecord, bool)
	Joined() []string
}

// Feed is the panel hub.
type Feed interface {
	Subscribe(transport string) (<-chan panel.Line, func())
	Recent(n int) []panel.Line
}

// Adapter reports a channel adapter's connection state.
type Adapter interface {
	Name() string
	State() core.ConnectionState
	Attempts() int
}

// Registrar mounts extra routes, such as the admin endpoints.
type Registrar interface {
	Register(r chi.Router)
}

type Options struct {
	Addr     string
	Users    Users
	Feed     Feed
	Adapters []Adapter
	Metrics  *metrics.Metrics
	Build    BuildInfo
	Admin    Registrar

	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
	AccessLog      bool

	// PingInterval paces SSE comments and websocket pings.
	PingInterval time.Duration
}

type Server struct {
	opts       Options
	router     chi.Router
	httpServer *http.Server
	limiter    *ipRateLimiter
	corsPolicy *corsPolicy
	upgrader   websocket.Upgrader

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	s := &Server{
		opts:       opts,
		limiter:    newIPRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
		corsPolicy: newCORSPolicy(opts.CORSOrigins),
		done:       make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.corsPolicy == nil || s.corsPolicy.isAllowed(origin)
		},
	}

	r := chi.NewRouter()
	r.Use(s.observe)
	r.Use(s.limit)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/info", s.handleInfo)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(compress)
		r.Get("/users", s.handleUsers)
		r.Get("/users/{name}", s.handleUser)
		r.Get("/joined", s.handleJoined)
		r.Get("/adapters", s.handleAdapters)
		r.Get("/lines", s.handleLines)
	})
	r.Get("/stream", s.handleStream)
	r.Get("/ws", s.handleWS)
	if opts.Admin != nil {
		opts.Admin.Register(r)
	}
	s.router = r

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

type userView struct {
	Name     string `json:"name"`
	ID       string `json:"id,omitempty"`
	Status   string `json:"status"`
	Nickname string `json:"nickname,omitempty"`
	Joined   bool   `json:"joined"`
}

func viewOf(rec core.UserRecord, joined bool) userView {
	return userView{Name: rec.Name, ID: rec.UserID, Status: rec.Status.String(), Nickname: rec.Nickname, Joined: joined}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) joinedSet() map[string]bool {
	out := make(map[string]bool)
	if s.opts.Users == nil {
		return out
	}
	for _, name := range s.opts.Users.Joined() {
		out[name] = true
	}
	return out
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	f, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.opts.Users == nil {
		writeJSON(w, http.StatusOK, []userView{})
		return
	}
	joined := s.joinedSet()
	records := f.Apply(s.opts.Users.Snapshot(), joined)
	out := make([]userView, 0, len(records))
	for _, rec := range records {
		out = append(out, viewOf(rec, joined[rec.Name]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.opts.Users == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	rec, ok := s.opts.Users.Get(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec, s.joinedSet()[rec.Name]))
}

func (s *Server) handleJoined(w http.ResponseWriter, _ *http.Request) {
	var names []string
	if s.opts.Users != nil {
		names = s.opts.Users.Joined()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(names), "users": names})
}

type adapterView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
}

func (s *Server) handleAdapters(w http.ResponseWriter, _ *http.Request) {
	out := make([]adapterView, 0, len(s.opts.Adapters))
	for _, a := range s.opts.Adapters {
		out = append(out, adapterView{Name: a.Name(), State: a.State().String(), Attempts: a.Attempts()})
	}
	writeJSON(w, http.StatusOK, out)
}

func historyParam(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("history"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	if s.opts.Feed == nil {
		writeJSON(w, http.StatusOK, []panel.Line{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Feed.Recent(historyParam(r, 100)))
}

func (s *Server) subscribe(transport string) (<-chan panel.Line, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.opts.Feed == nil {
		return nil, nil, false
	}
	ch, cancel := s.opts.Feed.Subscribe(transport)
	return ch, cancel, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	lines, cancel, ok := s.subscribe("sse")
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer cancel()
	s.opts.Metrics.IncSSEClients(1)
	defer s.opts.Metrics.IncSSEClients(-1)

	fmt.Fprintf(w, ":ok\n\n")
	if n := historyParam(r, 0); n > 0 {
		for _, line := range s.opts.Feed.Recent(n) {
			writeEvent(w, line)
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case line, ok := <-lines:
			if !ok {
				return
			}
			writeEvent(w, line)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, line panel.Line) {
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", line.Kind, data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	lines, cancel, ok := s.subscribe("ws")
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(baseWriter(w), r, nil)
	if err != nil {
		log.Printf("httpapi: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()
	s.opts.Metrics.IncWSClients(1)
	defer s.opts.Metrics.IncWSClients(-1)

	if n := historyParam(r, 0); n > 0 {
		for _, line := range s.opts.Feed.Recent(n) {
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		}
	}

	// Reads only drain control frames and detect the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("httpapi: ws read error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Shutdown ends streaming clients, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
