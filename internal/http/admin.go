// Package httpadmin exposes operator endpoints: token reload, nickname
// edits and on-demand snapshots.
package httpadmin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/you/zkleis-bot/internal/core"
)

type Reloader interface {
	ReloadTwitch() (login string, err error)
}

type Nicknamer interface {
	SetNickname(name, nickname string) (core.UserRecord, bool)
}

// Snapshotter persists the whole store and reports how many records it
// wrote.
type Snapshotter interface {
	SaveNow(ctx context.Context) (int, error)
}

type Options struct {
	Reloader  Reloader
	Nicknames Nicknamer
	Snapshots Snapshotter
	// Token, when set, must be presented as a bearer token.
	Token string
}

type Server struct {
	opts Options
}

func New(opts Options) *Server { return &Server{opts: opts} }

func (s *Server) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		r.Post("/twitch/reload", s.handleReload)
		r.Post("/users/{name}/nickname", s.handleNickname)
		r.Post("/snapshot", s.handleSnapshot)
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Reloader == nil {
		http.Error(w, "reload unavailable", http.StatusNotImplemented)
		return
	}
	login, err := s.opts.Reloader.ReloadTwitch()
	if err != nil {
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "reloaded": true, "login": login})
}

func (s *Server) handleNickname(w http.ResponseWriter, r *http.Request) {
	if s.opts.Nicknames == nil {
		http.Error(w, "nicknames unavailable", http.StatusNotImplemented)
		return
	}
	var body struct {
		Nickname string `json:"nickname"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	} else {
		body.Nickname = r.FormValue("nickname")
	}
	rec, ok := s.opts.Nicknames.SetNickname(chi.URLParam(r, "name"), body.Nickname)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "name": rec.Name, "nickname": rec.Nickname})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshots == nil {
		http.Error(w, "snapshots unavailable", http.StatusNotImplemented)
		return
	}
	n, err := s.opts.Snapshots.SaveNow(r.Context())
	if err != nil {
		http.Error(w, "snapshot failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "saved": n})
}
