// Package tokenwatch applies rotated bot tokens to the live connections when
// the token files change on disk or an operator asks for a reload.
package tokenwatch

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/you/zkleis-bot/internal/twitch"
	"github.com/you/zkleis-bot/internal/twitchauth"
)

// ChatConn is the IRC side that needs a reconnect to pick up a new token.
type ChatConn interface {
	Reconnect(access string) error
	JoinedNick() string
}

// APIToken is anything holding a bearer token for Helix calls.
type APIToken interface {
	SetToken(token string)
}

type Reloader struct {
	tokens twitchauth.TokenFiles
	access *twitch.AccessFile

	mu            sync.Mutex
	chat          ChatConn
	apis          []APIToken
	refreshUpdate func(string)
	logger        *slog.Logger
}

func New(tokens twitchauth.TokenFiles, chat ChatConn, refreshUpdate func(string), apis ...APIToken) *Reloader {
	r := &Reloader{
		tokens:        tokens,
		chat:          chat,
		apis:          apis,
		refreshUpdate: refreshUpdate,
		logger:        slog.Default(),
	}
	if strings.TrimSpace(tokens.AccessPath) != "" {
		r.access = twitch.NewAccessFile(tokens.AccessPath)
	}
	return r
}

// Prime records the token the connections started with so an unchanged
// file does not trigger a reconnect.
func (r *Reloader) Prime(token string) {
	if r.access != nil {
		r.access.Remember(token)
	}
}

// Apply hands a token obtained in-process (e.g. from the refresh loop) to
// every consumer.
func (r *Reloader) Apply(token string) error {
	token = twitch.NormalizeToken(token)
	if token == "" {
		return twitch.ErrEmptyToken
	}
	r.Prime(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(token)
}

func (r *Reloader) applyLocked(token string) error {
	for _, api := range r.apis {
		api.SetToken(token)
	}
	if r.chat == nil {
		return nil
	}
	if err := r.chat.Reconnect(token); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// ReloadTwitch rereads the token files and reconnects. It always reconnects,
// even when the access token is unchanged.
func (r *Reloader) ReloadTwitch() (string, error) {
	return r.reload(true)
}

func (r *Reloader) reload(force bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.access == nil {
		return "", fmt.Errorf("access token file not configured")
	}
	token, changed, err := r.access.Read()
	if err != nil {
		return "", fmt.Errorf("read access: %w", err)
	}
	if refresh, err := r.tokens.ReadRefresh(); err != nil {
		return "", fmt.Errorf("read refresh: %w", err)
	} else if refresh != "" && r.refreshUpdate != nil {
		r.refreshUpdate(refresh)
	}
	login := ""
	if r.chat != nil {
		login = r.chat.JoinedNick()
	}
	if !changed && !force {
		r.logger.Debug("tokenwatch: access token unchanged")
		return login, nil
	}
	if err := r.applyLocked(token); err != nil {
		return "", err
	}
	r.logger.Info("tokenwatch: reloaded token and rejoined", "as", login)
	return login, nil
}
