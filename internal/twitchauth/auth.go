// Package twitchauth reads the bot's token files and validates them against
// the Twitch identity endpoint.
package twitchauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/you/zkleis-bot/internal/twitch"
)

var validateEndpoint = "https://id.twitch.tv/oauth2/validate"

// ErrInvalidToken is returned when Twitch rejects the access token.
var ErrInvalidToken = errors.New("twitchauth: token rejected")

type TokenFiles struct {
	AccessPath  string
	RefreshPath string
}

// ReadAccess returns the access token without its "oauth:" prefix.
func (t TokenFiles) ReadAccess() (string, error) {
	b, err := os.ReadFile(t.AccessPath)
	if err != nil {
		return "", err
	}
	return twitch.BareToken(string(b)), nil
}

func (t TokenFiles) ReadRefresh() (string, error) {
	if strings.TrimSpace(t.RefreshPath) == "" {
		return "", nil
	}
	b, err := os.ReadFile(t.RefreshPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Identity is what the validate endpoint reports for a user token.
type Identity struct {
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// HasScope reports whether the token carries scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validate checks access with Twitch and returns the identity behind it.
func Validate(ctx context.Context, client *http.Client, access string) (Identity, error) {
	access = twitch.BareToken(access)
	if access == "" {
		return Identity{}, ErrInvalidToken
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "OAuth "+access)
	resp, err := client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("twitchauth: validate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return Identity{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("twitchauth: validate status %d", resp.StatusCode)
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("twitchauth: decode validate: %w", err)
	}
	if id.Login == "" {
		return Identity{}, errors.New("twitchauth: validate returned no login")
	}
	return id, nil
}
