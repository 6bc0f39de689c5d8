package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"

	"github.com/you/zkleis-bot/internal/twitch"
)

const (
	defaultBaseURL = "https://api.twitch.tv/helix"
	defaultRPS     = 10
	userCacheSize  = 2048
	userCacheTTL   = 6 * time.Hour
)

type Config struct {
	ClientID      string
	Token         string
	BroadcasterID string
	BotID         string

	// BaseURL overrides the Helix root, mostly for tests.
	BaseURL string
	HTTP    *http.Client
	// RPS bounds follow and follower-list requests.
	RPS float64
}

// Client wraps Helix for the bot: identity and follow lookups, channel
// management and EventSub subscription creation.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	users   *expirable.LRU[string, string]

	mu    sync.RWMutex
	helix *helix.Client
}

// StatusError is a non-success Helix response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("twitchapi: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("twitchapi: %s: status %d: %s", e.Op, e.Code, e.Body)
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}

	token := twitch.BareToken(cfg.Token)
	hc, err := helix.NewClient(&helix.Options{
		ClientID:        strings.TrimSpace(cfg.ClientID),
		UserAccessToken: token,
		APIBaseURL:      base,
		HTTPClient:      httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("helix: NewClient: %w", err)
	}

	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		users:   expirable.NewLRU[string, string](userCacheSize, nil, userCacheTTL),
		helix:   hc,
	}, nil
}

// SetToken swaps the user access token after a refresh.
func (c *Client) SetToken(token string) {
	token = twitch.BareToken(token)
	if token == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helix.SetUserAccessToken(token)
}

func (c *Client) BroadcasterID() string { return c.cfg.BroadcasterID }

func (c *Client) BotID() string { return c.cfg.BotID }

func (c *Client) client() *helix.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.helix
}

// ResolveUserID maps a login to its user id, caching hits.
func (c *Client) ResolveUserID(ctx context.Context, login string) (string, bool, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" {
		return "", false, nil
	}
	if id, ok := c.users.Get(login); ok {
		return id, true, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, err
	}
	resp, err := c.client().GetUsers(&helix.UsersParams{Logins: []string{login}})
	if err != nil {
		return "", false, fmt.Errorf("helix: GetUsers: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, &StatusError{Op: "GetUsers", Code: resp.StatusCode, Body: resp.ErrorMessage}
	}
	if len(resp.Data.Users) == 0 || resp.Data.Users[0].ID == "" {
		return "", false, nil
	}
	id := resp.Data.Users[0].ID
	c.users.Add(login, id)
	return id, true, nil
}
