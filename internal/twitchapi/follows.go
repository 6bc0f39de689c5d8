package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nicklaw5/helix/v2"
)

// channelFollows is one rate-limited page of channels/followers.
func (c *Client) channelFollows(ctx context.Context, op string, params *helix.GetChannelFollowsParams) (*helix.ManyChannelFollows, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.client().GetChannelFollows(params)
	if err != nil {
		return nil, fmt.Errorf("helix: %s: %w", op, err)
	}
	if err := helixStatus(op, resp.ResponseCommon, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// LookupFollow reports whether userID follows the broadcaster and since
// when. It needs moderator:read:followers on the token.
func (c *Client) LookupFollow(ctx context.Context, userID string) (time.Time, bool, error) {
	if c.cfg.BroadcasterID == "" {
		return time.Time{}, false, errors.New("twitchapi: broadcaster id not configured")
	}
	if userID == "" {
		return time.Time{}, false, errors.New("twitchapi: empty user id")
	}
	page, err := c.channelFollows(ctx, "LookupFollow", &helix.GetChannelFollowsParams{
		BroadcasterID: c.cfg.BroadcasterID,
		UserID:        userID,
	})
	if err != nil {
		return time.Time{}, false, err
	}
	for _, f := range page.Channels {
		if f.UserID == userID {
			return f.Followed.UTC(), true, nil
		}
	}
	return time.Time{}, false, nil
}
