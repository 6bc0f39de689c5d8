package twitchapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nicklaw5/helix/v2"
)

// Subscribe creates an EventSub subscription bound to a websocket session.
// An existing identical subscription (409) counts as success.
func (c *Client) Subscribe(ctx context.Context, sessionID, typ, version string, condition map[string]string) error {
	resp, err := c.client().CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:      typ,
		Version:   version,
		Condition: eventSubCondition(condition),
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	})
	if err != nil {
		return fmt.Errorf("helix: CreateEventSubSubscription %s: %w", typ, err)
	}
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusConflict:
		return nil
	default:
		return helixStatus("CreateEventSubSubscription "+typ, resp.ResponseCommon)
	}
}

func eventSubCondition(m map[string]string) helix.EventSubCondition {
	return helix.EventSubCondition{
		BroadcasterUserID:   m["broadcaster_user_id"],
		ToBroadcasterUserID: m["to_broadcaster_user_id"],
		ModeratorUserID:     m["moderator_user_id"],
		UserID:              m["user_id"],
	}
}
