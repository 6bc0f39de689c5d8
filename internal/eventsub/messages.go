package eventsub

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

// Message types carried in metadata.message_type.
const (
	typeWelcome      = "session_welcome"
	typeKeepalive    = "session_keepalive"
	typeNotification = "notification"
	typeReconnect    = "session_reconnect"
	typeRevocation   = "revocation"
)

type metadata struct {
	MessageID           string    `json:"message_id"`
	MessageType         string    `json:"message_type"`
	MessageTimestamp    time.Time `json:"message_timestamp"`
	SubscriptionType    string    `json:"subscription_type"`
	SubscriptionVersion string    `json:"subscription_version"`
}

type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type session struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

type sessionPayload struct {
	Session session `json:"session"`
}

type subscriptionInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

type notificationPayload struct {
	Subscription subscriptionInfo `json:"subscription"`
	Event        json.RawMessage  `json:"event"`
}

var errUnknownType = errors.New("eventsub: unhandled subscription type")

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, &core.ProtocolError{Op: "decode envelope", Err: err}
	}
	if env.Metadata.MessageType == "" {
		return envelope{}, &core.ProtocolError{Op: "decode envelope", Err: errors.New("missing message_type")}
	}
	return env, nil
}

func parseSession(raw json.RawMessage) (session, error) {
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return session{}, &core.ProtocolError{Op: "decode session", Err: err}
	}
	return p.Session, nil
}

type badge struct {
	SetID string `json:"set_id"`
	ID    string `json:"id"`
}

type chatMessageEvent struct {
	BroadcasterUserID string  `json:"broadcaster_user_id"`
	ChatterUserID     string  `json:"chatter_user_id"`
	ChatterUserLogin  string  `json:"chatter_user_login"`
	ChatterUserName   string  `json:"chatter_user_name"`
	MessageID         string  `json:"message_id"`
	Badges            []badge `json:"badges"`
	Message           struct {
		Text string `json:"text"`
	} `json:"message"`
}

type followEvent struct {
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	UserName   string    `json:"user_name"`
	FollowedAt time.Time `json:"followed_at"`
}

type redemptionEvent struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	UserInput string `json:"user_input"`
	Reward    struct {
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

type raidEvent struct {
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`
}

type moderateTarget struct {
	UserLogin   string `json:"user_login"`
	Reason      string `json:"reason"`
	ExpiresAt   string `json:"expires_at"`
	MessageID   string `json:"message_id"`
	MessageBody string `json:"message_body"`
	ViewerCount int    `json:"viewer_count"`
}

type moderateEvent struct {
	ModeratorUserLogin string          `json:"moderator_user_login"`
	Action             string          `json:"action"`
	Ban                *moderateTarget `json:"ban"`
	Timeout            *moderateTarget `json:"timeout"`
	Delete             *moderateTarget `json:"delete"`
	Raid               *moderateTarget `json:"raid"`
}

type channelUpdateEvent struct {
	Title        string `json:"title"`
	CategoryName string `json:"category_name"`
}

// decodeEvent maps a notification's event object to core.Event by
// subscription type.
func decodeEvent(typ string, raw json.RawMessage, at time.Time) (core.Event, error) {
	ev := core.Event{Source: core.SourceEventSub, At: at}
	decode := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return &core.ProtocolError{Op: "decode " + typ, Err: err}
		}
		return nil
	}

	switch typ {
	case "channel.chat.message":
		var e chatMessageEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ids := make([]string, 0, len(e.Badges))
		for _, b := range e.Badges {
			ids = append(ids, b.SetID)
		}
		ev.Kind = core.EventChat
		ev.ID = e.MessageID
		ev.User = core.NormalizeName(e.ChatterUserLogin)
		ev.UserID = e.ChatterUserID
		ev.DisplayName = e.ChatterUserName
		ev.Roles = core.RolesFromBadges(ids)
		if e.ChatterUserID != "" && e.ChatterUserID == e.BroadcasterUserID {
			ev.Roles.Broadcaster = true
		}
		ev.Text = e.Message.Text

	case "channel.follow":
		var e followEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ev.Kind = core.EventFollow
		ev.User = core.NormalizeName(e.UserLogin)
		ev.UserID = e.UserID
		ev.DisplayName = e.UserName
		ev.FollowedAt = e.FollowedAt

	case "channel.channel_points_custom_reward_redemption.add":
		var e redemptionEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ev.Kind = core.EventRedemption
		ev.ID = e.ID
		ev.User = core.NormalizeName(e.UserLogin)
		ev.UserID = e.UserID
		ev.DisplayName = e.UserName
		ev.Reward = e.Reward.Title
		ev.Cost = e.Reward.Cost
		ev.Text = e.UserInput

	case "channel.raid":
		var e raidEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ev.Kind = core.EventRaid
		ev.FromUser = e.FromBroadcasterUserName
		if ev.FromUser == "" {
			ev.FromUser = e.FromBroadcasterUserLogin
		}
		ev.Viewers = e.Viewers

	case "channel.moderate":
		var e moderateEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ev.Kind = core.EventModeration
		ev.Action = strings.ToLower(e.Action)
		ev.Moderator = e.ModeratorUserLogin
		switch {
		case e.Ban != nil:
			ev.Target, ev.Reason = e.Ban.UserLogin, e.Ban.Reason
		case e.Timeout != nil:
			ev.Target, ev.Reason = e.Timeout.UserLogin, e.Timeout.Reason
			if exp, err := time.Parse(time.RFC3339, e.Timeout.ExpiresAt); err == nil && !at.IsZero() {
				ev.Duration = int(exp.Sub(at).Round(time.Second) / time.Second)
			}
		case e.Delete != nil:
			ev.Target, ev.Text = e.Delete.UserLogin, e.Delete.MessageBody
			ev.ID = e.Delete.MessageID
		case e.Raid != nil:
			ev.Target, ev.Viewers = e.Raid.UserLogin, e.Raid.ViewerCount
		}
		if ev.Action == "clear" {
			ev.Kind = core.EventClear
		}

	case "channel.update":
		var e channelUpdateEvent
		if err := decode(&e); err != nil {
			return ev, err
		}
		ev.Kind = core.EventChannelUpdate
		ev.Title = e.Title
		ev.Category = e.CategoryName

	default:
		return ev, errUnknownType
	}
	return ev, nil
}
