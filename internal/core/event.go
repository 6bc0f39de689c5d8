package core

import (
	"context"
	"strings"
	"time"
)

type EventKind string

const (
	EventChat          EventKind = "chat"
	EventJoin          EventKind = "join"
	EventPart          EventKind = "part"
	EventFollow        EventKind = "follow"
	EventRedemption    EventKind = "redemption"
	EventRaid          EventKind = "raid"
	EventModeration    EventKind = "moderation"
	EventChannelUpdate EventKind = "channel_update"
	EventClear         EventKind = "clear"
)

// Source names the channel an event arrived on.
type Source string

const (
	SourceIRC      Source = "irc"
	SourceEventSub Source = "eventsub"
)

// Event is the normalized form both channel adapters decode into.
type Event struct {
	Kind   EventKind
	Source Source
	At     time.Time
	ID     string // platform message id when the wire carries one

	User        string // login
	UserID      string
	DisplayName string
	Roles       Roles
	Text        string

	FollowedAt time.Time

	Reward string
	Cost   int

	FromUser string
	Viewers  int

	Action    string // ban, timeout, delete, clear, ...
	Moderator string
	Target    string
	Duration  int // seconds, timeouts only
	Reason    string

	Title    string
	Category string
}

// Roles are the capability flags carried by a chatter's badges.
type Roles struct {
	Broadcaster bool
	Moderator   bool
	VIP         bool
	Subscriber  bool
	Artist      bool
	Turbo       bool
	Prime       bool
}

// RolesFromBadges maps badge set ids ("moderator", "subscriber", ...) to
// flags. Versions after a slash are ignored.
func RolesFromBadges(badges []string) Roles {
	var r Roles
	for _, b := range badges {
		id, _, _ := strings.Cut(strings.TrimSpace(b), "/")
		switch strings.ToLower(id) {
		case "broadcaster":
			r.Broadcaster = true
		case "moderator":
			r.Moderator = true
		case "vip":
			r.VIP = true
		case "subscriber", "founder":
			r.Subscriber = true
		case "artist-badge", "artist":
			r.Artist = true
		case "turbo":
			r.Turbo = true
		case "premium":
			r.Prime = true
		}
	}
	return r
}

// Elevated reports whether the chatter may use elevated commands.
func (r Roles) Elevated() bool {
	return r.Broadcaster || r.Moderator || r.VIP
}

// CanModerate reports broadcaster or moderator.
func (r Roles) CanModerate() bool {
	return r.Broadcaster || r.Moderator
}

// Label renders active roles as "[MOD | Vip] ", or "" when none.
func (r Roles) Label() string {
	var parts []string
	if r.Moderator {
		parts = append(parts, "MOD")
	}
	if r.VIP {
		parts = append(parts, "Vip")
	}
	if r.Artist {
		parts = append(parts, "Art")
	}
	if r.Subscriber {
		parts = append(parts, "Sub")
	}
	if r.Turbo {
		parts = append(parts, "Turbo")
	}
	if r.Prime {
		parts = append(parts, "Prime")
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " | ") + "] "
}

// ConnectionState tracks an adapter's lifecycle.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Authenticated
	Ready
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	default:
		return "disconnected"
	}
}

// Channel is the contract shared by the IRC and EventSub adapters.
type Channel interface {
	Name() string
	Connect(ctx context.Context) bool
	Listen(ctx context.Context)
	Disconnect()
	State() ConnectionState
}
