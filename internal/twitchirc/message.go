package twitchirc

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

var errEmptyCommand = errors.New("twitchirc: missing command")

// Message is one parsed IRC line.
type Message struct {
	Raw      string
	Tags     Tags
	Prefix   string
	Command  string
	Params   []string
	Trailing string
	// HasTrailing distinguishes "CMD #c :" from "CMD #c".
	HasTrailing bool
}

// ParseMessage splits a raw line into tags, prefix, command and params.
func ParseMessage(line string) (Message, error) {
	msg := Message{Raw: line, Tags: ParseTags(line)}
	rest := line
	if strings.HasPrefix(rest, "@") {
		_, after, ok := strings.Cut(rest, " ")
		if !ok {
			return msg, &core.ProtocolError{Op: "parse", Err: errEmptyCommand}
		}
		rest = strings.TrimLeft(after, " ")
	}
	if strings.HasPrefix(rest, ":") {
		prefix, after, ok := strings.Cut(rest[1:], " ")
		if !ok {
			return msg, &core.ProtocolError{Op: "parse", Err: errEmptyCommand}
		}
		msg.Prefix = prefix
		rest = strings.TrimLeft(after, " ")
	}
	if before, trailing, ok := strings.Cut(rest, " :"); ok {
		rest = before
		msg.Trailing = trailing
		msg.HasTrailing = true
	} else if strings.HasPrefix(rest, ":") {
		msg.Trailing = rest[1:]
		msg.HasTrailing = true
		rest = ""
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return msg, &core.ProtocolError{Op: "parse", Err: errEmptyCommand}
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	return msg, nil
}

// Nick returns the login part of the prefix ("nick!user@host").
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	if strings.Contains(nick, ".") {
		// server prefix such as tmi.twitch.tv
		return ""
	}
	return strings.ToLower(nick)
}

// Channel returns the first "#" param without the hash.
func (m Message) Channel() string {
	for _, p := range m.Params {
		if strings.HasPrefix(p, "#") {
			return strings.ToLower(p[1:])
		}
	}
	return ""
}

func (m Message) sentAt() time.Time {
	if ts := m.Tags.Get("tmi-sent-ts"); ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Now().UTC()
}

// Event maps a line addressed to channel into a normalized event. Lines for
// other channels and commands that carry no presence or moderation meaning
// return false.
func (m Message) Event(channel string) (core.Event, bool) {
	channel = strings.ToLower(strings.TrimPrefix(channel, "#"))
	if m.Channel() != channel {
		return core.Event{}, false
	}
	ev := core.Event{Source: core.SourceIRC, At: m.sentAt()}

	switch m.Command {
	case "PRIVMSG":
		ev.Kind = core.EventChat
		ev.ID = m.Tags.Get("id")
		ev.User = m.Nick()
		ev.UserID = m.Tags.Get("user-id")
		ev.DisplayName = m.Tags.Get("display-name")
		ev.Text = strings.TrimSpace(m.Trailing)
		ev.Roles = core.RolesFromBadges(splitBadges(m.Tags.Get("badges")))
		if ev.User == channel {
			ev.Roles.Broadcaster = true
		}
		if m.Tags.Get("mod") == "1" {
			ev.Roles.Moderator = true
		}
		if ev.User == "" {
			return core.Event{}, false
		}
	case "JOIN", "PART":
		ev.Kind = core.EventJoin
		if m.Command == "PART" {
			ev.Kind = core.EventPart
		}
		ev.User = m.Nick()
		if ev.User == "" {
			return core.Event{}, false
		}
	case "CLEARCHAT":
		ev.Target = strings.ToLower(strings.TrimSpace(m.Trailing))
		ev.UserID = m.Tags.Get("target-user-id")
		if ev.Target == "" {
			ev.Kind = core.EventClear
			ev.Action = "clear"
			return ev, true
		}
		ev.Kind = core.EventModeration
		ev.User = ev.Target
		ev.Action = "ban"
		if d := m.Tags.Get("ban-duration"); d != "" {
			ev.Action = "timeout"
			ev.Duration, _ = strconv.Atoi(d)
		}
		ev.Reason = m.Tags.Get("ban-reason")
	case "CLEARMSG":
		ev.Kind = core.EventModeration
		ev.Action = "delete"
		ev.Target = strings.ToLower(m.Tags.Get("login"))
		ev.User = ev.Target
		ev.ID = m.Tags.Get("target-msg-id")
		ev.Text = m.Trailing
	default:
		return core.Event{}, false
	}
	return ev, true
}

func splitBadges(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func authFailure(msg Message) bool {
	if msg.Command != "NOTICE" {
		return false
	}
	lower := strings.ToLower(msg.Trailing)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}
