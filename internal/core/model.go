package core

import (
	"fmt"
	"strings"
	"time"
)

// StatusKind tags the variant held by a FollowStatus.
type StatusKind int

const (
	StatusNone StatusKind = iota // no record yet
	StatusNew
	StatusVisita
	StatusRenegado
	StatusDate
)

// DateLayout is how follow dates are rendered and persisted.
const DateLayout = "2006-01-02"

// legacyDateLayout is the day-first form older snapshots carry.
const legacyDateLayout = "02-01-2006"

// FollowStatus is the follow label of a user: New, Visita, Renegado or the
// date the user followed the channel.
type FollowStatus struct {
	Kind  StatusKind
	Since time.Time // set only when Kind == StatusDate
}

var (
	New      = FollowStatus{Kind: StatusNew}
	Visita   = FollowStatus{Kind: StatusVisita}
	Renegado = FollowStatus{Kind: StatusRenegado}
)

// FollowedOn returns the date status for t.
func FollowedOn(t time.Time) FollowStatus {
	return FollowStatus{Kind: StatusDate, Since: t.UTC()}
}

func (s FollowStatus) IsDate() bool { return s.Kind == StatusDate }

func (s FollowStatus) IsZero() bool { return s.Kind == StatusNone }

func (s FollowStatus) String() string {
	switch s.Kind {
	case StatusNew:
		return "New"
	case StatusVisita:
		return "Visita"
	case StatusRenegado:
		return "Renegado"
	case StatusDate:
		return s.Since.UTC().Format(DateLayout)
	default:
		return ""
	}
}

// ParseFollowStatus accepts the persisted labels, ISO dates, RFC3339
// timestamps and the legacy DD-MM-YYYY form.
func ParseFollowStatus(raw string) (FollowStatus, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return FollowStatus{}, nil
	case "new":
		return New, nil
	case "visita":
		return Visita, nil
	case "renegado":
		return Renegado, nil
	}
	for _, layout := range []string{DateLayout, time.RFC3339, legacyDateLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return FollowedOn(t), nil
		}
	}
	return FollowStatus{}, fmt.Errorf("core: unrecognized follow status %q", raw)
}

func (s FollowStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FollowStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseFollowStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UserRecord is the state kept for every chat-visible identity.
type UserRecord struct {
	UserID   string       `json:"id"`
	Name     string       `json:"-"`
	Status   FollowStatus `json:"follow_date"`
	Color    string       `json:"color"`
	Nickname string       `json:"nickname"`

	// Version orders in-memory mutations; zero for records that did not
	// come from the presence store.
	Version uint64 `json:"-"`
}

// NormalizeName lower-cases and strips a login so both channels key the
// same record.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "@")
	name = strings.TrimPrefix(name, ":")
	return strings.ToLower(name)
}

// Label renders "name [nick] (status)" the way the panel shows users.
func (r UserRecord) Label() string {
	var b strings.Builder
	b.WriteString(r.Color)
	b.WriteString(r.Name)
	if r.Color != "" {
		b.WriteString(ansiReset)
	}
	if r.Nickname != "" {
		b.WriteString(" [")
		b.WriteString(r.Nickname)
		b.WriteString("]")
	}
	if s := r.Status.String(); s != "" {
		b.WriteString(" (")
		b.WriteString(s)
		b.WriteString(")")
	}
	return b.String()
}

const ansiReset = "\033[0m"
