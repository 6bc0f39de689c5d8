package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

const (
	defaultLimit = 100
	maxLimit     = 5000
)

// Order is the sort order for user listings.
type Order string

const (
	// OrderName sorts by login, ascending.
	OrderName Order = "name"
	// OrderFollowed sorts followers newest first; non-followers last.
	OrderFollowed Order = "followed"
)

// Filters captures the parsed query parameters for user lookups.
type Filters struct {
	Statuses []core.StatusKind
	Names    []string
	Since    *time.Time
	Joined   bool
	Limit    int
	Order    Order
}

// ParseFilters parses query parameters into a Filters struct.
func ParseFilters(values url.Values) (Filters, error) {
	f := Filters{
		Limit: defaultLimit,
		Order: OrderName,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch Order(strings.ToLower(raw)) {
		case OrderName:
			f.Order = OrderName
		case OrderFollowed:
			f.Order = OrderFollowed
		default:
			return Filters{}, errors.New("order must be name or followed")
		}
	}

	if rawSince := values.Get("since"); rawSince != "" {
		parsed, err := parseSince(rawSince)
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	if raw := values.Get("joined"); raw != "" {
		joined, err := strconv.ParseBool(raw)
		if err != nil {
			return Filters{}, errors.New("joined must be a boolean")
		}
		f.Joined = joined
	}

	seenStatus := make(map[core.StatusKind]struct{})
	for _, part := range splitValues(values["status"]) {
		kind, ok := normalizeStatus(part)
		if !ok {
			return Filters{}, errors.New("invalid status filter")
		}
		if kind == core.StatusNone {
			f.Statuses = nil
			seenStatus = nil
			break
		}
		if _, exists := seenStatus[kind]; !exists {
			f.Statuses = append(f.Statuses, kind)
			seenStatus[kind] = struct{}{}
		}
	}

	seenName := make(map[string]struct{})
	for _, part := range splitValues(values["name"]) {
		lowered := strings.ToLower(part)
		if _, exists := seenName[lowered]; !exists {
			f.Names = append(f.Names, lowered)
			seenName[lowered] = struct{}{}
		}
	}

	return f, nil
}

// FiltersFromRequest parses filters from an HTTP request.
func FiltersFromRequest(r *http.Request) (Filters, error) {
	return ParseFilters(r.URL.Query())
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func normalizeStatus(s string) (core.StatusKind, bool) {
	switch strings.ToLower(s) {
	case "new":
		return core.StatusNew, true
	case "visita", "visit":
		return core.StatusVisita, true
	case "renegado":
		return core.StatusRenegado, true
	case "follower", "followed", "date":
		return core.StatusDate, true
	case "all", "*":
		return core.StatusNone, true
	default:
		return core.StatusNone, false
	}
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(core.DateLayout, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}

// Matches reports whether rec satisfies the filters. joined reports IRC
// presence for rec.
func (f Filters) Matches(rec core.UserRecord, joined bool) bool {
	if len(f.Statuses) > 0 {
		match := false
		for _, k := range f.Statuses {
			if rec.Status.Kind == k {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if len(f.Names) > 0 {
		name := strings.ToLower(rec.Name)
		nick := strings.ToLower(rec.Nickname)
		match := false
		for _, n := range f.Names {
			if strings.Contains(name, n) || (nick != "" && strings.Contains(nick, n)) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	// since selects followers whose date is not before it.
	if f.Since != nil {
		if !rec.Status.IsDate() || rec.Status.Since.Before(f.Since.UTC()) {
			return false
		}
	}

	if f.Joined && !joined {
		return false
	}
	return true
}

// Apply filters, sorts and truncates records.
func (f Filters) Apply(records []core.UserRecord, joined map[string]bool) []core.UserRecord {
	out := make([]core.UserRecord, 0, len(records))
	for _, rec := range records {
		if f.Matches(rec, joined[rec.Name]) {
			out = append(out, rec)
		}
	}
	if f.Order == OrderFollowed {
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].Status, out[j].Status
			if a.IsDate() != b.IsDate() {
				return a.IsDate()
			}
			return a.Since.After(b.Since)
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}
