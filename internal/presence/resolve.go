package presence

import (
	"context"
	"time"

	"github.com/you/zkleis-bot/internal/core"
)

// FollowLookup reports whether userID follows the channel and since when.
type FollowLookup interface {
	LookupFollow(ctx context.Context, userID string) (followedAt time.Time, following bool, err error)
}

// UserLookup resolves a login name to a user id.
type UserLookup interface {
	ResolveUserID(ctx context.Context, login string) (id string, found bool, err error)
}

// Resolve computes the status to store after a follow lookup.
//
// A negative lookup only demotes a concrete date to Renegado; New, Visita
// and Renegado stay as they are. A positive lookup upgrades New and Visita
// to the date, refreshes a stored date (never to an earlier one) and leaves
// Renegado alone: only a pushed follow event clears that label.
func Resolve(stored core.FollowStatus, followedAt time.Time, following bool) core.FollowStatus {
	if !following {
		switch {
		case stored.IsDate():
			return core.Renegado
		case stored.IsZero():
			return core.New
		default:
			return stored
		}
	}
	switch {
	case stored.Kind == core.StatusRenegado:
		return stored
	case stored.IsDate() && stored.Since.After(followedAt):
		return stored
	default:
		return core.FollowedOn(followedAt)
	}
}

// sameStatus compares dates by calendar day, the granularity snapshots keep.
func sameStatus(a, b core.FollowStatus) bool {
	if a.IsDate() && b.IsDate() {
		return a.String() == b.String()
	}
	return a.Kind == b.Kind
}
