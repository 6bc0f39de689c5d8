package sink

import (
	"context"

	"github.com/you/zkleis-bot/internal/core"
)

type broadcaster interface {
	BroadcastUser(core.UserRecord)
}

// WithBroadcast announces every persisted record, so panel clients see
// status changes as they are stored.
type WithBroadcast struct {
	Store
	api broadcaster
}

func WithAPI(base Store, api broadcaster) *WithBroadcast {
	return &WithBroadcast{Store: base, api: api}
}

func (w *WithBroadcast) Upsert(ctx context.Context, rec core.UserRecord) error {
	if err := w.Store.Upsert(ctx, rec); err != nil {
		return err
	}
	if w.api != nil {
		w.api.BroadcastUser(rec)
	}
	return nil
}
