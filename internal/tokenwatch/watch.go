package tokenwatch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 250 * time.Millisecond

// Watch reloads whenever one of the token files is written or replaced. It
// returns once the watcher is installed; the loop runs until ctx ends.
func (r *Reloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := false
	for _, p := range []string{r.tokens.AccessPath, r.tokens.RefreshPath} {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			r.logger.Error("tokenwatch: watch add", "path", p, "err", err)
			continue
		}
		added = true
	}
	if !added {
		w.Close()
		return nil
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Atomic writes replace the file, which drops the watch.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						r.logger.Debug("tokenwatch: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(debounceDelay)
				}
			case <-debounce.C:
				if _, err := r.reload(false); err != nil {
					r.logger.Error("tokenwatch: token reload failed", "err", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error("tokenwatch: watch error", "err", err)
			}
		}
	}()
	return nil
}
