// Package jobs runs the bot's periodic work on a cron schedule: snapshot
// saves, follower exports and viewer polling.
package jobs

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/panel"
	"github.com/you/zkleis-bot/internal/twitchapi"
)

const DefaultViewerSpec = "@every 3m"

// Records is the in-memory user table.
type Records interface {
	Snapshot() []core.UserRecord
}

// SnapshotSaver persists a full table.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, records []core.UserRecord) error
}

type FollowerExporter interface {
	ExportFollowersCSV(ctx context.Context, dir string, now time.Time) (string, error)
}

type StreamSource interface {
	Stream(ctx context.Context) (twitchapi.StreamInfo, error)
}

// Publisher receives the lines the jobs emit for the panel.
type Publisher interface {
	Publish(panel.Line) panel.Line
}

type Options struct {
	Records  Records
	Saver    SnapshotSaver
	Exporter FollowerExporter
	Streams  StreamSource
	Panel    Publisher

	// Empty specs disable the job.
	SnapshotSpec string
	ExportSpec   string
	ExportDir    string
	ViewerSpec   string

	Location *time.Location
	Now      func() time.Time
}

type Scheduler struct {
	opts    Options
	cron    *cron.Cron
	viewers *ViewerWatch

	saveMu sync.Mutex
}

func NewScheduler(opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		opts:    opts,
		cron:    cron.New(cron.WithLocation(opts.Location)),
		viewers: &ViewerWatch{},
	}
}

// Start registers the configured jobs and starts the cron runner. An invalid
// spec is an error and nothing is started.
func (s *Scheduler) Start(ctx context.Context) error {
	type job struct {
		name string
		spec string
		run  func(context.Context)
	}
	jobs := []job{
		{"snapshot", s.opts.SnapshotSpec, func(ctx context.Context) {
			if _, err := s.SaveNow(ctx); err != nil {
				slog.Error("jobs: snapshot failed", "err", err)
			}
		}},
		{"export", s.opts.ExportSpec, func(ctx context.Context) {
			if _, err := s.ExportFollowers(ctx); err != nil {
				slog.Error("jobs: follower export failed", "err", err)
			}
		}},
		{"viewers", s.opts.ViewerSpec, s.PollViewers},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("jobs: %s spec %q: %w", j.name, j.spec, err)
		}
		log.Printf("jobs: %s scheduled %s", j.name, j.spec)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Printf("jobs: scheduler stopped")
}

// SaveNow writes the whole table and returns how many records it saved.
func (s *Scheduler) SaveNow(ctx context.Context) (int, error) {
	if s.opts.Records == nil || s.opts.Saver == nil {
		return 0, fmt.Errorf("jobs: snapshot store not configured")
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	records := s.opts.Records.Snapshot()
	if err := s.opts.Saver.SaveSnapshot(ctx, records); err != nil {
		return 0, err
	}
	slog.Debug("jobs: snapshot saved", "records", len(records))
	return len(records), nil
}

func (s *Scheduler) ExportFollowers(ctx context.Context) (string, error) {
	if s.opts.Exporter == nil {
		return "", fmt.Errorf("jobs: follower export not configured")
	}
	dir := s.opts.ExportDir
	if dir == "" {
		dir = "follow"
	}
	path, err := s.opts.Exporter.ExportFollowersCSV(ctx, dir, s.opts.Now())
	if err != nil {
		return "", err
	}
	log.Printf("jobs: followers exported to %s", path)
	return path, nil
}

// PollViewers reads the stream once and logs the viewer count unless it has
// repeated too often.
func (s *Scheduler) PollViewers(ctx context.Context) {
	if s.opts.Streams == nil {
		return
	}
	info, err := s.opts.Streams.Stream(ctx)
	if err != nil {
		slog.Warn("jobs: viewer count failed", "err", err)
		return
	}
	text, ok := s.viewers.Observe(info)
	if !ok {
		return
	}
	log.Printf("jobs: %s", text)
	if s.opts.Panel != nil {
		s.opts.Panel.Publish(panel.System(text))
	}
}

// ViewerWatch suppresses a viewer count after it has been reported
// maxRepeats times in a row.
type ViewerWatch struct {
	mu   sync.Mutex
	last int
	seen bool
	same int
}

const maxRepeats = 3

// Observe returns the line to log for info, or false when it should be
// suppressed.
func (w *ViewerWatch) Observe(info twitchapi.StreamInfo) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !info.Live {
		return "\033[1m\033[41mStream offline\033[0m", true
	}
	if w.seen && info.Viewers == w.last {
		w.same++
	} else {
		w.same = 0
		w.last = info.Viewers
		w.seen = true
	}
	if w.same >= maxRepeats {
		return "", false
	}
	return fmt.Sprintf("\033[1mNúmero de espectadores actuales: \033[31m%d\033[0m", info.Viewers), true
}

// ChannelInfoSource reports the channel title and category.
type ChannelInfoSource interface {
	ChannelInfo(ctx context.Context) (twitchapi.ChannelInfo, error)
}

// LogChannelInfo logs "title | category" once, typically after the first
// adapter becomes ready.
func LogChannelInfo(ctx context.Context, src ChannelInfoSource, pub Publisher) {
	info, err := src.ChannelInfo(ctx)
	if err != nil {
		slog.Warn("jobs: channel info failed", "err", err)
		return
	}
	text := fmt.Sprintf("\033[32m%s\033[0m | \033[32m%s\033[0m", info.Title, info.Game)
	log.Printf("jobs: %s", text)
	if pub != nil {
		pub.Publish(panel.System(text))
	}
}
