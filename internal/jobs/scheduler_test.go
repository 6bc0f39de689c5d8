package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/panel"
	"github.com/you/zkleis-bot/internal/twitchapi"
)

type staticRecords []core.UserRecord

func (s staticRecords) Snapshot() []core.UserRecord { return s }

type memSaver struct {
	mu    sync.Mutex
	saves [][]core.UserRecord
	err   error
}

func (m *memSaver) SaveSnapshot(_ context.Context, recs []core.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saves = append(m.saves, recs)
	return nil
}

func (m *memSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

type fakeExporter struct{ dir string }

func (f *fakeExporter) ExportFollowersCSV(_ context.Context, dir string, now time.Time) (string, error) {
	f.dir = dir
	return filepath.Join(dir, now.Format("2006"), "x.csv"), nil
}

type streamSeq struct{ infos []twitchapi.StreamInfo }

func (s *streamSeq) Stream(context.Context) (twitchapi.StreamInfo, error) {
	if len(s.infos) == 0 {
		return twitchapi.StreamInfo{}, errors.New("empty")
	}
	info := s.infos[0]
	s.infos = s.infos[1:]
	return info, nil
}

type linePublisher struct{ lines []panel.Line }

func (p *linePublisher) Publish(l panel.Line) panel.Line {
	p.lines = append(p.lines, l)
	return l
}

type fakeChannel struct{}

func (fakeChannel) ChannelInfo(context.Context) (twitchapi.ChannelInfo, error) {
	return twitchapi.ChannelInfo{Title: "Jugando", Game: "Minecraft"}, nil
}

func TestSaveNow(t *testing.T) {
	saver := &memSaver{}
	s := NewScheduler(Options{Records: staticRecords{{Name: "ana"}, {Name: "bob"}}, Saver: saver})
	n, err := s.SaveNow(context.Background())
	if err != nil || n != 2 || saver.count() != 1 {
		t.Fatalf("SaveNow = %d, %v (saves %d)", n, err, saver.count())
	}

	saver.err = errors.New("disk full")
	if _, err := s.SaveNow(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if _, err := NewScheduler(Options{}).SaveNow(context.Background()); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestStartRunsSnapshotJob(t *testing.T) {
	saver := &memSaver{}
	s := NewScheduler(Options{Records: staticRecords{{Name: "ana"}}, Saver: saver, SnapshotSpec: "@every 1s"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for saver.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("snapshot job never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewScheduler(Options{SnapshotSpec: "every tuesday"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected spec error")
	}
}

func TestExportFollowers(t *testing.T) {
	exp := &fakeExporter{}
	now := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	s := NewScheduler(Options{Exporter: exp, Now: func() time.Time { return now }})
	path, err := s.ExportFollowers(context.Background())
	if err != nil {
		t.Fatalf("ExportFollowers: %v", err)
	}
	if exp.dir != "follow" || !strings.Contains(path, "2024") {
		t.Fatalf("dir=%q path=%q", exp.dir, path)
	}
}

func TestViewerWatchSuppressesRepeats(t *testing.T) {
	var w ViewerWatch
	live := func(n int) twitchapi.StreamInfo { return twitchapi.StreamInfo{Live: true, Viewers: n} }

	seq := []struct {
		info twitchapi.StreamInfo
		want bool
	}{
		{live(10), true},
		{live(10), true},
		{live(10), true},
		{live(10), false},
		{live(10), false},
		{live(11), true},
		{twitchapi.StreamInfo{}, true},
	}
	for i, step := range seq {
		text, ok := w.Observe(step.info)
		if ok != step.want {
			t.Fatalf("step %d: logged=%v want %v (%q)", i, ok, step.want, text)
		}
	}
	if text, _ := w.Observe(twitchapi.StreamInfo{}); !strings.Contains(text, "Stream offline") {
		t.Fatalf("offline text = %q", text)
	}
}

func TestPollViewersPublishes(t *testing.T) {
	pub := &linePublisher{}
	streams := &streamSeq{infos: []twitchapi.StreamInfo{{Live: true, Viewers: 42}}}
	s := NewScheduler(Options{Streams: streams, Panel: pub})
	s.PollViewers(context.Background())
	s.PollViewers(context.Background()) // error: nothing published
	if len(pub.lines) != 1 || !strings.Contains(panel.StripANSI(pub.lines[0].Text), "42") {
		t.Fatalf("lines = %+v", pub.lines)
	}
}

func TestLogChannelInfo(t *testing.T) {
	pub := &linePublisher{}
	LogChannelInfo(context.Background(), fakeChannel{}, pub)
	if len(pub.lines) != 1 || panel.StripANSI(pub.lines[0].Text) != "Jugando | Minecraft" {
		t.Fatalf("lines = %+v", pub.lines)
	}
}
