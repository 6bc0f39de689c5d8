package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/you/zkleis-bot/internal/core"
	"github.com/you/zkleis-bot/internal/ingesttrace"
)

// Writer persists one user record.
type Writer interface {
	Upsert(ctx context.Context, rec core.UserRecord) error
}

// BufferedWriter batches record upserts. Several changes to the same user
// inside one batch collapse into the latest, and a versioned record older
// than one already accepted for that user is dropped.
type BufferedWriter struct {
	base          Writer
	batchSize     int
	flushInterval time.Duration
	timeout       time.Duration

	mu      sync.Mutex
	buffer  []tracedRecord
	index   map[string]int
	seen    map[string]uint64
	timer   *time.Timer
	closed  bool
	lastErr error
}

type tracedRecord struct {
	rec   core.UserRecord
	trace *ingesttrace.EventTrace
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	// WriteTimeout bounds each flush. Zero means 10s.
	WriteTimeout time.Duration
}

func NewBufferedWriter(base Writer, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
		timeout:       timeout,
		index:         make(map[string]int),
		seen:          make(map[string]uint64),
	}
}

func (b *BufferedWriter) Write(rec core.UserRecord, trace *ingesttrace.EventTrace) error {
	key := core.NormalizeName(rec.Name)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("buffered writer closed")
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	if rec.Version != 0 {
		if rec.Version < b.seen[key] {
			b.mu.Unlock()
			trace.Inc(ingesttrace.StageDropped("stale"))
			return pendingErr
		}
		b.seen[key] = rec.Version
	}

	if i, ok := b.index[key]; ok {
		b.buffer[i] = tracedRecord{rec: rec, trace: trace}
	} else {
		b.index[key] = len(b.buffer)
		b.buffer = append(b.buffer, tracedRecord{rec: rec, trace: trace})
	}
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}

	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	recs := b.takeLocked()
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(recs); err != nil {
		return err
	}
	return pendingErr
}

// Flush writes everything buffered now.
func (b *BufferedWriter) Flush() error {
	b.mu.Lock()
	recs := b.takeLocked()
	b.stopTimerLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()
	if err := b.writeAll(recs); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	recs := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeAll(recs); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	recs := b.takeLocked()
	b.timer = nil
	b.mu.Unlock()

	if err := b.writeAll(recs); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) takeLocked() []tracedRecord {
	if len(b.buffer) == 0 {
		return nil
	}
	recs := append([]tracedRecord(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	clear(b.index)
	return recs
}

func (b *BufferedWriter) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *BufferedWriter) writeAll(recs []tracedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	for _, entry := range recs {
		if err := b.base.Upsert(ctx, entry.rec); err != nil {
			entry.trace.Inc(ingesttrace.StageDropped("persist"))
			return err
		}
		entry.trace.Inc(ingesttrace.StagePersisted)
	}
	return nil
}
