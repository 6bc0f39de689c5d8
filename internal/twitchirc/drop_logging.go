package twitchirc

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/you/zkleis-bot/internal/metrics"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
	dropChannelMaxLen   = 32
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

type ircSummary struct {
	command string
	channel string
	sample  string
}

type dropReasonSummary struct {
	total       int
	byCommand   map[string]int
	sampleByCmd map[string]ircSummary
}

// dropLogger aggregates lines the adapter did not turn into events and logs
// one summary per reason every interval.
type dropLogger struct {
	mu       sync.Mutex
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	reasons  map[string]*dropReasonSummary
	metrics  *metrics.Metrics
}

func newDropLogger(now time.Time, verbose bool, interval time.Duration, m *metrics.Metrics) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	return &dropLogger{
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		reasons:  make(map[string]*dropReasonSummary),
		metrics:  m,
	}
}

func (d *dropLogger) note(now time.Time, reason, rawLine string) {
	if d == nil {
		return
	}
	d.metrics.IncDropped("irc", reason)
	summary := summarizeIRC(rawLine)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.verbose {
		slog.Debug("twitchirc: dropped line",
			"reason", reason,
			"command", summary.command,
			"channel", summary.channel,
			"sample", summary.sample,
		)
	}

	entry := d.reasons[reason]
	if entry == nil {
		entry = &dropReasonSummary{
			byCommand:   make(map[string]int),
			sampleByCmd: make(map[string]ircSummary),
		}
		d.reasons[reason] = entry
	}
	entry.total++
	entry.byCommand[summary.command]++
	if _, ok := entry.sampleByCmd[summary.command]; !ok {
		entry.sampleByCmd[summary.command] = summary
	}

	if !now.Before(d.nextEmit) {
		d.flushLocked(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked(now)
}

func (d *dropLogger) flushLocked(now time.Time) {
	for _, reason := range sortedKeys(d.reasons) {
		rs := d.reasons[reason]
		if rs == nil || rs.total == 0 {
			continue
		}
		slog.Info("twitchirc: dropped_"+reason,
			"total", rs.total,
			"commands", formatCommandCounts(rs.byCommand),
			"samples", formatCommandSamples(rs.sampleByCmd),
		)
	}
	clear(d.reasons)
	d.nextEmit = now.Add(d.interval)
}

// summarizeIRC reduces a raw line to its command, channel and a redacted
// sample safe to log.
func summarizeIRC(rawLine string) ircSummary {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return ircSummary{command: "UNKNOWN"}
	}
	msg, err := ParseMessage(line)
	if err != nil {
		return ircSummary{command: "UNKNOWN", sample: sanitizeAndTruncate(line, dropSampleMaxLen)}
	}

	channel := ""
	if c := msg.Channel(); c != "" {
		channel = "#" + c
	}
	sample := ""
	if msg.Command == "USERNOTICE" {
		if id := msg.Tags.Get("msg-id"); id != "" {
			sample = "msg-id=" + id
		}
	}
	if sample == "" && msg.HasTrailing {
		sample = strings.TrimSpace(msg.Trailing)
	}
	if sample == "" && channel != "" {
		sample = channel
	}
	if sample == "" {
		sample = strings.Join(msg.Params, " ")
	}
	return ircSummary{
		command: msg.Command,
		channel: sanitizeAndTruncate(channel, dropChannelMaxLen),
		sample:  sanitizeAndTruncate(sample, dropSampleMaxLen),
	}
}

func sanitizeAndTruncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	upper := strings.ToUpper(s)
	if upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		return "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")

	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatCommandCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, cmd := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", cmd, counts[cmd]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func formatCommandSamples(samples map[string]ircSummary) string {
	parts := make([]string, 0, len(samples))
	for _, cmd := range sortedKeys(samples) {
		s := samples[cmd]
		if s.channel != "" && s.sample != s.channel {
			parts = append(parts, cmd+":'"+s.channel+" "+s.sample+"'")
			continue
		}
		parts = append(parts, cmd+":'"+s.sample+"'")
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
