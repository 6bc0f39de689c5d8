package twitchirc

import (
	"strings"
	"testing"
	"time"
)

func TestSummarizeIRC(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		command string
		channel string
		sample  string
	}{
		{"ping trailing", "PING :tmi.twitch.tv", "PING", "", "tmi.twitch.tv"},
		{"roomstate falls back to channel", "@emote-only=0;room-id=123 :tmi.twitch.tv ROOMSTATE #chan", "ROOMSTATE", "#chan", "#chan"},
		{"notice text", "@msg-id=msg_banned :tmi.twitch.tv NOTICE #chan :You are permanently banned.", "NOTICE", "#chan", "You are permanently banned."},
		{"usernotice msg-id", "@msg-id=raid;msg-param-viewerCount=12 :tmi.twitch.tv USERNOTICE #chan", "USERNOTICE", "#chan", "msg-id=raid"},
		{"numeric without channel", ":tmi.twitch.tv 372 zkbot :You are in a maze", "372", "", "You are in a maze"},
		{"garbage", "@onlytags", "UNKNOWN", "", "@onlytags"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarizeIRC(tt.raw)
			if got.command != tt.command || got.channel != tt.channel || got.sample != tt.sample {
				t.Fatalf("summarizeIRC(%q) = %+v", tt.raw, got)
			}
		})
	}
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	got := sanitizeAndTruncate("oauth:abcdefghijklmnopqrstuvwxyz123456 refresh=QWxhZGRpbjpPcGVuU2VzYW1lMTIzNDU2", 300)
	if strings.Contains(got, "abcdefghijkl") || strings.Contains(got, "QWxhZGRpbjpP") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "oauth:[REDACTED]") {
		t.Fatalf("missing oauth marker: %q", got)
	}
	if got := sanitizeAndTruncate("PASS oauth:whatever", 200); got != "PASS [REDACTED]" {
		t.Fatalf("pass line = %q", got)
	}
	if got := sanitizeAndTruncate("short  text\r\nhere", 8); got != "short..." {
		t.Fatalf("truncate = %q", got)
	}
}

func TestDropLoggerFlushesPerInterval(t *testing.T) {
	start := time.Now()
	d := newDropLogger(start, false, time.Second, nil)
	d.note(start, "unhandled", ":tmi.twitch.tv ROOMSTATE #chan")
	d.note(start, "unhandled", ":tmi.twitch.tv ROOMSTATE #chan")
	if got := d.reasons["unhandled"].byCommand["ROOMSTATE"]; got != 2 {
		t.Fatalf("count = %d", got)
	}
	d.note(start.Add(2*time.Second), "malformed", "@x")
	if len(d.reasons) != 0 {
		t.Fatalf("expected flush to reset counters, got %d reasons", len(d.reasons))
	}
}
