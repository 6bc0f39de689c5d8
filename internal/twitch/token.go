package twitch

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrEmptyToken = errors.New("twitch: empty token")

// NormalizeToken returns the IRC form of a token ("oauth:" prefix). Helix
// style "Bearer"/"OAuth" prefixes are accepted too.
func NormalizeToken(s string) string {
	bare := BareToken(s)
	if bare == "" {
		return ""
	}
	return "oauth:" + bare
}

// BareToken strips any prefix, for Helix and the validate endpoint.
func BareToken(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"oauth:", "Bearer ", "OAuth "} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	return s
}

// AccessFile tracks the bot's access token file. The first non-empty line
// that is not a '#' comment is the token.
type AccessFile struct {
	path string

	mu   sync.Mutex
	last string
}

func NewAccessFile(path string) *AccessFile {
	return &AccessFile{path: path}
}

func (f *AccessFile) Path() string { return f.path }

// Read returns the normalized token and whether it differs from the last
// one read or remembered.
func (f *AccessFile) Read() (token string, changed bool, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", false, err
	}
	token = NormalizeToken(firstTokenLine(data))

	f.mu.Lock()
	defer f.mu.Unlock()
	if token == "" {
		f.last = ""
		return "", false, ErrEmptyToken
	}
	changed = token != f.last
	f.last = token
	return token, changed, nil
}

// Remember records a token obtained elsewhere (env, refresh) so a later Read
// of the same value reports no change.
func (f *AccessFile) Remember(token string) {
	f.mu.Lock()
	f.last = NormalizeToken(token)
	f.mu.Unlock()
}

func firstTokenLine(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
