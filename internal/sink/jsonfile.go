package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/zkleis-bot/internal/core"
)

// JSONStore keeps the whole table in one file shaped
// {"name": {"id", "follow_date", "color", "nickname"}}.
type JSONStore struct {
	path string

	mu    sync.Mutex
	users map[string]core.UserRecord
}

func OpenJSON(path string) (*JSONStore, error) {
	if path == "" {
		return nil, errors.New("json store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create json store dir")
		}
	}
	return &JSONStore{path: path}, nil
}

func (s *JSONStore) Path() string { return s.path }

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return errors.Wrap(err, "stat json store dir")
}

func (s *JSONStore) LoadSnapshot(context.Context) ([]core.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make([]core.UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *JSONStore) loadLocked() error {
	if s.users != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.users = make(map[string]core.UserRecord)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read json store")
	}
	raw := make(map[string]core.UserRecord)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return errors.Wrapf(err, "decode %s", s.path)
		}
	}
	s.users = make(map[string]core.UserRecord, len(raw))
	for name, rec := range raw {
		key := core.NormalizeName(name)
		if key == "" {
			continue
		}
		rec.Name = key
		s.users[key] = rec
	}
	return nil
}

func (s *JSONStore) Upsert(_ context.Context, rec core.UserRecord) error {
	key := core.NormalizeName(rec.Name)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	rec.Name = key
	s.users[key] = rec
	return s.writeLocked()
}

// SaveSnapshot merges records into the file; users absent from records are
// kept.
func (s *JSONStore) SaveSnapshot(_ context.Context, records []core.UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	for _, rec := range records {
		key := core.NormalizeName(rec.Name)
		if key == "" {
			continue
		}
		rec.Name = key
		s.users[key] = rec
	}
	return s.writeLocked()
}

func (s *JSONStore) writeLocked() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(s.users); err != nil {
		return errors.Wrap(err, "encode json store")
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".users-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), s.path), "replace json store")
}
