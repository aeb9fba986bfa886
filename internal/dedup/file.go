package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pollwatch/internal/atomicfile"
)

// fileBackend stores one JSON document per publisher:
//
//	{"seenKeys": {"<key>": "2006-01-02", ...}}
//
// The list form {"seenKeys": ["<key>", ...]} and a bare top-level list are
// accepted on load; list entries get the load day as their last-seen day.
type fileBackend struct {
	path string
	now  func() time.Time
}

type fileDoc struct {
	SeenKeys json.RawMessage `json:"seenKeys"`
}

type fileDocOut struct {
	SeenKeys map[string]string `json:"seenKeys"`
}

// NewFileBackend persists to path.
func NewFileBackend(path string) Backend {
	return &fileBackend{path: path, now: time.Now}
}

// StatePath is the default file for publisher under dir.
func StatePath(dir, publisher string) string {
	return filepath.Join(dir, sanitize(publisher)+".seen.json")
}

func (b *fileBackend) Load(context.Context) (map[string]time.Time, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]time.Time{}, nil
	}
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]time.Time{}, nil
	}
	if raw[0] == '[' {
		return b.fromList(raw)
	}

	var doc fileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	seen := bytes.TrimSpace(doc.SeenKeys)
	if len(seen) == 0 || bytes.Equal(seen, []byte("null")) {
		return map[string]time.Time{}, nil
	}
	if seen[0] == '[' {
		return b.fromList(seen)
	}

	var m map[string]string
	if err := json.Unmarshal(seen, &m); err != nil {
		return nil, fmt.Errorf("decode %s seenKeys: %w", b.path, err)
	}
	today := day(b.now())
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = parseDay(v, today)
	}
	return out, nil
}

func (b *fileBackend) fromList(raw []byte) (map[string]time.Time, error) {
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode %s seenKeys list: %w", b.path, err)
	}
	today := day(b.now())
	out := make(map[string]time.Time, len(keys))
	for _, k := range keys {
		out[k] = today
	}
	return out, nil
}

func (b *fileBackend) Save(_ context.Context, snap Snapshot) error {
	doc := fileDocOut{SeenKeys: make(map[string]string, len(snap.All))}
	for k, v := range snap.All {
		doc.SeenKeys[k] = v.Format(time.DateOnly)
	}
	return atomicfile.WriteJSON(b.path, doc, 0o600)
}

func (b *fileBackend) Close() error { return nil }

func parseDay(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return day(t)
	}
	return fallback
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "publisher"
	}
	return b.String()
}
