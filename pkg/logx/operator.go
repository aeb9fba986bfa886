package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// operatorMaxRunes caps operator messages; the chat is meant for a glance.
const operatorMaxRunes = 300

var levelEmoji = map[string]string{
	"trace": "🔍",
	"debug": "🔍",
	"info":  "ℹ️",
	"warn":  "⚠️",
	"error": "❌",
	"fatal": "🔥",
	"panic": "🔥",
}

type operatorWriter struct{ svc *Service }

func (w *operatorWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *operatorWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil || s.operatorSender() == nil {
		return len(p), nil
	}

	s.mu.Lock()
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if level < min {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return len(p), nil
	}
	if msg := FormatOperator(p); msg != "" {
		s.enqueueOperator(msg)
	}
	return len(p), nil
}

// FormatOperator renders one zerolog JSON line as a compact chat message:
// an emoji for the level, the message, then sorted key=value lines.
func FormatOperator(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncateRunes(strings.TrimSpace(string(p)), operatorMaxRunes)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if e, ok := levelEmoji[lvl]; ok {
		b.WriteString(e)
		b.WriteString(" ")
	}
	b.WriteString(strings.ToUpper(lvl))
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%v", k, m[k])
	}
	return truncateRunes(b.String(), operatorMaxRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n < 10 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
