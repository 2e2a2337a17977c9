package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

const maxLogLine = 64 << 10

// lineLogger forwards sandbox output to the structured logger one line at a time.
type lineLogger struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLogLine {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	if level, msg, attrs, ok := decodeRecord(line); ok {
		l.logger.LogAttrs(context.Background(), level, msg, attrs...)
		return
	}
	l.logger.Info("sandbox output", "line", string(line))
}

// decodeRecord parses a JSON slog record written by the sandbox into its
// level, message and remaining attributes. The sandbox's own timestamp is
// dropped in favour of the receiving logger's.
func decodeRecord(line []byte) (slog.Level, string, []slog.Attr, bool) {
	if line[0] != '{' {
		return 0, "", nil, false
	}
	var rec map[string]any
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, "", nil, false
	}

	msg, _ := rec[slog.MessageKey].(string)
	level := slog.LevelInfo
	if s, ok := rec[slog.LevelKey].(string); ok {
		if err := level.UnmarshalText([]byte(s)); err != nil {
			level = slog.LevelInfo
		}
	}
	delete(rec, slog.MessageKey)
	delete(rec, slog.LevelKey)
	delete(rec, slog.TimeKey)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, rec[k]))
	}
	return level, msg, attrs, true
}
