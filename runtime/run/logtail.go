package run

import (
	"bytes"
	"strings"
	"sync"
)

const defaultTailLines = 100

// LogTail is a concurrency-safe rolling buffer keeping the last N lines of
// process output. Terminal events carry its content so that failures can be
// diagnosed without access to the worker filesystem.
type LogTail struct {
	mux     sync.Mutex
	lines   []string
	limit   int
	partial bytes.Buffer
}

// NewLogTail creates a tail keeping at most limit lines.
func NewLogTail(limit int) *LogTail {
	if limit <= 0 {
		limit = defaultTailLines
	}
	return &LogTail{limit: limit}
}

// Write implements io.Writer; input is split on newlines and appended to the
// rolling window. Partial lines are buffered until terminated.
func (l *LogTail) Write(p []byte) (int, error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.partial.Write(p)
	for {
		data := l.partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		l.append(strings.TrimRight(string(data[:idx]), "\r"))
		l.partial.Next(idx + 1)
	}
	return len(p), nil
}

func (l *LogTail) append(line string) {
	l.lines = append(l.lines, line)
	if len(l.lines) > l.limit {
		l.lines = l.lines[len(l.lines)-l.limit:]
	}
}

// Lines returns a copy of the captured tail, including any unterminated
// trailing line.
func (l *LogTail) Lines() []string {
	l.mux.Lock()
	defer l.mux.Unlock()
	ret := make([]string, len(l.lines), len(l.lines)+1)
	copy(ret, l.lines)
	if l.partial.Len() > 0 {
		ret = append(ret, l.partial.String())
	}
	return ret
}
