package procmgr

import (
	"bytes"
	"sync"
)

// lineBuffer is an io.Writer that keeps the last max complete lines written
// to it.
type lineBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newLineBuffer(max int) *lineBuffer {
	return &lineBuffer{max: max}
}

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (b *lineBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = append([]string(nil), b.lines[over:]...)
	}
}

// Lines returns the retained lines, including an unterminated trailing line.
func (b *lineBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]string(nil), b.lines...)
	if len(b.partial) > 0 {
		out = append(out, string(b.partial))
	}
	return out
}

// Last returns the most recent line or "".
func (b *lineBuffer) Last() string {
	lines := b.Lines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
