package twitchirc

import (
	"bytes"
	"errors"

	"github.com/you/zkleis-bot/internal/core"
)

// maxPending bounds buffered bytes that have not seen a line terminator.
const maxPending = 64 * 1024

var errLineTooLong = errors.New("twitchirc: unterminated line exceeds 64KiB")

// Framer reassembles IRC lines from arbitrary read chunks. It accepts
// "\r\n" and bare "\n" terminators.
type Framer struct {
	buf []byte
	max int
}

func NewFramer() *Framer {
	return &Framer{max: maxPending}
}

// Feed appends p and returns every completed line, in order, without
// terminators. Empty lines are skipped. When the remainder grows past the
// limit it is discarded and a ProtocolError is returned with the lines that
// did complete.
func (f *Framer) Feed(p []byte) ([]string, error) {
	f.buf = append(f.buf, p...)

	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(f.buf[:idx], []byte{'\r'})
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		f.buf = f.buf[idx+1:]
	}

	limit := f.max
	if limit <= 0 {
		limit = maxPending
	}
	if len(f.buf) > limit {
		f.buf = nil
		return lines, &core.ProtocolError{Op: "frame", Err: errLineTooLong}
	}
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 2*limit {
		f.buf = append([]byte(nil), f.buf...)
	}
	return lines, nil
}

// Pending reports how many bytes await a terminator.
func (f *Framer) Pending() int { return len(f.buf) }

func (f *Framer) Reset() { f.buf = nil }
