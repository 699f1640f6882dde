package protocol

import (
	"bytes"
	"errors"
)

// DefaultMaxLineSize bounds a single undelimited line held in memory.
const DefaultMaxLineSize = 16 << 20

// ErrLineTooLong is reported when a line outgrows the limit, whether it
// arrives whole or in pieces. The oversized line is skipped up to its
// terminating newline.
var ErrLineTooLong = errors.New("line exceeds maximum size")

// Framer splits a byte stream into newline-delimited lines. Bytes after the
// last newline are retained until the next Push, so the result does not
// depend on how the transport fragments or coalesces writes.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	buf        []byte
	maxLine    int
	discarding bool
}

// NewFramer creates a Framer. maxLine <= 0 selects DefaultMaxLineSize.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineSize
	}
	return &Framer{maxLine: maxLine}
}

// Push appends chunk and returns every complete, non-empty line (without the
// delimiter or a trailing carriage return). Returned slices are owned by the
// caller. err is ErrLineTooLong if an oversized line was dropped; any lines
// returned alongside it are still valid.
func (f *Framer) Push(chunk []byte) (lines [][]byte, err error) {
	f.buf = append(f.buf, chunk...)

	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx == -1 {
			break
		}

		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		if f.discarding {
			f.discarding = false
			continue
		}
		if len(line) > f.maxLine {
			err = ErrLineTooLong
			continue
		}

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}

	if len(f.buf) > f.maxLine {
		if !f.discarding {
			err = ErrLineTooLong
		}
		f.buf = nil
		f.discarding = true
	}

	// Release the consumed prefix so the backing array does not grow forever.
	if len(f.buf) == 0 {
		f.buf = nil
	} else if cap(f.buf) > 4*len(f.buf) && cap(f.buf) > 64<<10 {
		f.buf = append([]byte(nil), f.buf...)
	}

	return lines, err
}

// Buffered returns the number of bytes waiting for a delimiter.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial line, e.g. when a new session starts.
func (f *Framer) Reset() {
	f.buf = nil
	f.discarding = false
}
