package protocol

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramer_SplitsLines(t *testing.T) {
	f := NewFramer(0)

	lines, err := f.Push([]byte("{\"a\":1}\n{\"b\":"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"a":1}`, string(lines[0]))
	assert.Equal(t, len(`{"b":`), f.Buffered())

	lines, err = f.Push([]byte("2}\r\n\n\n{\"c\":3}\n"))
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, `{"b":2}`, string(lines[0]))
	assert.Equal(t, `{"c":3}`, string(lines[1]))
	assert.Zero(t, f.Buffered())
}

func TestFramer_ChunkingInvariance(t *testing.T) {
	var stream bytes.Buffer
	var want []string
	for i := 0; i < 200; i++ {
		line := `{"type":"metrics","seq":` + strings.Repeat("7", i%13+1) + `}`
		want = append(want, line)
		stream.WriteString(line)
		stream.WriteByte('\n')
		if i%17 == 0 {
			stream.WriteString("\n")
		}
	}
	data := stream.Bytes()

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		f := NewFramer(0)
		var got []string
		for off := 0; off < len(data); {
			n := rng.Intn(64) + 1
			if off+n > len(data) {
				n = len(data) - off
			}
			lines, err := f.Push(data[off : off+n])
			require.NoError(t, err)
			for _, l := range lines {
				got = append(got, string(l))
			}
			off += n
		}
		require.Equal(t, want, got, "round %d", round)
		assert.Zero(t, f.Buffered())
	}

	// All at once.
	f := NewFramer(0)
	lines, err := f.Push(data)
	require.NoError(t, err)
	assert.Len(t, lines, len(want))
}

func TestFramer_OversizedLineIndependentOfChunking(t *testing.T) {
	const maxLine = 1024
	big := strings.Repeat("x", 2000)
	data := []byte("first\n" + big + "\nlast\n")

	push := func(chunk int) ([]string, bool) {
		f := NewFramer(maxLine)
		var got []string
		tooLong := false
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			lines, err := f.Push(data[off:end])
			if err != nil {
				require.ErrorIs(t, err, ErrLineTooLong)
				tooLong = true
			}
			for _, l := range lines {
				got = append(got, string(l))
			}
		}
		assert.Zero(t, f.Buffered())
		return got, tooLong
	}

	for _, chunk := range []int{len(data), 500, 64, 1} {
		got, tooLong := push(chunk)
		assert.Equal(t, []string{"first", "last"}, got, "chunk size %d", chunk)
		assert.True(t, tooLong, "chunk size %d", chunk)
	}

	// A line of exactly the limit is kept either way.
	exact := strings.Repeat("y", maxLine)
	for _, chunk := range []int{maxLine + 1, 100} {
		f := NewFramer(maxLine)
		var got []string
		payload := []byte(exact + "\n")
		for off := 0; off < len(payload); off += chunk {
			lines, err := f.Push(payload[off:min(off+chunk, len(payload))])
			require.NoError(t, err)
			for _, l := range lines {
				got = append(got, string(l))
			}
		}
		assert.Equal(t, []string{exact}, got, "chunk size %d", chunk)
	}
}

func TestFramer_ReturnedLinesAreCopies(t *testing.T) {
	f := NewFramer(0)
	chunk := []byte("abc\n")
	lines, _ := f.Push(chunk)
	require.Len(t, lines, 1)
	chunk[0] = 'x'
	assert.Equal(t, "abc", string(lines[0]))
}

func TestFramer_MaxLine(t *testing.T) {
	f := NewFramer(8)

	_, err := f.Push([]byte("0123456789"))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Zero(t, f.Buffered())

	// Rest of the oversized line is skipped silently.
	lines, err := f.Push([]byte("more-of-it\nok\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "ok", string(lines[0]))
}

func TestFramer_Reset(t *testing.T) {
	f := NewFramer(0)
	f.Push([]byte("partial"))
	f.Reset()
	lines, err := f.Push([]byte("next\n"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "next", string(lines[0]))
}
