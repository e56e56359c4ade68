package lineio

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmerrors "github.com/tamirms/cidmap/errors"
)

func readAll(t *testing.T, r *Reader) (lines []string, tooLong int) {
	t.Helper()
	for {
		line, err := r.Next()
		if err == io.EOF {
			return lines, tooLong
		}
		if err != nil {
			require.ErrorIs(t, err, cmerrors.ErrLineTooLong)
			tooLong++
			continue
		}
		lines = append(lines, string(line))
	}
}

func TestReaderLines(t *testing.T) {
	r := NewReader(strings.NewReader("a b\r\n\nc d\nlast"), 16)
	lines, tooLong := readAll(t, r)
	assert.Equal(t, []string{"a b", "", "c d", "last"}, lines)
	assert.Zero(t, tooLong)
}

func TestReaderEmpty(t *testing.T) {
	_, err := NewReader(strings.NewReader(""), 16).Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderSkipsOversizedLine(t *testing.T) {
	junk := strings.Repeat("x", 2<<20)
	r := NewReader(strings.NewReader("1 2\n"+junk+"\n3 4\n"+junk), 1<<20)
	lines, tooLong := readAll(t, r)
	assert.Equal(t, []string{"1 2", "3 4"}, lines)
	assert.Equal(t, 2, tooLong)
}

func TestReaderCapBoundary(t *testing.T) {
	tests := []struct {
		name  string
		input string
		lines []string
		long  int
	}{
		{"at cap", "abcd\n", []string{"abcd"}, 0},
		{"at cap without newline", "abcd", []string{"abcd"}, 0},
		{"at cap with crlf", "abcd\r\n", nil, 1},
		{"one over", "abcde\nab\n", []string{"ab"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, tooLong := readAll(t, NewReader(strings.NewReader(tt.input), 4))
			assert.Equal(t, tt.lines, lines)
			assert.Equal(t, tt.long, tooLong)
		})
	}
}
