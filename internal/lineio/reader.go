// Package lineio reads newline-delimited input with a per-line size cap.
//
// Unlike bufio.Scanner, an oversized line does not end the stream: it is
// drained, reported as errors.ErrLineTooLong, and reading resumes at the
// next line.
package lineio

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	cmerrors "github.com/tamirms/cidmap/errors"
)

const readBufferSize = 64 << 10

// Reader yields lines without their "\n" or "\r\n" terminator.
type Reader struct {
	br  *bufio.Reader
	max int
	buf []byte
}

// NewReader returns a Reader that rejects lines longer than max bytes.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, readBufferSize), max: max}
}

// Next returns the next line. The slice is only valid until the following
// call. It returns io.EOF once the input is exhausted, and
// errors.ErrLineTooLong for a line over the cap, after which the Reader is
// positioned at the start of the next line.
func (r *Reader) Next() ([]byte, error) {
	r.buf = r.buf[:0]
	n := 0
	for {
		chunk, err := r.br.ReadSlice('\n')
		n += len(chunk)
		// Past the cap the rest of the line is discarded unbuffered.
		if n <= r.max+1 {
			r.buf = append(r.buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		break
	}

	length := n
	if n <= r.max+1 && bytes.HasSuffix(r.buf, []byte{'\n'}) {
		length--
	}
	if length > r.max {
		return nil, cmerrors.ErrLineTooLong
	}
	line := bytes.TrimSuffix(r.buf, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'}), nil
}
