package decode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// lineReader reads '\n' terminated lines. Lines longer than limit are
// consumed entirely but reported as truncated with no content.
type lineReader struct {
	br    *bufio.Reader
	limit int
	buf   []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	if limit <= 0 {
		limit = DefaultLineLimit
	}
	return &lineReader{br: bufio.NewReaderSize(r, 64<<10), limit: limit}
}

// next returns the line without its terminator and the number of bytes consumed.
func (l *lineReader) next() (line []byte, n int, truncated bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, rerr := l.br.ReadSlice('\n')
		n += len(chunk)
		if !truncated {
			l.buf = append(l.buf, chunk...)
			if len(l.buf) > l.limit+2 {
				truncated = true
				l.buf = l.buf[:0]
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if n == 0 {
				return nil, 0, false, io.EOF
			}
			break
		}
		if rerr != nil {
			return nil, n, truncated, rerr
		}
		break
	}
	if truncated {
		return nil, n, true, nil
	}
	line = bytes.TrimSuffix(l.buf, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > l.limit {
		return nil, n, true, nil
	}
	return line, n, false, nil
}
