package decode

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"

	"logferry/internal/failure"
	"logferry/internal/task"
)

// csvDecoder maps every row onto the header row. Quoted fields may span
// lines, so the format is re-read from the start on resume.
type csvDecoder struct{}

func (csvDecoder) Format() Format { return FormatCSV }
func (csvDecoder) Seekable() bool { return false }

func (csvDecoder) Open(r io.Reader, resume Position, opts Options) (Stream, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	s := &csvStream{cursor: newCursor(opts, resume, false), reader: cr}
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		s.done = true
		return s, nil
	}
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("csv: read header: %w", err))
	}
	s.header = append([]string(nil), header...)
	s.offset = cr.InputOffset()
	return s, nil
}

type csvStream struct {
	cursor
	reader *csv.Reader
	header []string
	done   bool
}

func (s *csvStream) Next() (task.Record, error) {
	for {
		if s.done {
			return task.Record{}, io.EOF
		}
		row, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			return task.Record{}, io.EOF
		}
		s.seq++
		s.offset = s.reader.InputOffset()
		var parseErr *csv.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return task.Record{}, err
		}
		if err == nil && len(row) != len(s.header) {
			err = fmt.Errorf("row has %d fields, header has %d", len(row), len(s.header))
		}
		joined := strings.Join(row, "\x1f")
		sum := xxhash.Sum64String(joined)
		if s.replayed() {
			if verr := s.verify(sum); verr != nil && err == nil {
				return task.Record{}, verr
			}
			continue
		}
		if err != nil {
			if err := s.malformed(err); err != nil {
				return task.Record{}, err
			}
			continue
		}
		fields := make(map[string]any, len(row))
		for i, name := range s.header {
			fields[name] = row[i]
		}
		return task.Record{Fields: fields, Seq: s.seq, Offset: s.offset, Size: len(joined), Checksum: sum}, nil
	}
}
