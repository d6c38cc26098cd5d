package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"

	"logferry/internal/task"
)

// ndjsonDecoder reads one JSON object per line. Blank lines are ignored.
type ndjsonDecoder struct{}

func (ndjsonDecoder) Format() Format { return FormatNDJSON }
func (ndjsonDecoder) Seekable() bool { return true }

func (ndjsonDecoder) Open(r io.Reader, resume Position, opts Options) (Stream, error) {
	return &ndjsonStream{cursor: newCursor(opts, resume, true), lines: newLineReader(r, opts.LineLimit)}, nil
}

type ndjsonStream struct {
	cursor
	lines *lineReader
}

func (s *ndjsonStream) Next() (task.Record, error) {
	for {
		line, n, truncated, err := s.lines.next()
		if err != nil {
			return task.Record{}, err
		}
		s.offset += int64(n)
		if !truncated && len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.seq++
		if truncated {
			if err := s.malformed(fmt.Errorf("line exceeds %d bytes", s.lines.limit)); err != nil {
				return task.Record{}, err
			}
			continue
		}
		fields, err := decodeObject(line)
		if err != nil {
			if err := s.malformed(err); err != nil {
				return task.Record{}, err
			}
			continue
		}
		return task.Record{Fields: fields, Seq: s.seq, Offset: s.offset, Size: len(line), Checksum: xxhash.Sum64(line)}, nil
	}
}

// decodeObject parses exactly one JSON object, keeping numbers verbatim.
func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("not a JSON object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	return fields, nil
}

// textDecoder emits every non-blank line as {"message": line}.
type textDecoder struct{}

func (textDecoder) Format() Format { return FormatText }
func (textDecoder) Seekable() bool { return true }

func (textDecoder) Open(r io.Reader, resume Position, opts Options) (Stream, error) {
	return &textStream{cursor: newCursor(opts, resume, true), lines: newLineReader(r, opts.LineLimit)}, nil
}

type textStream struct {
	cursor
	lines *lineReader
}

func (s *textStream) Next() (task.Record, error) {
	for {
		line, n, truncated, err := s.lines.next()
		if err != nil {
			return task.Record{}, err
		}
		s.offset += int64(n)
		if !truncated && len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.seq++
		if truncated {
			if err := s.malformed(fmt.Errorf("line exceeds %d bytes", s.lines.limit)); err != nil {
				return task.Record{}, err
			}
			continue
		}
		msg := strings.ToValidUTF8(string(line), "�")
		return task.Record{
			Fields:   map[string]any{"message": msg},
			Seq:      s.seq,
			Offset:   s.offset,
			Size:     len(line),
			Checksum: xxhash.Sum64(line),
		}, nil
	}
}
