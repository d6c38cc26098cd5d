package decode

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"logferry/internal/failure"
	"logferry/internal/task"
)

// jsonDecoder reads a sequence of JSON documents, pretty-printed or not.
// A top-level array is expanded element by element. A syntax error leaves
// the rest of the object unreadable and fails the task permanently.
type jsonDecoder struct{}

func (jsonDecoder) Format() Format { return FormatJSON }
func (jsonDecoder) Seekable() bool { return false }

func (jsonDecoder) Open(r io.Reader, resume Position, opts Options) (Stream, error) {
	br := bufio.NewReader(r)
	s := &jsonStream{cursor: newCursor(opts, resume, false)}
	first, err := peekNonSpace(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	s.dec = json.NewDecoder(br)
	s.dec.UseNumber()
	if first == '[' {
		if _, err := s.dec.Token(); err != nil {
			return nil, failure.Permanent(fmt.Errorf("json: %w", err))
		}
		s.inArray = true
	}
	return s, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

type jsonStream struct {
	cursor
	dec     *json.Decoder
	inArray bool
	done    bool
}

func (s *jsonStream) Next() (task.Record, error) {
	for {
		if s.done {
			return task.Record{}, io.EOF
		}
		if s.inArray && !s.dec.More() {
			s.done = true
			if _, err := s.dec.Token(); err != nil && !errors.Is(err, io.EOF) {
				return task.Record{}, failure.Permanent(fmt.Errorf("json: %w", err))
			}
			continue
		}
		var raw json.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return task.Record{}, io.EOF
			}
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) || errors.Is(err, io.ErrUnexpectedEOF) {
				return task.Record{}, failure.Permanent(fmt.Errorf("json: document %d: %w", s.seq+1, err))
			}
			return task.Record{}, err
		}
		s.seq++
		s.offset = s.dec.InputOffset()
		sum := xxhash.Sum64(raw)
		if s.replayed() {
			if err := s.verify(sum); err != nil {
				return task.Record{}, err
			}
			continue
		}
		fields, err := decodeObject(raw)
		if err != nil {
			if err := s.malformed(err); err != nil {
				return task.Record{}, err
			}
			continue
		}
		return task.Record{Fields: fields, Seq: s.seq, Offset: s.offset, Size: len(raw), Checksum: sum}, nil
	}
}
