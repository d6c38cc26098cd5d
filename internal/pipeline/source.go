package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"logferry/internal/decode"
	"logferry/internal/failure"
	"logferry/internal/task"
)

// source is an opened object with its decoder attached.
type source struct {
	obj    task.ObjectRef
	format decode.Format
	stream decode.Stream
	close  func()
}

// open selects a decoder and positions the object for resume. Seekable,
// uncompressed objects are fetched from the resume offset; compressed ones
// are fetched whole and the decompressed prefix is discarded; the rest are
// re-read from byte 0 and the decoder skips what was already accounted for.
func (p *Processor) open(ctx context.Context, ref task.ObjectRef, resume decode.Position) (*source, error) {
	guess, guessErr := p.router.Select(ref)
	var offset int64
	if guessErr == nil && guess.Seekable() && decode.DetectCompression(ref) == decode.CompressionNone {
		offset = resume.Offset
	}

	rc, meta, err := p.objects.Open(ctx, ref, offset)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.ID(), err)
	}
	ref = refresh(ref, meta)

	dec, err := p.router.Select(ref)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	comp := decode.DetectCompression(ref)
	if offset > 0 && (dec.Format() != guess.Format() || comp != decode.CompressionNone) {
		_ = rc.Close()
		offset = 0
		if rc, _, err = p.objects.Open(ctx, ref, 0); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref.ID(), err)
		}
	}

	r, release, err := decode.Decompress(rc, comp)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	closeAll := func() {
		release()
		_ = rc.Close()
	}

	if dec.Seekable() && offset == 0 && resume.Offset > 0 {
		if _, err := io.CopyN(io.Discard, r, resume.Offset); err != nil {
			closeAll()
			if errors.Is(err, io.EOF) {
				return nil, failure.Permanent(fmt.Errorf("%s is shorter than offset %d: %w", ref.ID(), resume.Offset, decode.ErrChanged))
			}
			return nil, fmt.Errorf("skip to offset %d of %s: %w", resume.Offset, ref.ID(), err)
		}
	}

	stream, err := dec.Open(r, resume, decode.Options{Strict: p.cfg.Strict, LineLimit: p.cfg.LineLimit})
	if err != nil {
		closeAll()
		return nil, err
	}
	return &source{obj: ref, format: dec.Format(), stream: stream, close: closeAll}, nil
}

// refresh copies object metadata without touching the identity fields.
func refresh(ref, meta task.ObjectRef) task.ObjectRef {
	if meta.Size > 0 {
		ref.Size = meta.Size
	}
	if meta.ContentType != "" {
		ref.ContentType = meta.ContentType
	}
	if meta.ContentEncoding != "" {
		ref.ContentEncoding = meta.ContentEncoding
	}
	return ref
}

// decorator stamps provenance onto every record under the "logferry" key.
type decorator struct {
	id     string
	obj    task.ObjectRef
	format decode.Format
}

func (d decorator) apply(rec *task.Record) {
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	meta := map[string]any{
		"object_identity": d.id,
		"bucket":          d.obj.Bucket,
		"key":             d.obj.Key,
		"format":          string(d.format),
		"sequence":        rec.Seq,
		"offset":          rec.Offset,
	}
	if d.obj.VersionID != "" {
		meta["version_id"] = d.obj.VersionID
	}
	rec.Fields["logferry"] = meta
}
