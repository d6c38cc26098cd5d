package task

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindFresh        Kind = "fresh"
	KindContinuation Kind = "continuation"
	KindReplay       Kind = "replay"
)

// ObjectRef points at one stored object. Size, ContentType and
// ContentEncoding are refreshed by the object store when the object is opened.
type ObjectRef struct {
	Bucket          string `json:"bucket"`
	Key             string `json:"key"`
	VersionID       string `json:"version_id,omitempty"`
	ETag            string `json:"etag,omitempty"`
	Size            int64  `json:"size,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
}

// ID is the object identity used as checkpoint key: bucket/key, then
// @version when versioned or #etag when only the etag is known.
func (o ObjectRef) ID() string {
	id := o.Bucket + "/" + o.Key
	switch {
	case o.VersionID != "":
		id += "@" + o.VersionID
	case o.ETag != "":
		id += "#" + strings.Trim(o.ETag, `"`)
	}
	return id
}

func (o ObjectRef) String() string { return o.ID() }

// ParseIdentity is the inverse of ObjectRef.ID.
func ParseIdentity(id string) (ObjectRef, error) {
	bucket, rest, ok := strings.Cut(id, "/")
	if !ok || bucket == "" || rest == "" {
		return ObjectRef{}, fmt.Errorf("object identity %q: want bucket/key", id)
	}
	ref := ObjectRef{Bucket: bucket, Key: rest}
	if i := strings.LastIndexByte(rest, '@'); i > 0 && !strings.Contains(rest[i:], "/") {
		ref.Key, ref.VersionID = rest[:i], rest[i+1:]
	} else if i := strings.LastIndexByte(rest, '#'); i > 0 && !strings.Contains(rest[i:], "/") {
		ref.Key, ref.ETag = rest[:i], rest[i+1:]
	}
	return ref, nil
}

// SourceEvent is one storage-created notification. Immutable once received.
type SourceEvent struct {
	Object    ObjectRef `json:"object"`
	EventName string    `json:"event_name,omitempty"`
	EventTime time.Time `json:"event_time"`
	MessageID string    `json:"message_id,omitempty"`
}

type AttemptEntry struct {
	Attempt int       `json:"attempt"`
	Kind    Kind      `json:"kind"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// ProcessingTask is the unit of work routed through the pipeline.
//
// Offset and Sequence describe the last accounted item: every record up to
// and including Sequence was either shipped or skipped as malformed, and
// Offset is the byte position right after it.
type ProcessingTask struct {
	Event    SourceEvent    `json:"event"`
	Offset   int64          `json:"offset"`
	Sequence int64          `json:"sequence"`
	Checksum uint64         `json:"checksum,omitempty"`
	Attempt  int            `json:"attempt"`
	Kind     Kind           `json:"kind"`
	Skipped  int64          `json:"skipped,omitempty"`
	History  []AttemptEntry `json:"history,omitempty"`
}

func (t *ProcessingTask) ID() string { return t.Event.Object.ID() }

// Record appends an attempt history entry.
func (t *ProcessingTask) Record(outcome string, err error, at time.Time) {
	e := AttemptEntry{Attempt: t.Attempt, Kind: t.Kind, Outcome: outcome, At: at.UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	t.History = append(t.History, e)
}

type CheckpointState string

const (
	StateActive       CheckpointState = "active"
	StateDeadLettered CheckpointState = "dead_lettered"
)

// Checkpoint is the persisted resume state of a partially processed object.
type Checkpoint struct {
	Task      ProcessingTask  `json:"task"`
	State     CheckpointState `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Record is one normalized log entry.
type Record struct {
	Fields map[string]any
	Seq    int64
	// Offset is the byte position after the record in the decoded stream.
	Offset int64
	// Size is the encoded size of the source bytes, used for batch accounting.
	Size int
	// Checksum is the xxhash of the source bytes.
	Checksum uint64
}
