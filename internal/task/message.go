package task

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ResumeMessage is the body posted to the continuation and replay channels.
type ResumeMessage struct {
	ID             string    `json:"id"`
	ObjectIdentity string    `json:"object_identity"`
	Object         ObjectRef `json:"object"`
	ResumeOffset   int64     `json:"resume_offset"`
	ResumeSequence int64     `json:"resume_sequence"`
	AttemptCount   int       `json:"attempt_count"`
	Checksum       uint64    `json:"checksum,omitempty"`
	EventTime      time.Time `json:"event_time"`
	NotBefore      time.Time `json:"not_before,omitempty"`
}

// DeadLetterMessage is the body posted to the dead-letter channel.
type DeadLetterMessage struct {
	ID             string         `json:"id"`
	ObjectIdentity string         `json:"object_identity"`
	Object         ObjectRef      `json:"object,omitempty"`
	FailureReason  string         `json:"failure_reason"`
	AttemptHistory []AttemptEntry `json:"attempt_history"`
	// Payload holds the raw inbound body when it could not be parsed.
	Payload string `json:"payload,omitempty"`
}

func NewResumeMessage(id string, t *ProcessingTask) ResumeMessage {
	return ResumeMessage{
		ID:             id,
		ObjectIdentity: t.ID(),
		Object:         t.Event.Object,
		ResumeOffset:   t.Offset,
		ResumeSequence: t.Sequence,
		AttemptCount:   t.Attempt,
		Checksum:       t.Checksum,
		EventTime:      t.Event.EventTime,
	}
}

// Task rebuilds the processing task a resume message refers to.
func (m ResumeMessage) Task(kind Kind, messageID string) (ProcessingTask, error) {
	obj := m.Object
	if obj.Bucket == "" {
		ref, err := ParseIdentity(m.ObjectIdentity)
		if err != nil {
			return ProcessingTask{}, err
		}
		obj = ref
	}
	attempt := m.AttemptCount
	if attempt < 1 {
		attempt = 1
	}
	return ProcessingTask{
		Event:    SourceEvent{Object: obj, EventTime: m.EventTime, MessageID: messageID},
		Offset:   m.ResumeOffset,
		Sequence: m.ResumeSequence,
		Checksum: m.Checksum,
		Attempt:  attempt,
		Kind:     kind,
	}, nil
}

// inboundMessage is the plain notification shape.
type inboundMessage struct {
	ObjectIdentity string    `json:"object_identity"`
	ObjectSize     int64     `json:"object_size"`
	EventTime      time.Time `json:"event_time"`
}

// s3Notification is the subset of the S3 event notification document we use.
type s3Notification struct {
	Event   string `json:"Event"`
	Records []struct {
		EventName string    `json:"eventName"`
		EventTime time.Time `json:"eventTime"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key       string `json:"key"`
				Size      int64  `json:"size"`
				ETag      string `json:"eTag"`
				VersionID string `json:"versionId"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// ParseNotification decodes a storage notification body. It accepts the S3
// event notification document and the plain
// {object_identity, object_size, event_time} message. Test events and
// non-created events yield no SourceEvents.
func ParseNotification(body []byte, messageID string) ([]SourceEvent, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.Event == "s3:TestEvent" {
		return nil, nil
	}
	if len(n.Records) > 0 {
		out := make([]SourceEvent, 0, len(n.Records))
		for _, r := range n.Records {
			if !strings.HasPrefix(r.EventName, "ObjectCreated:") && !strings.HasPrefix(r.EventName, "s3:ObjectCreated:") {
				continue
			}
			key, err := url.QueryUnescape(r.S3.Object.Key)
			if err != nil {
				return nil, fmt.Errorf("decode object key %q: %w", r.S3.Object.Key, err)
			}
			out = append(out, SourceEvent{
				Object: ObjectRef{
					Bucket:    r.S3.Bucket.Name,
					Key:       key,
					VersionID: r.S3.Object.VersionID,
					ETag:      r.S3.Object.ETag,
					Size:      r.S3.Object.Size,
				},
				EventName: r.EventName,
				EventTime: r.EventTime,
				MessageID: messageID,
			})
		}
		return out, nil
	}

	var in inboundMessage
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if in.ObjectIdentity == "" {
		return nil, fmt.Errorf("notification carries neither Records nor object_identity")
	}
	ref, err := ParseIdentity(in.ObjectIdentity)
	if err != nil {
		return nil, err
	}
	ref.Size = in.ObjectSize
	return []SourceEvent{{Object: ref, EventName: "ObjectCreated", EventTime: in.EventTime, MessageID: messageID}}, nil
}
