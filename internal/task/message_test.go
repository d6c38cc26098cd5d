package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectIdentityRoundTrip(t *testing.T) {
	for _, ref := range []ObjectRef{
		{Bucket: "logs", Key: "json-logs/a.json"},
		{Bucket: "logs", Key: "nested/dir/b.log", VersionID: "3HL4kqtJlcpXroDTDmJ"},
		{Bucket: "logs", Key: "c.csv", ETag: `"9b2cf535f27731c974343645a3985328"`},
	} {
		got, err := ParseIdentity(ref.ID())
		require.NoError(t, err)
		require.Equal(t, ref.ID(), got.ID())
		require.Equal(t, ref.Key, got.Key)
	}

	_, err := ParseIdentity("no-slash")
	require.Error(t, err)
}

func TestParseNotification_S3Document(t *testing.T) {
	body := []byte(`{"Records":[
		{"eventName":"ObjectCreated:Put","eventTime":"2024-05-01T10:00:00Z",
		 "s3":{"bucket":{"name":"logs"},"object":{"key":"plain-logs/my+file%3D1.log","size":42,"eTag":"abc"}}},
		{"eventName":"ObjectRemoved:Delete","eventTime":"2024-05-01T10:00:01Z",
		 "s3":{"bucket":{"name":"logs"},"object":{"key":"gone.log"}}}
	]}`)
	evs, err := ParseNotification(body, "m-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "plain-logs/my file=1.log", evs[0].Object.Key)
	require.Equal(t, int64(42), evs[0].Object.Size)
	require.Equal(t, "m-1", evs[0].MessageID)
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), evs[0].EventTime)
}

func TestParseNotification_TestEventAndPlainShape(t *testing.T) {
	evs, err := ParseNotification([]byte(`{"Service":"Amazon S3","Event":"s3:TestEvent"}`), "m")
	require.NoError(t, err)
	require.Empty(t, evs)

	evs, err = ParseNotification([]byte(`{"object_identity":"logs/ndjson-logs/x.ndjson@v2","object_size":10,"event_time":"2024-05-01T10:00:00Z"}`), "m")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "v2", evs[0].Object.VersionID)
	require.Equal(t, "logs/ndjson-logs/x.ndjson@v2", evs[0].Object.ID())

	_, err = ParseNotification([]byte(`{"hello":"world"}`), "m")
	require.Error(t, err)
	_, err = ParseNotification([]byte(`not json`), "m")
	require.Error(t, err)
}

func TestResumeMessageTask(t *testing.T) {
	pt := &ProcessingTask{
		Event:    SourceEvent{Object: ObjectRef{Bucket: "b", Key: "k"}},
		Offset:   100,
		Sequence: 7,
		Attempt:  2,
		Kind:     KindFresh,
	}
	msg := NewResumeMessage("id-1", pt)
	got, err := msg.Task(KindReplay, "delivery-1")
	require.NoError(t, err)
	require.Equal(t, KindReplay, got.Kind)
	require.Equal(t, int64(7), got.Sequence)
	require.Equal(t, int64(100), got.Offset)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, "b/k", got.ID())
}
