package checkpoint

import (
	"context"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamoTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"logferry/internal/task"
)

func sampleCheckpoint(seq int64, attempt int) task.Checkpoint {
	t := task.ProcessingTask{
		Event: task.SourceEvent{
			Object:    task.ObjectRef{Bucket: "logs", Key: "ndjson-logs/a.ndjson", ETag: "abc"},
			EventTime: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
		},
		Offset:   seq * 10,
		Sequence: seq,
		Checksum: 42,
		Attempt:  attempt,
		Kind:     task.KindContinuation,
	}
	t.Record("interrupted", nil, time.Date(2024, time.March, 1, 10, 1, 0, 0, time.UTC))
	return task.Checkpoint{Task: t, State: task.StateActive, UpdatedAt: time.Date(2024, time.March, 1, 10, 1, 0, 0, time.UTC)}
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	id := "logs/ndjson-logs/a.ndjson#abc"

	_, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.False(t, found)

	cp := sampleCheckpoint(4000, 1)
	require.NoError(t, s.Save(ctx, id, cp))

	got, found, err := s.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cp.Task.Sequence, got.Task.Sequence)
	require.Equal(t, cp.Task.Offset, got.Task.Offset)
	require.Equal(t, cp.Task.Checksum, got.Task.Checksum)
	require.Equal(t, cp.Task.Event.Object, got.Task.Event.Object)
	require.Len(t, got.Task.History, 1)
	require.Equal(t, task.StateActive, got.State)
	require.True(t, cp.UpdatedAt.Equal(got.UpdatedAt))

	// an older checkpoint never replaces a newer one
	require.NoError(t, s.Save(ctx, id, sampleCheckpoint(10, 1)))
	got, _, err = s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(4000), got.Task.Sequence)

	// same sequence may update state and attempt
	dl := sampleCheckpoint(4000, 2)
	dl.State = task.StateDeadLettered
	require.NoError(t, s.Save(ctx, id, dl))
	got, _, err = s.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, got.Task.Attempt)
	require.Equal(t, task.StateDeadLettered, got.State)

	require.NoError(t, s.Delete(ctx, id))
	_, found, err = s.Load(ctx, id)
	require.NoError(t, err)
	require.False(t, found)

	// deleting a missing checkpoint is not an error
	require.NoError(t, s.Delete(ctx, id))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(slog.Default(), path.Join(t.TempDir(), "checkpoints.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("Error closing store: %v", err)
		}
	})
	testStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	fileName := path.Join(t.TempDir(), "checkpoints.sqlite")
	s, err := NewSQLite(slog.Default(), fileName)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "a/b", sampleCheckpoint(7, 1)))
	require.NoError(t, s.Close())

	s, err = NewSQLite(slog.Default(), fileName)
	require.NoError(t, err)
	defer s.Close()
	got, found, err := s.Load(context.Background(), "a/b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(7), got.Task.Sequence)
}

func TestDynamoStore(t *testing.T) {
	testStore(t, NewDynamo(newFakeDynamo(), "checkpoints"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), slog.Default(), Config{Driver: "redis"})
	require.Error(t, err)

	s, err := Open(context.Background(), slog.Default(), Config{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)
}

// fakeDynamo evaluates the one condition expression the store uses.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dynamoTypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]dynamoTypes.AttributeValue)}
}

func keyOf(key map[string]dynamoTypes.AttributeValue) string {
	return key["object_id"].(*dynamoTypes.AttributeValueMemberS).Value
}

func seqOf(v dynamoTypes.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*dynamoTypes.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := keyOf(in.Item)
	if existing, ok := f.items[id]; ok && in.ConditionExpression != nil {
		if seqOf(existing["sequence"]) > seqOf(in.ExpressionAttributeValues[":seq"]) {
			return nil, &dynamoTypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}
