package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"logferry/channel"
	"logferry/channel/memory"
	"logferry/internal/batch"
	"logferry/internal/budget"
	"logferry/internal/checkpoint"
	"logferry/internal/decode"
	"logferry/internal/failure"
	"logferry/internal/task"
	"logferry/sink"
)

/*──────── fakes ───────*/

// memObjects serves object bodies by bucket/key and records every open.
type memObjects struct {
	mu      sync.Mutex
	data    map[string][]byte
	offsets []int64
}

func newObjects() *memObjects { return &memObjects{data: map[string][]byte{}} }

func (m *memObjects) put(key string, body []byte) task.ObjectRef {
	m.data["logs/"+key] = body
	return task.ObjectRef{Bucket: "logs", Key: key}
}

func (m *memObjects) Open(_ context.Context, ref task.ObjectRef, offset int64) (io.ReadCloser, task.ObjectRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets = append(m.offsets, offset)
	body, ok := m.data[ref.Bucket+"/"+ref.Key]
	if !ok {
		return nil, ref, failure.Permanent(fmt.Errorf("NoSuchKey: %s", ref.ID()))
	}
	ref.Size = int64(len(body))
	if offset > int64(len(body)) {
		offset = int64(len(body))
	}
	return io.NopCloser(bytes.NewReader(body[offset:])), ref, nil
}

type shipped struct {
	Seq    int64
	Fields map[string]any
}

// captureSink records accepted records. It fails the first failFirst
// writes transiently and rejects any batch holding rejectSeq permanently.
type captureSink struct {
	mu        sync.Mutex
	failFirst int
	alwaysErr error
	rejectSeq int64
	calls     int
	records   []shipped
}

func (s *captureSink) Write(_ context.Context, b sink.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return failure.Transient(errors.New("503 service unavailable"))
	}
	if s.alwaysErr != nil {
		return s.alwaysErr
	}
	for _, r := range b.Records {
		if r.Seq == s.rejectSeq {
			return failure.Permanent(errors.New("400 mapper_parsing_exception"))
		}
	}
	for _, r := range b.Records {
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if k != "logferry" {
				fields[k] = v
			}
		}
		s.records = append(s.records, shipped{Seq: r.Seq, Fields: fields})
	}
	return nil
}

func (s *captureSink) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Seq)
	}
	return out
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Now() }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, channel.Message) error {
	return failure.Transient(errors.New("queue unavailable"))
}
func (failingPublisher) Close() error { return nil }

/*──────── harness ───────*/

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	p       *Processor
	objects *memObjects
	sink    *captureSink
	cps     *checkpoint.Memory
	queues  *memory.Driver
}

func newHarness(t *testing.T, cfg Config, mutate ...func(*Publishers)) *harness {
	t.Helper()
	h := &harness{objects: newObjects(), sink: &captureSink{}, cps: checkpoint.NewMemory(), queues: memory.New(memory.Config{})}
	router, err := decode.NewRouter(decode.DefaultRules, "")
	require.NoError(t, err)

	var pub Publishers
	pub.Continuation, _ = h.queues.Publisher("continuation")
	pub.Replay, _ = h.queues.Publisher("replay")
	pub.DeadLetter, _ = h.queues.Publisher("deadletter")
	for _, fn := range mutate {
		fn(&pub)
	}

	n := 0
	h.p = New(cfg, h.objects, h.cps, router, h.sink, pub,
		WithClock(fixedClock{now: testNow}),
		WithTimer(func() backoff.Timer { return &instantTimer{c: make(chan time.Time, 1)} }),
		WithIDs(func() string { n++; return fmt.Sprintf("msg-%d", n) }),
	)
	return h
}

func fresh(ref task.ObjectRef) task.ProcessingTask {
	return task.ProcessingTask{
		Event:   task.SourceEvent{Object: ref, EventTime: testNow.Add(-time.Minute), MessageID: "n-1"},
		Attempt: 1,
		Kind:    task.KindFresh,
	}
}

// resumeTask turns the only message on queue into the task a consumer
// would build from it.
func (h *harness) resumeTask(t *testing.T, queue string, kind task.Kind) task.ProcessingTask {
	t.Helper()
	msgs := h.queues.Peek(queue)
	require.NotEmpty(t, msgs, "no message on %s", queue)
	last := msgs[len(msgs)-1]
	var m task.ResumeMessage
	require.NoError(t, json.Unmarshal(last.Body, &m))
	tk, err := m.Task(kind, last.ID)
	require.NoError(t, err)
	return tk
}

func ndjson(n int) []byte {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "{\"n\":%d,\"msg\":\"line %d\"}\n", i, i)
	}
	return []byte(b.String())
}

func seqRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

/*──────── properties ───────*/

func TestLowBudgetCheckpointsAndResumes(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/big.ndjson", ndjson(10_000))

	res, err := h.p.Process(context.Background(), fresh(ref), budget.NewAfter(4000))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	require.Equal(t, int64(4000), res.Task.Sequence)
	require.Equal(t, seqRange(1, 4000), h.sink.seqs())

	cp, ok, err := h.cps.Load(context.Background(), ref.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4000), cp.Task.Sequence)
	require.Equal(t, task.StateActive, cp.State)
	require.Equal(t, 1, h.queues.Len("continuation"))
	require.Zero(t, h.queues.Len("replay"))

	next := h.resumeTask(t, "continuation", task.KindContinuation)
	require.Equal(t, int64(4000), next.Sequence)
	require.Equal(t, 1, next.Attempt)

	res, err = h.p.Process(context.Background(), next, budget.Never{})
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, int64(6000), res.Shipped)
	require.Equal(t, seqRange(1, 10_000), h.sink.seqs())
	require.Zero(t, h.cps.Len())

	// the continuation fetched from the checkpointed byte offset
	require.Equal(t, cp.Task.Offset, h.objects.offsets[len(h.objects.offsets)-1])
	require.Positive(t, cp.Task.Offset)
}

func gzipped(t *testing.T, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCheckpointedRunsConcatenateToSingleRun(t *testing.T) {
	lines := string(ndjson(57))
	lines = strings.Replace(lines, "{\"n\":13,", "{\"n\":13", 1) // malformed line keeps seq 13

	var csvBody strings.Builder
	csvBody.WriteString("ts,level,msg\n")
	for i := 1; i <= 41; i++ {
		fmt.Fprintf(&csvBody, "2026-03-01T12:00:%02dZ,info,\"row %d\"\n", i%60, i)
	}

	var jsonBody strings.Builder
	jsonBody.WriteString("[\n")
	for i := 1; i <= 33; i++ {
		if i > 1 {
			jsonBody.WriteString(",\n")
		}
		fmt.Fprintf(&jsonBody, "  {\"n\": %d, \"nested\": {\"ok\": true}}", i)
	}
	jsonBody.WriteString("\n]\n")

	var text strings.Builder
	for i := 1; i <= 29; i++ {
		fmt.Fprintf(&text, "2026-03-01 12:00:00 INFO request %d served\n", i)
	}

	cases := []struct {
		name string
		key  string
		body []byte
	}{
		{"ndjson", "ndjson-logs/app.ndjson", []byte(lines)},
		{"csv", "csv-logs/app.csv", []byte(csvBody.String())},
		{"json", "json-logs/app.json", []byte(jsonBody.String())},
		{"text", "plain-logs/app.log", []byte(text.String())},
		{"gzip ndjson", "ndjson-logs/app.ndjson.gz", gzipped(t, ndjson(45))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			whole := newHarness(t, Config{Batch: batch.Config{MaxRecords: 4}})
			ref := whole.objects.put(tc.key, tc.body)
			res, err := whole.p.Process(context.Background(), fresh(ref), nil)
			require.NoError(t, err)
			require.Equal(t, Completed, res.Outcome)
			require.NotEmpty(t, whole.sink.records)

			for _, every := range []int{1, 5, 7} {
				split := newHarness(t, Config{Batch: batch.Config{MaxRecords: 4}})
				split.objects.put(tc.key, tc.body)
				tk := fresh(ref)
				runs := 0
				for {
					runs++
					require.Less(t, runs, 200, "pipeline never completed")
					res, err := split.p.Process(context.Background(), tk, budget.NewAfter(every))
					require.NoError(t, err)
					if res.Outcome == Completed {
						break
					}
					require.Equal(t, CheckpointedContinuation, res.Outcome)
					tk = split.resumeTask(t, "continuation", task.KindContinuation)
				}
				require.Greater(t, runs, 1)
				require.Equal(t, whole.sink.records, split.sink.records, "every=%d", every)
				require.Zero(t, split.cps.Len())
			}
		})
	}
}

func TestCompletedObjectIsNotReshipped(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(25))

	res, err := h.p.Process(context.Background(), fresh(ref), budget.NewAfter(10))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	cont := h.resumeTask(t, "continuation", task.KindContinuation)

	res, err = h.p.Process(context.Background(), cont, nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	calls := h.sink.calls

	for _, kind := range []task.Kind{task.KindContinuation, task.KindReplay} {
		stale := cont
		stale.Kind = kind
		res, err = h.p.Process(context.Background(), stale, nil)
		require.NoError(t, err)
		require.Equal(t, Completed, res.Outcome)
		require.True(t, res.Noop)
	}
	require.Equal(t, calls, h.sink.calls)
	require.Equal(t, seqRange(1, 25), h.sink.seqs())
}

func TestTransientFailuresWithinBatchAttemptsComplete(t *testing.T) {
	h := newHarness(t, Config{Batch: batch.Config{MaxAttempts: 3}})
	h.sink.failFirst = 2
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(20))

	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, 3, h.sink.calls)
	require.Equal(t, seqRange(1, 20), h.sink.seqs())
	require.Zero(t, h.queues.Len("replay"))
	require.Zero(t, h.queues.Len("deadletter"))
}

func TestPermanentRejectionDeadLetters(t *testing.T) {
	h := newHarness(t, Config{Batch: batch.Config{MaxRecords: 10}})
	h.sink.rejectSeq = 50
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(200))

	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.True(t, failure.IsPermanent(res.Err))
	require.Equal(t, 1, res.Task.Attempt)
	require.Equal(t, 5, h.sink.calls)
	require.Equal(t, seqRange(1, 40), h.sink.seqs())
	require.Zero(t, h.queues.Len("continuation"))
	require.Zero(t, h.queues.Len("replay"))

	msgs := h.queues.Peek("deadletter")
	require.Len(t, msgs, 1)
	var dl task.DeadLetterMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &dl))
	require.Equal(t, ref.ID(), dl.ObjectIdentity)
	require.Contains(t, dl.FailureReason, "mapper_parsing_exception")
	require.Len(t, dl.AttemptHistory, 1)
	require.Equal(t, 1, dl.AttemptHistory[0].Attempt)
	require.Equal(t, string(DeadLettered), dl.AttemptHistory[0].Outcome)

	cp, ok, err := h.cps.Load(context.Background(), ref.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StateDeadLettered, cp.State)
	require.Equal(t, int64(40), cp.Task.Sequence)
}

func TestMalformedRecordSkippedInLenientMode(t *testing.T) {
	body := []byte("{\"n\":1}\n{\"n\":2}\n{\"n\":3\n{\"n\":4}\n{\"n\":5}\n")

	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/a.ndjson", body)
	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, []int64{1, 2, 4, 5}, h.sink.seqs())
	require.Equal(t, int64(1), res.Task.Skipped)
	require.Equal(t, int64(5), res.Task.Sequence)

	// resuming past the bad line keeps later offsets aligned
	h2 := newHarness(t, Config{})
	h2.objects.put("ndjson-logs/a.ndjson", body)
	res, err = h2.p.Process(context.Background(), fresh(ref), budget.NewAfter(2))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	res, err = h2.p.Process(context.Background(), h2.resumeTask(t, "continuation", task.KindContinuation), budget.NewAfter(1))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	require.Equal(t, int64(4), res.Task.Sequence)
	require.Equal(t, int64(1), res.Task.Skipped)
	res, err = h2.p.Process(context.Background(), h2.resumeTask(t, "continuation", task.KindContinuation), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, []int64{1, 2, 4, 5}, h2.sink.seqs())

	strict := newHarness(t, Config{Strict: true})
	strict.objects.put("ndjson-logs/a.ndjson", body)
	res, err = strict.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.ErrorIs(t, res.Err, decode.ErrMalformed)
}

/*──────── routing and handoff ───────*/

func TestExhaustedShipmentSchedulesReplay(t *testing.T) {
	h := newHarness(t, Config{Batch: batch.Config{MaxAttempts: 2, MaxRecords: 5}, ReplayDelay: 30 * time.Second})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(12))
	h.sink.failFirst = 3

	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, CheckpointedReplay, res.Outcome)
	require.True(t, failure.IsTransient(res.Err))
	require.Equal(t, 2, res.Task.Attempt)
	require.Equal(t, task.KindReplay, res.Task.Kind)

	msgs := h.queues.Peek("replay")
	require.Len(t, msgs, 1)
	require.Equal(t, testNow.Add(30*time.Second), msgs[0].NotBefore)
	var m task.ResumeMessage
	require.NoError(t, json.Unmarshal(msgs[0].Body, &m))
	require.Equal(t, 2, m.AttemptCount)
	require.Equal(t, int64(0), m.ResumeSequence)

	// third write fails, fourth succeeds: the replay finishes the object
	res, err = h.p.Process(context.Background(), h.resumeTask(t, "replay", task.KindReplay), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, seqRange(1, 12), h.sink.seqs())
	require.Zero(t, h.cps.Len())
}

func TestLastAttemptTransientFailureDeadLetters(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2, Batch: batch.Config{MaxAttempts: 1}})
	h.sink.alwaysErr = failure.Transient(errors.New("429 too many requests"))
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(3))

	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, CheckpointedReplay, res.Outcome)

	res, err = h.p.Process(context.Background(), h.resumeTask(t, "replay", task.KindReplay), nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.Contains(t, res.Err.Error(), "retries exhausted")
	require.Equal(t, 1, h.queues.Len("deadletter"))

	var dl task.DeadLetterMessage
	require.NoError(t, json.Unmarshal(h.queues.Peek("deadletter")[0].Body, &dl))
	require.Len(t, dl.AttemptHistory, 2)
	require.Equal(t, string(CheckpointedReplay), dl.AttemptHistory[0].Outcome)
	require.Equal(t, 2, dl.AttemptHistory[1].Attempt)
}

func TestAttemptAboveMaxDeadLettersWithoutFetching(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 3})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(3))
	tk := fresh(ref)
	tk.Attempt = 4

	res, err := h.p.Process(context.Background(), tk, nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.Empty(t, h.objects.offsets)
	require.Zero(t, h.sink.calls)
}

func TestMissingObjectDeadLetters(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.p.Process(context.Background(), fresh(task.ObjectRef{Bucket: "logs", Key: "ndjson-logs/gone.ndjson"}), nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.Contains(t, res.Err.Error(), "NoSuchKey")

	// a redelivered notification re-emits the dead letter without fetching again
	opens := len(h.objects.offsets)
	res, err = h.p.Process(context.Background(), fresh(task.ObjectRef{Bucket: "logs", Key: "ndjson-logs/gone.ndjson"}), nil)
	require.NoError(t, err)
	require.Equal(t, DeadLettered, res.Outcome)
	require.Equal(t, opens, len(h.objects.offsets))
	require.Equal(t, 2, h.queues.Len("deadletter"))
}

func TestRedeliveredNotificationResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(10))

	res, err := h.p.Process(context.Background(), fresh(ref), budget.NewAfter(3))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)

	res, err = h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, seqRange(1, 10), h.sink.seqs())
}

func TestHandoffFailureIsReported(t *testing.T) {
	h := newHarness(t, Config{}, func(p *Publishers) { p.Continuation = failingPublisher{} })
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(10))

	res, err := h.p.Process(context.Background(), fresh(ref), budget.NewAfter(4))
	require.Error(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)

	// the checkpoint was written first, so a redelivery resumes from it
	cp, ok, lerr := h.cps.Load(context.Background(), ref.ID())
	require.NoError(t, lerr)
	require.True(t, ok)
	require.Equal(t, int64(4), cp.Task.Sequence)
}

func TestCancelledRunCheckpointsForContinuation(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.p.Process(ctx, fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	require.Equal(t, 1, h.queues.Len("continuation"))
	require.Zero(t, h.queues.Len("replay"))
}

func TestCancelledFinalAttemptStaysResumable(t *testing.T) {
	h := newHarness(t, Config{MaxAttempts: 2})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(10))
	tk := fresh(ref)
	tk.Attempt = 2
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.p.Process(ctx, tk, nil)
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	require.Equal(t, 2, res.Task.Attempt)
	require.Zero(t, h.queues.Len("deadletter"))

	cp, ok, err := h.cps.Load(context.Background(), ref.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.StateActive, cp.State)
	require.Equal(t, 2, cp.Task.Attempt)

	res, err = h.p.Process(context.Background(), h.resumeTask(t, "continuation", task.KindContinuation), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, seqRange(1, 10), h.sink.seqs())
}

func TestLowBudgetBeforeFetchSkipsObject(t *testing.T) {
	h := newHarness(t, Config{})
	ref := h.objects.put("ndjson-logs/a.ndjson", ndjson(10))

	res, err := h.p.Process(context.Background(), fresh(ref), budget.NewAfter(0))
	require.NoError(t, err)
	require.Equal(t, CheckpointedContinuation, res.Outcome)
	require.Empty(t, h.objects.offsets)
	require.Empty(t, h.sink.seqs())
	require.Equal(t, int64(0), res.Task.Sequence)

	res, err = h.p.Process(context.Background(), h.resumeTask(t, "continuation", task.KindContinuation), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Equal(t, seqRange(1, 10), h.sink.seqs())
}

func TestRecordsCarryProvenance(t *testing.T) {
	var got []task.Record
	h := newHarness(t, Config{})
	h.p.sink = writerFunc(func(_ context.Context, b sink.Batch) error {
		got = append(got, b.Records...)
		return nil
	})
	ref := h.objects.put("plain-logs/app.log", []byte("first\n\nsecond\n"))

	res, err := h.p.Process(context.Background(), fresh(ref), nil)
	require.NoError(t, err)
	require.Equal(t, Completed, res.Outcome)
	require.Len(t, got, 2)
	meta, ok := got[1].Fields["logferry"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "logs/plain-logs/app.log", meta["object_identity"])
	require.Equal(t, int64(2), meta["sequence"])
	require.Equal(t, "text", meta["format"])
	require.Equal(t, "second", got[1].Fields["message"])
}

type writerFunc func(context.Context, sink.Batch) error

func (f writerFunc) Write(ctx context.Context, b sink.Batch) error { return f(ctx, b) }
