package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/policy/retry"
	queuememory "github.com/JakeFAU/mention-monitor/internal/queue/memory"
)

type recordingEnqueuer struct {
	mu     sync.Mutex
	jobs   []monitor.Job
	delays []time.Duration
	err    error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job monitor.Job, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	r.delays = append(r.delays, delay)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	failed []monitor.FailedJob
}

func (r *recordingSink) Publish(_ context.Context, failed monitor.FailedJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failed)
	return nil
}

func (r *recordingSink) records() []monitor.FailedJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.FailedJob(nil), r.failed...)
}

func newJob(t *testing.T) monitor.Job {
	t.Helper()
	job, err := monitor.NewJob(monitor.EnrichJob{CredentialID: 1, KeywordID: 2, ExternalID: "abc"}, time.Now())
	require.NoError(t, err)
	return job
}

func newWorker(handler Handler, q monitor.Enqueuer, sink monitor.DeadLetterSink, timeout time.Duration) *Worker {
	policy := retry.NewExponentialPolicy(3, time.Millisecond, 5*time.Millisecond)
	return New(Config{Lane: monitor.LaneEnrichment, Timeout: timeout}, nil, q, handler, policy, sink, nil, nil)
}

func TestProcessSucceeds(t *testing.T) {
	t.Parallel()
	var seen monitor.Job
	w := newWorker(HandlerFunc(func(_ context.Context, job monitor.Job) error {
		seen = job
		return nil
	}), &recordingEnqueuer{}, &recordingSink{}, 0)

	require.Equal(t, StatusSucceeded, w.Process(context.Background(), newJob(t)))
	require.Equal(t, 1, seen.Attempt)
}

func TestTransientFailureIsRetriedThenDeadLettered(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	sink := &recordingSink{}
	boom := fmt.Errorf("%w: upstream 503", monitor.ErrTransient)
	w := newWorker(HandlerFunc(func(context.Context, monitor.Job) error { return boom }), q, sink, 0)

	job := newJob(t)
	require.Equal(t, StatusRetried, w.Process(context.Background(), job))
	require.Len(t, q.jobs, 1)
	require.Equal(t, 1, q.jobs[0].Attempt)
	require.Positive(t, q.delays[0])

	require.Equal(t, StatusRetried, w.Process(context.Background(), q.jobs[0]))
	require.Equal(t, StatusDeadLettered, w.Process(context.Background(), q.jobs[1]))
	require.Len(t, q.jobs, 2)

	records := sink.records()
	require.Len(t, records, 1)
	require.Equal(t, job.ID, records[0].JobID)
	require.Equal(t, monitor.LaneEnrichment, records[0].Lane)
	require.Equal(t, "process_single_post", records[0].Kind)
	require.Equal(t, 3, records[0].Attempt)
	require.Contains(t, records[0].Error, "upstream 503")
}

func TestValidationFailureIsNotRetriedOrDeadLettered(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	sink := &recordingSink{}
	w := newWorker(HandlerFunc(func(context.Context, monitor.Job) error {
		return fmt.Errorf("%w: id mismatch", monitor.ErrValidation)
	}), q, sink, 0)

	require.Equal(t, StatusRejected, w.Process(context.Background(), newJob(t)))
	require.Empty(t, q.jobs)
	require.Empty(t, sink.records())
}

func TestTimeoutIsRetried(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	w := newWorker(HandlerFunc(func(ctx context.Context, _ monitor.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}), q, &recordingSink{}, 10*time.Millisecond)

	require.Equal(t, StatusRetried, w.Process(context.Background(), newJob(t)))
	require.Len(t, q.jobs, 1)
}

func TestPanicIsTerminal(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	sink := &recordingSink{}
	core, logs := observer.New(zap.ErrorLevel)
	policy := retry.NewExponentialPolicy(3, time.Millisecond, time.Millisecond)
	w := New(Config{Lane: monitor.LaneSearch}, nil, q, HandlerFunc(func(context.Context, monitor.Job) error {
		panic("nil map")
	}), policy, sink, nil, zap.New(core))

	require.Equal(t, StatusDeadLettered, w.Process(context.Background(), newJob(t)))
	require.Empty(t, q.jobs)
	require.Len(t, sink.records(), 1)
	require.Equal(t, 1, logs.FilterMessage("job handler panic").Len())
}

func TestRequeueFailureDeadLetters(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{err: errors.New("queue closed")}
	sink := &recordingSink{}
	w := newWorker(HandlerFunc(func(context.Context, monitor.Job) error {
		return errors.New("connection reset")
	}), q, sink, 0)

	require.Equal(t, StatusDeadLettered, w.Process(context.Background(), newJob(t)))
	require.Len(t, sink.records(), 1)
}

func TestRunDrainsQueueUntilCanceled(t *testing.T) {
	t.Parallel()
	q := queuememory.NewQueue(8, nil)
	defer q.Close()

	handled := make(chan string, 3)
	w := New(Config{Lane: monitor.LaneEnrichment}, q, q, HandlerFunc(func(_ context.Context, job monitor.Job) error {
		handled <- job.ID
		return nil
	}), nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	ids := map[string]bool{}
	for range 3 {
		job := newJob(t)
		ids[job.ID] = true
		require.NoError(t, q.Enqueue(ctx, job, 0))
	}
	for range 3 {
		select {
		case id := <-handled:
			require.True(t, ids[id])
		case <-time.After(time.Second):
			t.Fatal("job was not handled")
		}
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, time.Second)
	defer waitCancel()
	require.NoError(t, q.WaitIdle(waitCtx, 5*time.Millisecond))
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
