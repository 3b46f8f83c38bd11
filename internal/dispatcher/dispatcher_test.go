package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
	queuememory "github.com/JakeFAU/mention-monitor/internal/queue/memory"
	"github.com/JakeFAU/mention-monitor/internal/worker"
)

type laneRecorder struct {
	mu    sync.Mutex
	lanes map[monitor.Lane]int
	wrong int
	seen  chan struct{}
}

func (r *laneRecorder) handler(lane monitor.Lane) worker.Handler {
	return worker.HandlerFunc(func(_ context.Context, job monitor.Job) error {
		r.mu.Lock()
		r.lanes[job.Lane()]++
		if job.Lane() != lane {
			r.wrong++
		}
		r.mu.Unlock()
		r.seen <- struct{}{}
		return nil
	})
}

func TestDispatcherRoutesJobsToLanePools(t *testing.T) {
	t.Parallel()
	q := queuememory.NewQueue(8, nil)
	defer q.Close()
	rec := &laneRecorder{lanes: map[monitor.Lane]int{}, seen: make(chan struct{}, 8)}

	var pools []Pool
	for _, lane := range monitor.Lanes() {
		w := worker.New(worker.Config{Lane: lane}, q, q, rec.handler(lane), nil, nil, nil, nil)
		pools = append(pools, Pool{Worker: w, Size: 2})
	}
	d := New(q, pools, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	payloads := []monitor.Payload{
		monitor.MonitorJob{UserID: 1},
		monitor.SearchJob{Keyword: "w"},
		monitor.ProcessJob{},
		monitor.EnrichJob{ExternalID: "x"},
	}
	for _, p := range payloads {
		job, err := monitor.NewJob(p, time.Now())
		require.NoError(t, err)
		require.NoError(t, d.Enqueue(ctx, job, 0))
	}
	for range payloads {
		select {
		case <-rec.seen:
		case <-time.After(time.Second):
			t.Fatal("job was not handled")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.Zero(t, rec.wrong)
	for _, lane := range monitor.Lanes() {
		require.Equal(t, 1, rec.lanes[lane], lane)
	}
}

func TestDispatcherEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()
	q := queuememory.NewQueue(1, nil)
	q.Close()
	d := New(q, nil, nil)

	job, err := monitor.NewJob(monitor.SearchJob{Keyword: "w"}, time.Now())
	require.NoError(t, err)
	require.ErrorIs(t, d.Enqueue(context.Background(), job, 0), queuememory.ErrClosed)
}
