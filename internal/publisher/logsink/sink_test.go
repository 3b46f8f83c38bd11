package logsink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

func TestSinkLogsRecord(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.ErrorLevel)
	sink := New(zap.New(core))

	failed := monitor.FailedJob{JobID: "j", Lane: monitor.LaneSearch, Kind: "scrape_posts", Attempt: 3, Error: "boom", FailedAt: time.Unix(0, 0)}
	require.NoError(t, sink.Publish(context.Background(), failed))

	entries := logs.FilterMessage("dead letter").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "j", fields["job_id"])
	require.Equal(t, "search", fields["lane"])
	require.Equal(t, int64(3), fields["attempt"])
}
