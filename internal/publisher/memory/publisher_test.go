package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

func TestPublisherStoresRecords(t *testing.T) {
	t.Parallel()
	pub := New()
	job := monitor.Job{ID: "j1", Attempt: 3, Payload: monitor.SearchJob{Keyword: "widget"}}

	require.NoError(t, pub.Publish(context.Background(), monitor.NewFailedJob(job, errors.New("boom"), time.Unix(0, 0))))

	records := pub.Records()
	require.Len(t, records, 1)
	require.Equal(t, "j1", records[0].JobID)
	require.Equal(t, monitor.LaneSearch, records[0].Lane)
	require.Equal(t, "scrape_posts", records[0].Kind)
	require.Equal(t, "boom", records[0].Error)

	records[0].JobID = "modified"
	require.Equal(t, "j1", pub.Records()[0].JobID)
}
