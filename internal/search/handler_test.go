package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/mention-monitor/internal/extract"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/storage/memory"
)

type stubFetcher struct {
	body []byte
	err  error
	urls []string
}

func (s *stubFetcher) Fetch(_ context.Context, req monitor.FetchRequest) (monitor.FetchResponse, error) {
	s.urls = append(s.urls, req.URL)
	if s.err != nil {
		return monitor.FetchResponse{}, s.err
	}
	return monitor.FetchResponse{URL: req.URL, StatusCode: 200, Body: s.body, Rendered: true}, nil
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []monitor.Job
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job monitor.Job, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

type failingArchive struct{}

func (failingArchive) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

func resultsPage(ids ...string) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, id := range ids {
		ctx := fmt.Sprintf(`{"action_info":{"type":"post"},"post":{"id":%q,"title":"About widgets"},"subreddit":{"name":"gadgets","id":"t5_1"}}`, id)
		fmt.Fprintf(&b, `<search-telemetry-tracker data-testid="search-sdui-post" data-faceplate-tracking-context="%s"></search-telemetry-tracker>`, html.EscapeString(ctx))
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func TestHandleQueuesCandidates(t *testing.T) {
	t.Parallel()
	fetcher := &stubFetcher{body: resultsPage("t3_a", "t3_b", "t3_a")}
	q := &recordingEnqueuer{}
	blobs := memory.NewBlobStore()
	h := NewHandler(fetcher, extract.New(nil), q, DefaultURLConfig(), zaptest.NewLogger(t), WithArchive(blobs, "snapshots"))

	job, err := monitor.NewJob(monitor.SearchJob{Keyword: "widget", UserID: 1, CredentialID: 2, KeywordID: 3, Community: "gadgets"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), job))

	require.Equal(t, []string{"https://www.reddit.com/svc/shreddit/r/gadgets/search/?q=widget&type=posts&sort=relevance&t=week"}, fetcher.urls)
	require.Len(t, q.jobs, 2)
	first, ok := q.jobs[0].Payload.(monitor.ProcessJob)
	require.True(t, ok)
	require.Equal(t, "t3_a", first.Candidate.ExternalID)
	require.Equal(t, monitor.Owner{UserID: 1, CredentialID: 2, KeywordID: 3}, first.Owner)

	paths := blobs.Paths()
	require.Len(t, paths, 1)
	require.Equal(t, SnapshotPath("snapshots", 3, fetcher.body), paths[0])
	require.True(t, strings.HasPrefix(paths[0], "snapshots/3/"))
	require.True(t, strings.HasSuffix(paths[0], ".html"))
}

func TestHandleArchiveFailureIsIgnored(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	h := NewHandler(&stubFetcher{body: resultsPage("t3_a")}, extract.New(nil), q, DefaultURLConfig(), nil, WithArchive(failingArchive{}, ""))

	require.NoError(t, h.Handle(context.Background(), monitor.Job{ID: "j", Payload: monitor.SearchJob{Keyword: "w", CredentialID: 2, KeywordID: 3}}))
	require.Len(t, q.jobs, 1)
}

func TestHandleFetchErrorPropagates(t *testing.T) {
	t.Parallel()
	transient := fmt.Errorf("%w: reset", monitor.ErrTransient)
	h := NewHandler(&stubFetcher{err: transient}, extract.New(nil), &recordingEnqueuer{}, DefaultURLConfig(), nil)

	err := h.Handle(context.Background(), monitor.Job{Payload: monitor.SearchJob{Keyword: "w"}})
	require.ErrorIs(t, err, monitor.ErrTransient)
}

func TestHandleEmptyPageQueuesNothing(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	h := NewHandler(&stubFetcher{body: []byte("<html>captcha</html>")}, extract.New(nil), q, DefaultURLConfig(), nil)

	require.NoError(t, h.Handle(context.Background(), monitor.Job{Payload: monitor.SearchJob{Keyword: "w"}}))
	require.Empty(t, q.jobs)
}

func TestScrapeReturnsCandidates(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	h := NewHandler(&stubFetcher{body: resultsPage("t3_x")}, extract.New(nil), q, DefaultURLConfig(), nil)

	items, err := h.Scrape(context.Background(), "widget", "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Empty(t, q.jobs)

	_, err = h.Scrape(context.Background(), "", "")
	require.ErrorIs(t, err, monitor.ErrValidation)
}
