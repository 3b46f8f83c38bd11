package scheduler

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
	"github.com/JakeFAU/mention-monitor/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type queued struct {
	job   monitor.Job
	delay time.Duration
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []queued
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job monitor.Job, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, queued{job: job, delay: delay})
	return nil
}

func (r *recordingEnqueuer) snapshot() []queued {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queued(nil), r.jobs...)
}

func seedUser(t *testing.T, store *memory.Store, userID int64, keywords ...monitor.KeywordRule) monitor.Credential {
	t.Helper()
	ctx := context.Background()
	persona, err := store.CreatePersona(ctx, monitor.Persona{UserID: userID, Type: monitor.PersonaMarketing})
	require.NoError(t, err)
	cred, err := store.UpsertCredential(ctx, monitor.Credential{UserID: userID, ExternalID: fmt.Sprintf("acct-%d", userID)})
	require.NoError(t, err)
	for _, rule := range keywords {
		rule.UserID = userID
		rule.CredentialID = cred.ID
		rule.PersonaID = persona.ID
		_, err := store.CreateKeywordRule(ctx, rule)
		require.NoError(t, err)
	}
	return cred
}

func TestDispatchUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore(fixedClock{t: testNow})
	q := &recordingEnqueuer{}
	core, logs := observer.New(zap.WarnLevel)
	s := New(store, q, Config{}, fixedClock{t: testNow}, zap.New(core))

	cred := seedUser(t, store, 1, monitor.KeywordRule{Keyword: "widget"})
	seedUser(t, store, 2)

	ok, err := s.DispatchUser(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DispatchUser(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DispatchUser(ctx, 3)
	require.NoError(t, err)
	require.False(t, ok)

	jobs := q.snapshot()
	require.Len(t, jobs, 1)
	require.Equal(t, monitor.MonitorJob{UserID: 1, CredentialID: cred.ID}, jobs[0].job.Payload)

	ledger, err := store.GetLedger(ctx, 1, cred.ID)
	require.NoError(t, err)
	require.Equal(t, testNow, *ledger.DispatchAt)

	require.Equal(t, 1, logs.FilterMessage("no active keyword rules").Len())
	require.Equal(t, 1, logs.FilterMessage("no credential for user").Len())
}

func TestHandleFansOutPerCommunity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.NewStore(fixedClock{t: testNow})
	q := &recordingEnqueuer{}
	s := New(store, q, Config{}, fixedClock{t: testNow}, nil)

	cred := seedUser(t, store, 1,
		monitor.KeywordRule{Keyword: "widget", Communities: []string{"gadgets", " ", "tools"}},
		monitor.KeywordRule{Keyword: "gizmo"},
	)

	job, err := monitor.NewJob(monitor.MonitorJob{UserID: 1, CredentialID: cred.ID}, testNow)
	require.NoError(t, err)
	require.NoError(t, s.Handle(ctx, job))

	jobs := q.snapshot()
	require.Len(t, jobs, 3)
	var communities []string
	for _, j := range jobs {
		search, ok := j.job.Payload.(monitor.SearchJob)
		require.True(t, ok)
		require.Equal(t, cred.ID, search.CredentialID)
		require.Equal(t, int64(1), search.UserID)
		communities = append(communities, search.Keyword+"@"+search.Community)
		require.GreaterOrEqual(t, j.delay, 2*time.Second)
		require.LessOrEqual(t, j.delay, 5*time.Second)
	}
	require.ElementsMatch(t, []string{"widget@gadgets", "widget@tools", "gizmo@"}, communities)

	rules, err := store.ListKeywordRules(ctx, cred.ID)
	require.NoError(t, err)
	for _, rule := range rules {
		require.NotNil(t, rule.LastCheckedAt)
		require.Equal(t, testNow, *rule.LastCheckedAt)
	}
}

func TestHandleMissingCredentialIsNoop(t *testing.T) {
	t.Parallel()
	q := &recordingEnqueuer{}
	s := New(memory.NewStore(nil), q, Config{}, nil, nil)

	require.NoError(t, s.Handle(context.Background(), monitor.Job{Payload: monitor.MonitorJob{UserID: 1, CredentialID: 42}}))
	require.Empty(t, q.snapshot())

	err := s.Handle(context.Background(), monitor.Job{Payload: monitor.SearchJob{Keyword: "x"}})
	require.ErrorIs(t, err, monitor.ErrValidation)
}

// flakyStore fails credential lookups for one user.
type flakyStore struct {
	*memory.Store
	failUser int64
}

func (f flakyStore) GetCredentialByUser(ctx context.Context, userID int64) (monitor.Credential, error) {
	if userID == f.failUser {
		return monitor.Credential{}, errors.New("connection reset")
	}
	return f.Store.GetCredentialByUser(ctx, userID)
}

func TestDispatchAllSurvivesPerUserFailure(t *testing.T) {
	t.Parallel()
	store := memory.NewStore(fixedClock{t: testNow})
	for id := int64(1); id <= 7; id++ {
		seedUser(t, store, id, monitor.KeywordRule{Keyword: "widget"})
	}
	seedUser(t, store, 8)

	q := &recordingEnqueuer{}
	s := New(flakyStore{Store: store, failUser: 3}, q, Config{BatchSize: 3, Parallelism: 2}, fixedClock{t: testNow}, nil)

	summary, err := s.DispatchAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{Users: 8, Dispatched: 6, Skipped: 1, Failed: 1}, summary)
	require.Len(t, q.snapshot(), 6)
}

func TestNewCronRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(memory.NewStore(nil), &recordingEnqueuer{}, Config{}, nil, nil)

	_, err := NewCron("not a schedule", s, nil)
	require.Error(t, err)

	c, err := NewCron("@every 1h", s, nil)
	require.NoError(t, err)
	c.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Stop(ctx)
}
