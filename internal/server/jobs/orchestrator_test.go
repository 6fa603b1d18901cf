package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/pipeline"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/memrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type runFunc func(ctx context.Context, req pipeline.Request, attempt int, progress pipeline.ProgressFunc) (pipeline.SyncStats, error)

// fakeRunner counts attempts per account and the peak number of
// concurrent runs for one account.
type fakeRunner struct {
	mu         sync.Mutex
	fn         runFunc
	attempts   map[string]int
	running    map[string]int
	maxRunning int
}

func newRunner(fn runFunc) *fakeRunner {
	return &fakeRunner{fn: fn, attempts: make(map[string]int), running: make(map[string]int)}
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request, keys *cryptox.FieldCipher, progress pipeline.ProgressFunc) (pipeline.SyncStats, error) {
	f.mu.Lock()
	f.attempts[req.AccountID]++
	attempt := f.attempts[req.AccountID]
	f.running[req.AccountID]++
	f.maxRunning = max(f.maxRunning, f.running[req.AccountID])
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[req.AccountID]--
		f.mu.Unlock()
	}()

	if keys.Wiped() {
		return pipeline.SyncStats{}, errors.New("keys wiped before run")
	}
	return f.fn(ctx, req, attempt, progress)
}

func (f *fakeRunner) Attempts(account string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[account]
}

func newKeys(t *testing.T) *cryptox.FieldCipher {
	t.Helper()
	keys, err := cryptox.NewFieldCipher(cryptox.GenerateDEK())
	require.NoError(t, err)
	return keys
}

func newOrchestrator(t *testing.T, r Runner, opts Options) (*Orchestrator, *memrepo.Manager) {
	t.Helper()
	db, err := memrepo.OpenDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := memrepo.New()
	o := New(r, db, m, opts, logging.NewDiscard())
	return o, m
}

func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	o.Start(context.Background())
	t.Cleanup(o.Shutdown)
}

func waitState(t *testing.T, o *Orchestrator, id string, want State) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = o.Status(context.Background(), id)
		return err == nil && rec.State == want
	}, waitFor, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, rec.State)
	return rec
}

func req(account string) Request {
	return Request{AccountID: account, UserID: "u1", Folders: []string{"INBOX"}}
}

func TestEnqueue_Completes(t *testing.T) {
	r := newRunner(func(ctx context.Context, _ pipeline.Request, _ int, progress pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		progress(pipeline.FetchProgress{Folder: "INBOX", MessageIndex: 1, MessageTotal: 1})
		return pipeline.SyncStats{Folders: 1, Fetched: 1}, nil
	})
	o, m := newOrchestrator(t, r, Options{Workers: 2})
	start(t, o)

	keys := newKeys(t)
	id, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)

	rec := waitState(t, o, id, StateCompleted)
	assert.Equal(t, pipeline.PhaseCompleted, rec.Phase)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.Stats)
	assert.Equal(t, 1, rec.Stats.Fetched)
	assert.NotNil(t, rec.FinishedAt)
	assert.Empty(t, rec.Reason)
	assert.True(t, keys.Wiped())

	archived, err := m.SyncJobs(nil).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(StateCompleted), archived.State)
	assert.Equal(t, 1, archived.Attempts)
	assert.JSONEq(t, `{"folder":"INBOX","message_index":1,"message_total":1}`, string(archived.Progress))
}

func TestEnqueue_Validation(t *testing.T) {
	o, _ := newOrchestrator(t, newRunner(nil), Options{})

	_, err := o.Enqueue(context.Background(), Request{UserID: "u1"}, newKeys(t))
	assert.ErrorIs(t, err, common.ErrPermanentConfiguration)

	_, err = o.Enqueue(context.Background(), req("a1"), nil)
	assert.ErrorIs(t, err, common.ErrPermanentConfiguration)
}

func TestEnqueue_RejectsSecondJobForAccount(t *testing.T) {
	release := make(chan struct{})
	r := newRunner(func(ctx context.Context, _ pipeline.Request, _ int, _ pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		<-release
		return pipeline.SyncStats{}, nil
	})
	o, _ := newOrchestrator(t, r, Options{Workers: 2})
	start(t, o)

	first, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	waitState(t, o, first, StateRunning)

	keys := newKeys(t)
	_, err = o.Enqueue(context.Background(), req("a1"), keys)
	assert.ErrorIs(t, err, common.ErrJobInFlight)
	assert.False(t, keys.Wiped(), "rejected enqueue must leave keys with the caller")

	other, err := o.Enqueue(context.Background(), req("a2"), newKeys(t))
	require.NoError(t, err)

	close(release)
	waitState(t, o, first, StateCompleted)
	waitState(t, o, other, StateCompleted)

	again, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)
	waitState(t, o, again, StateCompleted)
}

func TestEnqueue_ConcurrentSameAccount(t *testing.T) {
	release := make(chan struct{})
	r := newRunner(func(ctx context.Context, _ pipeline.Request, _ int, _ pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		<-release
		return pipeline.SyncStats{}, nil
	})
	o, _ := newOrchestrator(t, r, Options{Workers: 8, QueueSize: 64})
	start(t, o)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      []string
		inFlight int
	)
	for i := 0; i < 32; i++ {
		keys := newKeys(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := o.Enqueue(context.Background(), req("a1"), keys)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ids = append(ids, id)
			} else if errors.Is(err, common.ErrJobInFlight) {
				inFlight++
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, 1)
	assert.Equal(t, 31, inFlight)

	close(release)
	waitState(t, o, ids[0], StateCompleted)
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, 1, r.maxRunning)
}

func TestEnqueue_QueueFull(t *testing.T) {
	o, _ := newOrchestrator(t, newRunner(nil), Options{QueueSize: 1})

	_, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	_, err = o.Enqueue(context.Background(), req("a2"), newKeys(t))
	assert.ErrorIs(t, err, common.ErrQueueFull)
}

// recordDelays replaces the retry timer so tests see every scheduled delay
// without waiting for it.
func recordDelays(o *Orchestrator) func() []time.Duration {
	var mu sync.Mutex
	var delays []time.Duration
	o.afterFunc = func(d time.Duration, f func()) timer {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return time.AfterFunc(time.Millisecond, f)
	}
	return func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), delays...)
	}
}

func TestRetry_StrictlyIncreasingThenFailed(t *testing.T) {
	r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		return pipeline.SyncStats{}, fmt.Errorf("%w: connection reset", common.ErrTransientNetwork)
	})
	o, _ := newOrchestrator(t, r, Options{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second})
	delays := recordDelays(o)
	start(t, o)

	keys := newKeys(t)
	id, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)

	rec := waitState(t, o, id, StateFailed)
	assert.Equal(t, 4, rec.Attempts)
	assert.Equal(t, common.KindTransient, rec.Reason)
	assert.Contains(t, rec.LastError, "gave up after 4 attempts")
	assert.Equal(t, pipeline.PhaseFailed, rec.Phase)
	assert.True(t, keys.Wiped())

	got := delays()
	require.Len(t, got, 3)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 4, r.Attempts("a1"), "a failed job is never retried again")

	_, err = o.Enqueue(context.Background(), req("a1"), newKeys(t))
	assert.NoError(t, err, "account is released after the job fails")
}

func TestRetry_LowCapStillIncreases(t *testing.T) {
	opts := Options{MaxAttempts: 6, BaseDelay: 5 * time.Millisecond, MaxDelay: 12 * time.Millisecond}.withDefaults()
	assert.Equal(t, 80*time.Millisecond, opts.MaxDelay)

	r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		return pipeline.SyncStats{}, fmt.Errorf("%w: connection reset", common.ErrTransientNetwork)
	})
	o, _ := newOrchestrator(t, r, Options{MaxAttempts: 6, BaseDelay: 5 * time.Millisecond, MaxDelay: 12 * time.Millisecond})
	delays := recordDelays(o)
	start(t, o)

	id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	rec := waitState(t, o, id, StateFailed)
	assert.Equal(t, 6, rec.Attempts)

	got := delays()
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1], "delay %d", i)
	}
}

func TestRetry_SucceedsOnLaterAttempt(t *testing.T) {
	r := newRunner(func(_ context.Context, _ pipeline.Request, attempt int, _ pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		if attempt < 3 {
			return pipeline.SyncStats{}, fmt.Errorf("%w: folder INBOX: db error", common.ErrPersistence)
		}
		return pipeline.SyncStats{Folders: 1}, nil
	})
	o, _ := newOrchestrator(t, r, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})
	recordDelays(o)
	start(t, o)

	id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)

	rec := waitState(t, o, id, StateCompleted)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Reason)
	assert.Empty(t, rec.LastError)
}

func TestRetry_PermanentErrorsAreNotRetried(t *testing.T) {
	for name, cause := range map[string]error{
		common.KindConfiguration:  fmt.Errorf("%w: login rejected", common.ErrPermanentConfiguration),
		common.KindAuthentication: common.ErrAuthentication,
		common.KindDecryption:     fmt.Errorf("%w: password field", common.ErrDecryption),
	} {
		t.Run(name, func(t *testing.T) {
			r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
				return pipeline.SyncStats{}, cause
			})
			o, _ := newOrchestrator(t, r, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})
			delays := recordDelays(o)
			start(t, o)

			id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
			require.NoError(t, err)

			rec := waitState(t, o, id, StateFailed)
			assert.Equal(t, 1, rec.Attempts)
			assert.Equal(t, name, rec.Reason)
			assert.Empty(t, delays())
		})
	}
}

func TestCancel_Running(t *testing.T) {
	started := make(chan struct{})
	r := newRunner(func(ctx context.Context, _ pipeline.Request, _ int, _ pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		close(started)
		<-ctx.Done()
		return pipeline.SyncStats{}, ctx.Err()
	})
	o, _ := newOrchestrator(t, r, Options{MaxAttempts: 3})
	start(t, o)

	keys := newKeys(t)
	id, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)
	<-started

	assert.True(t, o.Cancel(id))
	rec := waitState(t, o, id, StateCancelled)
	assert.Equal(t, common.KindCancelled, rec.Reason)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, keys.Wiped())

	assert.False(t, o.Cancel(id))
	assert.False(t, o.Cancel("no-such-job"))
}

func TestCancel_Queued(t *testing.T) {
	o, m := newOrchestrator(t, newRunner(nil), Options{})

	keys := newKeys(t)
	id, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)

	assert.True(t, o.Cancel(id))
	rec, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
	assert.Zero(t, rec.Attempts)
	assert.True(t, keys.Wiped())

	archived, err := m.SyncJobs(nil).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(StateCancelled), archived.State)

	// the stale queue entry is skipped once workers start
	start(t, o)
	time.Sleep(20 * time.Millisecond)
	rec, _ = o.Status(context.Background(), id)
	assert.Equal(t, StateCancelled, rec.State)
}

type stubTimer struct{ stopped bool }

func (s *stubTimer) Stop() bool {
	s.stopped = true
	return true
}

func TestCancel_WhileWaitingForRetry(t *testing.T) {
	r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		return pipeline.SyncStats{}, common.ErrTransientNetwork
	})
	o, _ := newOrchestrator(t, r, Options{MaxAttempts: 3, BaseDelay: time.Hour})
	tm := &stubTimer{}
	o.afterFunc = func(time.Duration, func()) timer { return tm }
	start(t, o)

	keys := newKeys(t)
	id, err := o.Enqueue(context.Background(), req("a1"), keys)
	require.NoError(t, err)

	rec := waitState(t, o, id, StateRetrying)
	require.NotNil(t, rec.NextAttemptAt)
	assert.Equal(t, common.KindTransient, rec.Reason)

	assert.True(t, o.Cancel(id))
	rec, err = o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
	assert.Nil(t, rec.NextAttemptAt)
	assert.True(t, tm.stopped)
	assert.True(t, keys.Wiped())
}

func TestStatus_ReportsProgress(t *testing.T) {
	release := make(chan struct{})
	reported := make(chan struct{})
	r := newRunner(func(_ context.Context, _ pipeline.Request, _ int, progress pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		progress(pipeline.ReconcileProgress{FolderIndex: 1, FolderTotal: 2, Folder: "INBOX", Listed: 10, Total: 20})
		close(reported)
		<-release
		return pipeline.SyncStats{}, nil
	})
	o, m := newOrchestrator(t, r, Options{})
	start(t, o)

	id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	<-reported

	for i := 0; i < 100; i++ {
		rec, err := o.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateRunning, rec.State)
		assert.Equal(t, pipeline.PhaseReconcileState, rec.Phase)
		assert.Equal(t, "listing INBOX (1/2): 10 of 20", rec.Message)
	}

	archived, err := m.SyncJobs(nil).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.PhaseReconcileState), archived.Phase)

	close(release)
	waitState(t, o, id, StateCompleted)
}

func TestStatus_Unknown(t *testing.T) {
	o, _ := newOrchestrator(t, newRunner(nil), Options{})
	_, err := o.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestSweep_RemovesExpiredJobs(t *testing.T) {
	r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		return pipeline.SyncStats{}, nil
	})
	o, _ := newOrchestrator(t, r, Options{Retention: time.Hour})

	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	start(t, o)

	id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	waitState(t, o, id, StateCompleted)

	n, err := o.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	mu.Lock()
	clock = clock.Add(2 * time.Hour)
	mu.Unlock()

	n, err = o.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = o.Status(context.Background(), id)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestStatus_FallsBackToArchive(t *testing.T) {
	r := newRunner(func(context.Context, pipeline.Request, int, pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		return pipeline.SyncStats{Folders: 3}, nil
	})
	o, m := newOrchestrator(t, r, Options{})
	start(t, o)

	id, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	waitState(t, o, id, StateCompleted)

	live, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, live.Stats)
	assert.Equal(t, 3, live.Stats.Folders)

	restarted := New(r, nil, m, Options{}, logging.NewDiscard())
	rec, err := restarted.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Nil(t, rec.Stats, "stats are not archived")
}

func TestShutdown_CancelsUnfinishedJobs(t *testing.T) {
	r := newRunner(func(ctx context.Context, _ pipeline.Request, _ int, _ pipeline.ProgressFunc) (pipeline.SyncStats, error) {
		<-ctx.Done()
		return pipeline.SyncStats{}, ctx.Err()
	})
	o, _ := newOrchestrator(t, r, Options{Workers: 1, QueueSize: 4})
	o.Start(context.Background())

	running, err := o.Enqueue(context.Background(), req("a1"), newKeys(t))
	require.NoError(t, err)
	waitState(t, o, running, StateRunning)
	queuedKeys := newKeys(t)
	queued, err := o.Enqueue(context.Background(), req("a2"), queuedKeys)
	require.NoError(t, err)

	o.Shutdown()

	for _, id := range []string{running, queued} {
		rec, err := o.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, rec.State)
	}
	assert.True(t, queuedKeys.Wiped())

	_, err = o.Enqueue(context.Background(), req("a3"), newKeys(t))
	assert.ErrorIs(t, err, common.ErrQueueFull)
}
