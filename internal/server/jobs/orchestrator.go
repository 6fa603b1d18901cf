// Package jobs schedules sync pipeline runs on a worker pool. Each job
// owns a job-scoped field cipher, has one observable Record, and is retried
// with exponential backoff while its failures are retryable. At most one
// job per account is queued or running at a time.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/cryptox"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
	"github.com/dmitrijs2005/mailvault/internal/server/pipeline"
	"github.com/dmitrijs2005/mailvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/mailvault/internal/timex"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Runner executes one sync attempt.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, keys *cryptox.FieldCipher, progress pipeline.ProgressFunc) (pipeline.SyncStats, error)
}

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retention is how long finished jobs stay queryable.
	Retention       time.Duration
	JanitorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay << 8
	}
	// A lower cap would flatten the last delays.
	if ceiling := timex.BackoffCeiling(o.BaseDelay, o.MaxAttempts); o.MaxDelay < ceiling {
		o.MaxDelay = ceiling
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = min(o.Retention, time.Hour)
	}
	return o
}

// timer is the part of *time.Timer the orchestrator needs.
type timer interface {
	Stop() bool
}

type job struct {
	rec     Record
	req     pipeline.Request
	keys    *cryptox.FieldCipher
	backoff retry.Backoff
	ctx     context.Context
	cancel  context.CancelFunc
	retry   timer
}

type Orchestrator struct {
	runner      Runner
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	opts        Options
	logger      logging.Logger

	queue chan *job

	mu     sync.Mutex
	jobs   map[string]*job
	active map[string]string // account id -> job id

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer
}

func New(runner Runner, db *sql.DB, m repomanager.RepositoryManager, opts Options, logger logging.Logger) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		runner:      runner,
		db:          db,
		repomanager: m,
		opts:        opts,
		logger:      logger.With("module", "jobs"),
		queue:       make(chan *job, opts.QueueSize),
		jobs:        make(map[string]*job),
		active:      make(map[string]string),
		baseCtx:     ctx,
		stop:        cancel,
		now:         time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Start launches the workers and the janitor. They stop when ctx is done
// or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.worker()
		}()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.janitor()
	}()

	go func() {
		select {
		case <-ctx.Done():
			o.stop()
		case <-o.baseCtx.Done():
		}
	}()
}

// Shutdown cancels every unfinished job and waits for the workers.
func (o *Orchestrator) Shutdown() {
	o.stop()
	o.wg.Wait()

	o.mu.Lock()
	var pending []Record
	for _, j := range o.jobs {
		if !j.rec.State.Terminal() {
			if j.rec.State == StateQueued {
				metrics.JobsQueued.Dec()
			}
			pending = append(pending, o.finishLocked(j, StateCancelled, context.Canceled, nil))
		}
	}
	o.mu.Unlock()

	for _, rec := range pending {
		o.persist(context.Background(), rec)
	}
}

// Enqueue schedules a sync for req.AccountID and returns the job id. It
// never blocks. On success the job owns keys and wipes them when it ends;
// on error the caller keeps them.
func (o *Orchestrator) Enqueue(ctx context.Context, req Request, keys *cryptox.FieldCipher) (string, error) {
	if req.AccountID == "" || req.UserID == "" || keys == nil {
		return "", fmt.Errorf("%w: account, user and keys are required", common.ErrPermanentConfiguration)
	}
	if o.baseCtx.Err() != nil {
		return "", fmt.Errorf("%w: orchestrator stopped", common.ErrQueueFull)
	}

	now := o.now()
	jctx, cancel := context.WithCancel(o.baseCtx)
	j := &job{
		rec: Record{
			ID:        uuid.NewString(),
			AccountID: req.AccountID,
			State:     StateQueued,
			Message:   "queued",
			CreatedAt: now,
			UpdatedAt: now,
		},
		req: pipeline.Request{
			AccountID:   req.AccountID,
			UserID:      req.UserID,
			Folders:     append([]string(nil), req.Folders...),
			MaxMessages: req.MaxMessages,
		},
		keys:    keys,
		backoff: o.newBackoff(),
		ctx:     jctx,
		cancel:  cancel,
	}

	o.mu.Lock()
	if id, busy := o.active[req.AccountID]; busy {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%w: job %s", common.ErrJobInFlight, id)
	}
	select {
	case o.queue <- j:
	default:
		o.mu.Unlock()
		cancel()
		return "", common.ErrQueueFull
	}
	o.jobs[j.rec.ID] = j
	o.active[req.AccountID] = j.rec.ID
	rec := j.rec.clone()
	o.mu.Unlock()

	metrics.JobsQueued.Inc()
	o.persist(ctx, rec)
	o.logger.Info(ctx, "job queued", "job_id", rec.ID, "account_id", rec.AccountID)
	return rec.ID, nil
}

// Status returns a copy of the job's record. Jobs no longer in memory are
// read from the archive.
func (o *Orchestrator) Status(ctx context.Context, id string) (Record, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if ok {
		rec := j.rec.clone()
		o.mu.Unlock()
		return rec, nil
	}
	o.mu.Unlock()

	m, err := o.repomanager.SyncJobs(o.db).Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return recordFromModel(m), nil
}

// Cancel stops a job. A running job stops at its next phase boundary at
// the latest; queued and waiting jobs end immediately. It reports false
// for unknown or finished jobs.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	j, ok := o.jobs[id]
	if !ok || j.rec.State.Terminal() {
		o.mu.Unlock()
		return false
	}

	var rec *Record
	switch j.rec.State {
	case StateRunning:
		j.rec.Message = "cancelling"
		j.rec.UpdatedAt = o.now()
		j.cancel()
	case StateQueued:
		metrics.JobsQueued.Dec()
		r := o.finishLocked(j, StateCancelled, context.Canceled, nil)
		rec = &r
	case StateRetrying:
		r := o.finishLocked(j, StateCancelled, context.Canceled, nil)
		rec = &r
	}
	o.mu.Unlock()

	if rec != nil {
		o.persist(context.Background(), *rec)
	}
	o.logger.Info(context.Background(), "job cancel requested", "job_id", id)
	return true
}

func (o *Orchestrator) newBackoff() retry.Backoff {
	b := retry.NewExponential(o.opts.BaseDelay)
	return retry.WithCappedDuration(o.opts.MaxDelay, b)
}

func (o *Orchestrator) worker() {
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case j := <-o.queue:
			o.run(j)
		}
	}
}

func (o *Orchestrator) run(j *job) {
	o.mu.Lock()
	if j.rec.State != StateQueued {
		// cancelled while waiting in the queue
		o.mu.Unlock()
		return
	}
	j.rec.State = StateRunning
	j.rec.Attempts++
	j.rec.NextAttemptAt = nil
	j.rec.Message = fmt.Sprintf("attempt %d started", j.rec.Attempts)
	j.rec.UpdatedAt = o.now()
	rec := j.rec.clone()
	o.mu.Unlock()

	metrics.JobsQueued.Dec()
	metrics.JobsRunning.Inc()
	o.persist(j.ctx, rec)

	log := o.logger.With("job_id", rec.ID, "account_id", rec.AccountID, "attempt", rec.Attempts)
	log.Info(j.ctx, "sync attempt started")

	start := time.Now()
	stats, err := o.runner.Run(j.ctx, j.req, j.keys, o.progress(j))
	metrics.JobsRunning.Dec()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		o.finish(j, StateCompleted, nil, &stats)
		log.Info(j.ctx, "sync completed", "fetched", stats.Fetched, "folders", stats.Folders)
		return
	}
	if j.ctx.Err() != nil {
		o.finish(j, StateCancelled, context.Canceled, statsIfAny(stats))
		log.Info(context.Background(), "sync cancelled")
		return
	}
	if !common.IsRetryable(err) {
		o.finish(j, StateFailed, err, statsIfAny(stats))
		log.Error(j.ctx, "sync failed permanently", "reason", common.KindOf(err), "error", err)
		return
	}
	if rec.Attempts >= o.opts.MaxAttempts {
		o.finish(j, StateFailed, fmt.Errorf("gave up after %d attempts: %w", rec.Attempts, err), statsIfAny(stats))
		log.Error(j.ctx, "sync failed, attempts exhausted", "reason", common.KindOf(err), "error", err)
		return
	}
	o.scheduleRetry(j, err, statsIfAny(stats))
	log.Warn(j.ctx, "sync attempt failed, retrying", "reason", common.KindOf(err), "error", err)
}

func statsIfAny(s pipeline.SyncStats) *pipeline.SyncStats {
	if s.Folders == 0 && s.Fetched == 0 && s.RemovedFolders == 0 {
		return nil
	}
	return &s
}

// progress records the latest report and archives phase transitions.
func (o *Orchestrator) progress(j *job) pipeline.ProgressFunc {
	return func(p pipeline.Progress) {
		payload, err := json.Marshal(p)
		if err != nil {
			payload = nil
		}

		o.mu.Lock()
		if j.rec.State != StateRunning {
			o.mu.Unlock()
			return
		}
		changed := j.rec.Phase != p.Phase()
		j.rec.Phase = p.Phase()
		j.rec.Message = p.Message()
		j.rec.Progress = payload
		j.rec.UpdatedAt = o.now()
		rec := j.rec.clone()
		o.mu.Unlock()

		if changed {
			o.persist(j.ctx, rec)
		}
	}
}

func (o *Orchestrator) scheduleRetry(j *job, cause error, stats *pipeline.SyncStats) {
	delay, stop := j.backoff.Next()
	if stop {
		o.finish(j, StateFailed, cause, stats)
		return
	}

	o.mu.Lock()
	if j.rec.State != StateRunning {
		o.mu.Unlock()
		return
	}
	if j.ctx.Err() != nil {
		// cancelled after the attempt returned
		rec := o.finishLocked(j, StateCancelled, context.Canceled, stats)
		o.mu.Unlock()
		o.persist(context.Background(), rec)
		return
	}
	next := o.now().Add(delay)
	j.rec.State = StateRetrying
	j.rec.Reason = common.KindOf(cause)
	j.rec.LastError = cause.Error()
	j.rec.Stats = stats
	j.rec.NextAttemptAt = &next
	j.rec.Message = fmt.Sprintf("attempt %d failed, retrying in %s", j.rec.Attempts, delay)
	j.rec.UpdatedAt = o.now()
	j.retry = o.afterFunc(delay, func() { o.requeue(j) })
	rec := j.rec.clone()
	o.mu.Unlock()

	metrics.JobRetries.Inc()
	o.persist(j.ctx, rec)
}

func (o *Orchestrator) requeue(j *job) {
	o.mu.Lock()
	if j.rec.State != StateRetrying {
		o.mu.Unlock()
		return
	}
	j.rec.State = StateQueued
	j.rec.Message = "queued for retry"
	j.rec.UpdatedAt = o.now()
	j.retry = nil
	o.mu.Unlock()

	metrics.JobsQueued.Inc()
	select {
	case o.queue <- j:
	case <-j.ctx.Done():
		// Cancel or Shutdown finalizes the record.
	}
}

func (o *Orchestrator) finish(j *job, state State, cause error, stats *pipeline.SyncStats) {
	o.mu.Lock()
	if j.rec.State.Terminal() {
		o.mu.Unlock()
		return
	}
	rec := o.finishLocked(j, state, cause, stats)
	o.mu.Unlock()
	o.persist(context.Background(), rec)
}

// finishLocked moves j to a terminal state, releases the account and wipes
// the job's keys. o.mu must be held.
func (o *Orchestrator) finishLocked(j *job, state State, cause error, stats *pipeline.SyncStats) Record {
	now := o.now()
	j.rec.State = state
	j.rec.UpdatedAt = now
	j.rec.FinishedAt = &now
	j.rec.NextAttemptAt = nil
	if stats != nil {
		j.rec.Stats = stats
	}

	switch state {
	case StateCompleted:
		j.rec.Phase = pipeline.PhaseCompleted
		j.rec.Message = "completed"
		j.rec.Reason = ""
		j.rec.LastError = ""
	case StateFailed:
		j.rec.Phase = pipeline.PhaseFailed
		j.rec.Reason = common.KindOf(cause)
		j.rec.LastError = cause.Error()
		j.rec.Message = "failed: " + j.rec.Reason
	case StateCancelled:
		j.rec.Reason = common.KindCancelled
		j.rec.Message = "cancelled"
	}

	if j.retry != nil {
		j.retry.Stop()
		j.retry = nil
	}
	j.cancel()
	j.keys.Wipe()
	if o.active[j.rec.AccountID] == j.rec.ID {
		delete(o.active, j.rec.AccountID)
	}
	metrics.JobsFinished.WithLabelValues(string(state), j.rec.Reason).Inc()
	return j.rec.clone()
}

// persist archives rec. The archive only backs Status after restarts, so
// a failed write is logged and the job carries on.
func (o *Orchestrator) persist(ctx context.Context, rec Record) {
	if o.repomanager == nil {
		return
	}
	if err := o.repomanager.SyncJobs(o.db).Save(context.WithoutCancel(ctx), rec.toModel()); err != nil {
		o.logger.Warn(ctx, "failed to archive job record", "job_id", rec.ID, "error", err)
	}
}
