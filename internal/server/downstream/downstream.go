// Package downstream hands freshly persisted messages to processing that
// runs after a sync (tagging, classification). The sync path only fires a
// trigger; it neither waits for nor retries the processing.
package downstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/server/metrics"
)

// Batch names the messages persisted by one sync run.
type Batch struct {
	AccountID  string
	UserID     string
	MessageIDs []string
	// Embedded counts messages that carry an embedding vector.
	Embedded int
}

// Trigger is called once per successful persist. It must not block.
type Trigger interface {
	Trigger(ctx context.Context, b Batch)
}

// OutcomeKind tells whether a batch was acted upon.
type OutcomeKind int

const (
	OutcomeProcessed OutcomeKind = iota
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	if k == OutcomeSkipped {
		return "skipped"
	}
	return "processed"
}

// Outcome is the explicit result of processing. Not having enough data is
// a Skipped outcome, not an error.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func Processed() Outcome { return Outcome{Kind: OutcomeProcessed} }

func Skipped(reason string) Outcome { return Outcome{Kind: OutcomeSkipped, Reason: reason} }

// Processor acts on a batch.
type Processor interface {
	Process(ctx context.Context, b Batch) (Outcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, b Batch) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, b Batch) (Outcome, error) { return f(ctx, b) }

// SampleGate skips batches with fewer than Min embedded messages before
// they reach Next.
type SampleGate struct {
	Min  int
	Next Processor
}

func (g SampleGate) Process(ctx context.Context, b Batch) (Outcome, error) {
	if b.Embedded < g.Min {
		return Skipped(fmt.Sprintf("need %d embedded messages, have %d", g.Min, b.Embedded)), nil
	}
	return g.Next.Process(ctx, b)
}

// LogProcessor only records that a batch arrived.
type LogProcessor struct {
	Logger logging.Logger
}

func (p LogProcessor) Process(ctx context.Context, b Batch) (Outcome, error) {
	p.Logger.Info(ctx, "batch ready for processing", "account_id", b.AccountID,
		"messages", len(b.MessageIDs), "embedded", b.Embedded)
	return Processed(), nil
}

// AsyncTrigger queues batches for a background processor. When the queue
// is full the batch is dropped with a warning.
type AsyncTrigger struct {
	queue  chan queued
	proc   Processor
	logger logging.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type queued struct {
	ctx   context.Context
	batch Batch
}

func NewAsyncTrigger(proc Processor, size int, logger logging.Logger) *AsyncTrigger {
	if size <= 0 {
		size = 1
	}
	t := &AsyncTrigger{
		queue:  make(chan queued, size),
		proc:   proc,
		logger: logger.With("module", "downstream"),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *AsyncTrigger) Trigger(ctx context.Context, b Batch) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}

	// The sync job's context ends with the job; processing outlives it.
	q := queued{ctx: context.WithoutCancel(ctx), batch: b}
	select {
	case t.queue <- q:
	default:
		metrics.DownstreamOutcomes.WithLabelValues("dropped").Inc()
		t.logger.Warn(ctx, "downstream queue full, dropping batch", "account_id", b.AccountID, "messages", len(b.MessageIDs))
	}
}

func (t *AsyncTrigger) loop() {
	defer t.wg.Done()
	for q := range t.queue {
		out, err := t.proc.Process(q.ctx, q.batch)
		if err != nil {
			metrics.DownstreamOutcomes.WithLabelValues("error").Inc()
			t.logger.Error(q.ctx, "downstream processing failed", "account_id", q.batch.AccountID, "error", err)
			continue
		}
		metrics.DownstreamOutcomes.WithLabelValues(out.Kind.String()).Inc()
		if out.Kind == OutcomeSkipped {
			t.logger.Info(q.ctx, "downstream processing skipped", "account_id", q.batch.AccountID, "reason", out.Reason)
		}
	}
}

// Close stops accepting batches and waits for queued ones to finish.
func (t *AsyncTrigger) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.queue)
		t.mu.Unlock()
	})
	t.wg.Wait()
}
