package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/pkg/logger"
)

// TurnRecord is one conversational turn of a live call. Records are
// append-only: an interruption closes the current record and a new one is
// opened, the prior record is never edited.
type TurnRecord struct {
	ID         string
	Speaker    domain.Speaker
	StartedAt  time.Time
	EndedAt    time.Time
	Transcript string
	Completion domain.TurnCompletion
}

// Recorder is the persistence collaborator the bridge emits lifecycle events
// to. Implementations may be slow or unavailable; the bridge only ever calls
// a Recorder through the bounded AsyncRecorder so the audio path cannot
// stall on it.
type Recorder interface {
	RecordCallStart(ctx context.Context, callID string, caller domain.CallerInfo, at time.Time) error
	RecordTurn(ctx context.Context, callID string, turn TurnRecord) error
	RecordCallEnd(ctx context.Context, callID string, reason domain.EndReason, at time.Time) error
}

// NopRecorder discards all events. Used when no database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordCallStart(context.Context, string, domain.CallerInfo, time.Time) error {
	return nil
}
func (NopRecorder) RecordTurn(context.Context, string, TurnRecord) error { return nil }
func (NopRecorder) RecordCallEnd(context.Context, string, domain.EndReason, time.Time) error {
	return nil
}

type recordJobKind int

const (
	jobCallStart recordJobKind = iota
	jobTurn
	jobCallEnd
)

type recordJob struct {
	kind   recordJobKind
	callID string
	caller domain.CallerInfo
	turn   TurnRecord
	reason domain.EndReason
	at     time.Time
}

// AsyncRecorder decouples lifecycle persistence from the audio path: events
// go into a bounded queue consumed by a single worker, and are dropped (with
// a counter) when the queue is full rather than ever blocking a caller.
type AsyncRecorder struct {
	inner          Recorder
	jobs           chan recordJob
	persistTimeout time.Duration

	dropped   atomic.Int64
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncRecorder wraps inner with a queue of the given depth and starts
// the worker. persistTimeout bounds each persistence call so one stuck
// database write cannot stall the queue.
func NewAsyncRecorder(inner Recorder, depth int, persistTimeout time.Duration) *AsyncRecorder {
	if depth <= 0 {
		depth = 256
	}
	if persistTimeout <= 0 {
		persistTimeout = 5 * time.Second
	}
	r := &AsyncRecorder{
		inner:          inner,
		jobs:           make(chan recordJob, depth),
		persistTimeout: persistTimeout,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *AsyncRecorder) RecordCallStart(_ context.Context, callID string, caller domain.CallerInfo, at time.Time) error {
	r.enqueue(recordJob{kind: jobCallStart, callID: callID, caller: caller, at: at})
	return nil
}

func (r *AsyncRecorder) RecordTurn(_ context.Context, callID string, turn TurnRecord) error {
	r.enqueue(recordJob{kind: jobTurn, callID: callID, turn: turn})
	return nil
}

func (r *AsyncRecorder) RecordCallEnd(_ context.Context, callID string, reason domain.EndReason, at time.Time) error {
	r.enqueue(recordJob{kind: jobCallEnd, callID: callID, reason: reason, at: at})
	return nil
}

// Dropped returns how many events were discarded because the queue was full.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for the worker to drain the queue.
func (r *AsyncRecorder) Close() {
	r.closeOnce.Do(func() {
		close(r.jobs)
		r.wg.Wait()
	})
}

func (r *AsyncRecorder) enqueue(job recordJob) {
	defer func() {
		// Enqueue after Close loses the event; a session finishing during
		// shutdown is not worth crashing over.
		if recover() != nil {
			r.dropped.Add(1)
		}
	}()
	select {
	case r.jobs <- job:
	default:
		if r.dropped.Add(1)%100 == 1 {
			logger.Base().Warn("recorder queue full, dropping lifecycle events",
				zap.Int64("dropped_total", r.dropped.Load()))
		}
	}
}

func (r *AsyncRecorder) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), r.persistTimeout)
		var err error
		switch job.kind {
		case jobCallStart:
			err = r.inner.RecordCallStart(ctx, job.callID, job.caller, job.at)
		case jobTurn:
			err = r.inner.RecordTurn(ctx, job.callID, job.turn)
		case jobCallEnd:
			err = r.inner.RecordCallEnd(ctx, job.callID, job.reason, job.at)
		}
		cancel()
		if err != nil {
			logger.Base().Warn("failed to persist lifecycle event",
				zap.String("call_id", job.callID), zap.Error(err))
		}
	}
}
