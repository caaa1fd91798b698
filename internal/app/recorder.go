package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/FindIt/internal/core"
	"github.com/dkeye/FindIt/internal/domain"
	"github.com/dkeye/FindIt/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultRecordQueue    = 1024
	defaultPersistTimeout = 5 * time.Second
)

type recordOp int

const (
	opCreate recordOp = iota
	opUpdate
	opBarrier
)

func (o recordOp) String() string {
	switch o {
	case opCreate:
		return "create"
	case opUpdate:
		return "update"
	default:
		return "barrier"
	}
}

type recordJob struct {
	op     recordOp
	rec    domain.CallRecord
	id     domain.CallID
	upd    domain.CallUpdate
	event  *domain.CallEvent
	notify chan struct{}
}

type RecorderOptions struct {
	QueueSize      int
	PersistTimeout time.Duration
}

// Recorder applies call persistence and event publishing off the signaling path.
// A single worker keeps writes in the order they were produced; nothing is retried.
type Recorder struct {
	store   core.CallStore
	pub     core.CallEventPublisher
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan recordJob
	done   chan struct{}
}

// NewRecorder starts the worker. store and pub may be nil.
func NewRecorder(store core.CallStore, pub core.CallEventPublisher, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultRecordQueue
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	r := &Recorder{
		store:   store,
		pub:     pub,
		timeout: opts.PersistTimeout,
		jobs:    make(chan recordJob, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) Created(rec domain.CallRecord) {
	r.enqueue(recordJob{op: opCreate, rec: rec, id: rec.ID})
}

// Updated records a status change; ev is published after the store write when non-nil.
func (r *Recorder) Updated(id domain.CallID, upd domain.CallUpdate, ev *domain.CallEvent) {
	r.enqueue(recordJob{op: opUpdate, id: id, upd: upd, event: ev})
}

// Flush blocks until every job queued before it has been applied.
func (r *Recorder) Flush() {
	ch := make(chan struct{})
	if !r.enqueue(recordJob{op: opBarrier, notify: ch}) {
		return
	}
	<-ch
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(j recordJob) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Warn().Str("module", "app.recorder").Str("op", j.op.String()).Str("call_id", string(j.id)).Msg("recorder closed, write dropped")
		return false
	}
	if j.op == opBarrier {
		r.jobs <- j
		return true
	}
	select {
	case r.jobs <- j:
		return true
	default:
		metrics.PersistenceFailures.WithLabelValues("queue_full").Inc()
		log.Error().Str("module", "app.recorder").Str("op", j.op.String()).Str("call_id", string(j.id)).Msg("record queue full, write dropped")
		return false
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for j := range r.jobs {
		r.apply(j)
	}
}

func (r *Recorder) apply(j recordJob) {
	if j.op == opBarrier {
		close(j.notify)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if r.store != nil {
		var err error
		switch j.op {
		case opCreate:
			err = r.store.CreateCall(ctx, j.rec)
		case opUpdate:
			err = r.store.UpdateCall(ctx, j.id, j.upd)
		}
		if err != nil {
			metrics.PersistenceFailures.WithLabelValues(j.op.String()).Inc()
			log.Error().Err(err).Str("module", "app.recorder").Str("op", j.op.String()).Str("call_id", string(j.id)).Msg("call persistence failed")
		}
	}

	if j.event != nil && r.pub != nil {
		if err := r.pub.Publish(ctx, *j.event); err != nil {
			metrics.PersistenceFailures.WithLabelValues("publish").Inc()
			log.Error().Err(err).Str("module", "app.recorder").Str("call_id", string(j.id)).Msg("call event publish failed")
		}
	}
}
