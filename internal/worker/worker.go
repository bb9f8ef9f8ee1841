// Package worker provides the background consumer that drains reported
// delivery attempts into the health monitor.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/nadmax/relay/internal/metrics"
	"github.com/nadmax/relay/internal/strategy"
	"go.uber.org/zap"
)

const (
	DefaultCapacity       = 1024
	DefaultHandlerTimeout = 5 * time.Second
)

type AttemptHandler func(ctx context.Context, rec strategy.AttemptRecord) error

// Worker owns a bounded queue of attempt records. Submit never blocks; when
// the queue is full the record is dropped and counted.
type Worker struct {
	id             string
	queue          chan strategy.AttemptRecord
	handler        AttemptHandler
	handlerTimeout time.Duration
	logger         *zap.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewWorker(id string, capacity int, handler AttemptHandler, logger *zap.Logger) *Worker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Worker{
		id:             id,
		queue:          make(chan strategy.AttemptRecord, capacity),
		handler:        handler,
		handlerTimeout: DefaultHandlerTimeout,
		logger:         logger.With(zap.String("worker", id)),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (w *Worker) SetHandlerTimeout(d time.Duration) {
	w.handlerTimeout = d
}

// Submit enqueues rec and reports whether it was accepted.
func (w *Worker) Submit(rec strategy.AttemptRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		w.drop(rec, "worker stopped")
		return false
	}

	select {
	case w.queue <- rec:
		metrics.UpdateQueueDepth(len(w.queue))
		return true
	default:
		w.drop(rec, "queue full")
		return false
	}
}

func (w *Worker) drop(rec strategy.AttemptRecord, reason string) {
	metrics.RecordAttemptDropped()
	w.logger.Warn("attempt dropped",
		zap.String("reason", reason),
		zap.String("attempt_id", rec.ID),
		zap.String("strategy", rec.Strategy.String()),
	)
}

func (w *Worker) Pending() int {
	return len(w.queue)
}

// Start consumes the queue until Stop is called. It is meant to run in its
// own goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	defer close(w.done)
	w.logger.Info("worker started")

	for {
		select {
		case <-w.stop:
			w.drain()
			w.logger.Info("worker stopped")
			return
		case rec := <-w.queue:
			w.process(rec)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case rec := <-w.queue:
			w.process(rec)
		default:
			return
		}
	}
}

func (w *Worker) process(rec strategy.AttemptRecord) {
	metrics.UpdateQueueDepth(len(w.queue))

	ctx, cancel := context.WithTimeout(context.Background(), w.handlerTimeout)
	defer cancel()

	if err := w.handler(ctx, rec); err != nil {
		w.logger.Error("failed to process attempt",
			zap.String("attempt_id", rec.ID),
			zap.String("strategy", rec.Strategy.String()),
			zap.Error(err),
		)
	}
}

// Stop rejects further submissions and waits until every queued record has
// been handled. A worker that was never started is drained inline.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		started := w.started
		w.mu.Unlock()

		close(w.stop)
		if started {
			<-w.done
			return
		}

		w.drain()
	})
}
