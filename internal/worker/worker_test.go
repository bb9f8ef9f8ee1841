package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nadmax/relay/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu      sync.Mutex
	records []strategy.AttemptRecord
	err     error
	block   chan struct{}
}

func (r *recorder) handle(ctx context.Context, rec strategy.AttemptRecord) error {
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func setupTestWorker(t *testing.T, capacity int) (*Worker, *recorder) {
	rec := &recorder{}
	w := NewWorker("test-worker", capacity, rec.handle, zaptest.NewLogger(t))
	return w, rec
}

func attempt(success bool) strategy.AttemptRecord {
	return strategy.NewAttemptRecord(strategy.WorkManagerNormal, success, 10*time.Millisecond, "")
}

func TestNewWorker(t *testing.T) {
	w, _ := setupTestWorker(t, 0)

	assert.NotNil(t, w)
	assert.Equal(t, "test-worker", w.id)
	assert.Equal(t, DefaultCapacity, cap(w.queue))
	assert.Equal(t, DefaultHandlerTimeout, w.handlerTimeout)
}

func TestSubmit_QueueFull(t *testing.T) {
	w, rec := setupTestWorker(t, 2)

	assert.True(t, w.Submit(attempt(true)))
	assert.True(t, w.Submit(attempt(true)))
	assert.False(t, w.Submit(attempt(false)))
	assert.Equal(t, 2, w.Pending())

	w.Stop()
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 0, w.Pending())
}

func TestWorkerStartStop(t *testing.T) {
	w, rec := setupTestWorker(t, 16)

	go w.Start()

	for range 5 {
		require.True(t, w.Submit(attempt(true)))
	}

	assert.Eventually(t, func() bool { return rec.count() == 5 }, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	assert.False(t, w.Submit(attempt(true)))
	assert.Equal(t, 5, rec.count())
}

func TestStop_DrainsQueue(t *testing.T) {
	w, rec := setupTestWorker(t, 16)
	rec.block = make(chan struct{})

	go w.Start()

	for range 4 {
		require.True(t, w.Submit(attempt(false)))
	}

	close(rec.block)
	w.Stop()

	assert.Equal(t, 4, rec.count())
}

func TestProcess_HandlerError(t *testing.T) {
	w, rec := setupTestWorker(t, 4)
	rec.err = errors.New("monitor unavailable")

	require.True(t, w.Submit(attempt(false)))
	w.Stop()

	assert.Equal(t, 1, rec.count())
}

func TestProcess_PreservesOrder(t *testing.T) {
	w, rec := setupTestWorker(t, 8)

	var ids []string
	for range 6 {
		a := attempt(true)
		ids = append(ids, a.ID)
		require.True(t, w.Submit(a))
	}

	w.Stop()

	require.Len(t, rec.records, 6)
	for i, r := range rec.records {
		assert.Equal(t, ids[i], r.ID)
	}
}

func TestStop_Idempotent(t *testing.T) {
	w, _ := setupTestWorker(t, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		w.Start()
	}()
	<-started

	w.Stop()
	assert.NotPanics(t, w.Stop)
}
