// Package logqueue provides a bounded, best-effort background writer for
// request log records.
package logqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cfxhq/router/internal/store"
	"github.com/cfxhq/router/internal/telemetry"
)

// drainDeadline bounds how long Close waits for already-buffered entries to
// flush before giving up and discarding the rest.
const drainDeadline = 5 * time.Second

// Queue is a bounded FIFO of request log records drained by a single
// background consumer. Enqueue never blocks the caller: a full queue drops
// the record and counts it as lost.
type Queue struct {
	store   store.Store
	logger  *slog.Logger
	entries chan store.RequestLog
	wg      sync.WaitGroup
}

// New creates a Queue with the given capacity. Call Start to begin
// processing.
func New(st store.Store, capacity int, logger *slog.Logger) *Queue {
	return &Queue{
		store:   st,
		logger:  logger,
		entries: make(chan store.RequestLog, capacity),
	}
}

// Start begins the background consumer goroutine. It runs until ctx is
// cancelled, at which point it drains whatever is already buffered (up to
// drainDeadline) and exits.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Close waits for the background consumer to exit. Call after cancelling
// the context passed to Start.
func (q *Queue) Close() {
	q.wg.Wait()
}

// Enqueue submits a record for async persistence. Returns false if the
// queue was full and the record was dropped.
func (q *Queue) Enqueue(record store.RequestLog) bool {
	select {
	case q.entries <- record:
		return true
	default:
		telemetry.LogQueueDroppedTotal.Inc()
		q.logger.Warn("log queue full, dropping record", "request_id", record.RequestID)
		return false
	}
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case record := <-q.entries:
			q.write(context.Background(), record)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

// drain flushes whatever is already buffered in the channel, bounded by
// drainDeadline, then returns. Anything enqueued after the deadline or
// after drain returns is discarded, per this component's loss-tolerant contract.
func (q *Queue) drain() {
	deadline := time.Now().Add(drainDeadline)
	for {
		select {
		case record := <-q.entries:
			q.write(context.Background(), record)
		default:
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

func (q *Queue) write(ctx context.Context, record store.RequestLog) {
	if err := q.store.InsertLog(ctx, record); err != nil {
		q.logger.Error("log queue: failed to persist record", "request_id", record.RequestID, "error", err)
	}
}
