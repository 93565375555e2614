package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"messaging-platform/internal/session"
)

// Item is one accepted record waiting for async processing.
type Item struct {
	SessionID   string
	WorkspaceID string
	Record      ChatRecord
}

// Sink consumes accepted records. Downstream message storage lives outside
// this service; the default sink only keeps session liveness fresh.
type Sink interface {
	Process(ctx context.Context, item Item) error
}

// Enqueuer is what the ingestion service needs from the queue.
type Enqueuer interface {
	Enqueue(item Item) error
}

// Queue hands accepted records to worker goroutines so the HTTP handler can
// ack "queued" without waiting on processing.
type Queue struct {
	ch   chan Item
	sink Sink
	log  *slog.Logger

	// ProcessTimeout bounds one sink call.
	ProcessTimeout time.Duration

	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func NewQueue(sink Sink, buffer int, log *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		ch:             make(chan Item, buffer),
		sink:           sink,
		log:            log,
		ProcessTimeout: 30 * time.Second,
	}
}

// Start launches the worker goroutines. Close after use.
func (q *Queue) Start(workers int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
}

// Enqueue never blocks: a full buffer rejects the item so the caller can
// surface backpressure instead of stalling the signed endpoint.
func (q *Queue) Enqueue(item Item) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and drains in-flight items.
func (q *Queue) Close() {
	close(q.ch)
	q.wg.Wait()
}

func (q *Queue) work() {
	defer q.wg.Done()
	for item := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), q.ProcessTimeout)
		if err := q.sink.Process(ctx, item); err != nil {
			q.log.Warn("record processing failed",
				"session_id", item.SessionID, "message_id", item.Record.MessageID, "err", err)
		}
		cancel()
	}
}

// ActivitySink bumps the session's last-activity timestamp for every inbound
// record. Last-writer-wins is acceptable for a monotonic liveness touch, so it
// skips the session lock.
type ActivitySink struct {
	store session.Store
	clock func() time.Time
}

func NewActivitySink(store session.Store) *ActivitySink {
	return &ActivitySink{store: store, clock: time.Now}
}

func (s *ActivitySink) Process(ctx context.Context, item Item) error {
	sess, err := s.store.Get(ctx, item.SessionID)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	sess.LastActivityAt = now
	sess.UpdatedAt = now
	return s.store.Update(ctx, sess)
}
