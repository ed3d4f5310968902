package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TradeGuard/pkg/logger"
)

// MemoryQueue is an in-process worker-pool queue with bounded retries.
// PublishMessage acknowledges on enqueue, so producers never block on slow
// handlers, and a FailureHandler fires once a message exhausts its retries.
type MemoryQueue struct {
	log       *logger.Logger
	config    *QueueConfig
	jobs      map[string]Job
	ch        chan Message
	onFailure FailureHandler

	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	seq       atomic.Int64
}

// MemoryQueueOption configures MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithFailureHandler sets the retry-exhaustion hook.
func WithFailureHandler(h FailureHandler) MemoryQueueOption {
	return func(q *MemoryQueue) { q.onFailure = h }
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(lgr *logger.Logger, config *QueueConfig, opts ...MemoryQueueOption) *MemoryQueue {
	if config == nil {
		config = &QueueConfig{}
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &MemoryQueue{
		log:    lgr,
		config: config,
		jobs:   make(map[string]Job),
		ch:     make(chan Message, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// RegisterJob registers a job handler for a message type.
func (q *MemoryQueue) RegisterJob(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.Type()]; exists {
		q.log.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	q.jobs[job.Type()] = job
}

// SetFailureHandler sets the retry-exhaustion hook. Must be called before
// Start when the handler depends on components built after the queue.
func (q *MemoryQueue) SetFailureHandler(h FailureHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = h
}

// Start launches the worker pool.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	q.isRunning = true
	q.mu.Unlock()

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.log.Info("memory queue started", logger.Int("workers", q.config.Workers))
	return nil
}

// Stop drains workers, honoring the context deadline.
func (q *MemoryQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false
	q.cancel()
	q.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		return nil
	}
}

// PublishMessage enqueues a message without blocking. Returning nil is the
// dispatch acknowledgement; execution happens on a worker. A full queue is a
// publish error, callers in decision paths must not stall behind slow workers.
func (q *MemoryQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	q.mu.RLock()
	if !q.isRunning {
		q.mu.RUnlock()
		return fmt.Errorf("queue not running")
	}
	if _, exists := q.jobs[msgType]; !exists {
		q.mu.RUnlock()
		return fmt.Errorf("no job registered for type: %s", msgType)
	}
	msg := Message{
		ID:        fmt.Sprintf("mem-%d", q.seq.Add(1)),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	q.mu.RUnlock()

	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("queue full: %d messages pending", cap(q.ch))
	}
}

func (q *MemoryQueue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-q.ch:
			q.process(msg)
		}
	}
}

func (q *MemoryQueue) process(msg Message) {
	q.mu.RLock()
	job := q.jobs[msg.Type]
	q.mu.RUnlock()
	if job == nil {
		q.log.Error("no job found", logger.String("type", msg.Type))
		return
	}

	err := job.Handle(q.ctx, msg.Payload)
	if err == nil {
		return
	}
	q.log.Error("message processing error",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts+1),
		logger.Error(err))

	if msg.Attempts < q.config.RetryLimit {
		msg.Attempts++
		go q.retryLater(msg)
		return
	}
	if q.onFailure != nil {
		q.onFailure(msg, err)
	}
}

func (q *MemoryQueue) retryLater(msg Message) {
	// delay grows linearly with the attempt count
	delay := time.Duration(msg.Attempts) * q.config.RetryDelay
	select {
	case <-q.ctx.Done():
		return
	case <-time.After(delay):
	}
	select {
	case q.ch <- msg:
	case <-q.ctx.Done():
	}
}
