package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeGuard/pkg/logger"
)

type stubJob struct {
	typ    string
	handle func(ctx context.Context, payload interface{}) error
}

func (j *stubJob) Name() string { return j.typ }
func (j *stubJob) Type() string { return j.typ }
func (j *stubJob) Handle(ctx context.Context, payload interface{}) error {
	return j.handle(ctx, payload)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return lgr
}

func TestPublishRejectsUnknownType(t *testing.T) {
	q := NewMemoryQueue(newTestLogger(t), &QueueConfig{Workers: 1, QueueSize: 1})
	require.NoError(t, q.Start())
	defer func() { _ = q.Stop(context.Background()) }()

	err := q.PublishMessage(context.Background(), "nope", nil)
	assert.ErrorContains(t, err, "no job registered")
}

func TestPublishFullQueueFailsFast(t *testing.T) {
	release := make(chan struct{})
	busy := make(chan struct{}, 1)
	job := &stubJob{typ: "slow", handle: func(ctx context.Context, payload interface{}) error {
		busy <- struct{}{}
		<-release
		return nil
	}}

	q := NewMemoryQueue(newTestLogger(t), &QueueConfig{Workers: 1, QueueSize: 1})
	q.RegisterJob(job)
	require.NoError(t, q.Start())
	defer func() { _ = q.Stop(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, q.PublishMessage(ctx, "slow", nil))
	<-busy // worker is occupied, the buffer is empty again

	require.NoError(t, q.PublishMessage(ctx, "slow", nil))

	// Buffer full and the only worker blocked: the publish must return an
	// error immediately rather than stall the caller.
	done := make(chan error, 1)
	go func() { done <- q.PublishMessage(ctx, "slow", nil) }()
	select {
	case err := <-done:
		assert.ErrorContains(t, err, "queue full")
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}

	close(release)
}
