package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_IdempotentOnJobID(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	payload := Payload{Kind: KindRunExecution, ExecutionID: "e-1"}
	require.NoError(t, q.Enqueue(ctx, QueueExecutions, "job-1", payload))
	require.NoError(t, q.Enqueue(ctx, QueueExecutions, "job-1", payload))
	require.NoError(t, q.Enqueue(ctx, QueueExecutions, "job-2", payload))

	assert.Equal(t, 2, q.Pending(QueueExecutions), "duplicate job id enqueues once")
}

func TestMemoryQueue_FIFOOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, QueueExecutions, id, Payload{Kind: KindRunExecution}))
	}

	var order []string
	require.NoError(t, q.Drain(ctx, QueueExecutions, func(_ context.Context, jobID string, _ Payload) error {
		order = append(order, jobID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMemoryQueue_RedeliveryOnHandlerError(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, QueueExecutions, "job-1", Payload{Kind: KindRunExecution}))

	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, QueueExecutions, func(_ context.Context, _ string, _ Payload) error {
			attempts++
			if attempts < 2 {
				return errors.New("transient")
			}
			close(done)
			cancel()
			return nil
		})
	}()

	select {
	case <-done:
		assert.GreaterOrEqual(t, attempts, 2, "failed job is redelivered")
	case <-ctx.Done():
		t.Fatal("job was not redelivered")
	}
}

func TestMemoryQueue_DelayedEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Stop()
	ctx := context.Background()

	require.NoError(t, q.EnqueueIn(ctx, QueueScheduler, "sched-1", Payload{Kind: KindScheduleFire}, 20*time.Millisecond))
	assert.Equal(t, 0, q.Pending(QueueScheduler), "not delivered before the delay")

	assert.Eventually(t, func() bool {
		return q.Pending(QueueScheduler) == 1
	}, time.Second, 5*time.Millisecond)

	// Dedup applies across immediate and delayed enqueues.
	require.NoError(t, q.Enqueue(ctx, QueueScheduler, "sched-1", Payload{Kind: KindScheduleFire}))
	assert.Equal(t, 1, q.Pending(QueueScheduler))
}
