package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSubjectMapping(t *testing.T) {
	assert.Equal(t, "workflow:my-flow", WorkflowChannel("my-flow"))
	assert.Equal(t, "execution:e-1", ExecutionChannel("e-1"))
	assert.Equal(t, "epic:ep-1", EpicChannel("ep-1"))

	subject := SubjectFor("workflow:my-flow")
	assert.Equal(t, "pipelit.events.workflow.my-flow", subject)
	assert.Equal(t, "workflow:my-flow", ChannelFromSubject(subject))
}

func TestPublish_PerChannelFanOutAndOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe("execution:e-1")
	sub2 := bus.Subscribe("execution:e-1")
	other := bus.Subscribe("execution:e-2")

	for i := 0; i < 3; i++ {
		bus.Publish(NewEvent("node_status", "execution:e-1", map[string]any{"seq": i}))
	}

	for _, sub := range []*Subscriber{sub1, sub2} {
		for i := 0; i < 3; i++ {
			select {
			case ev := <-sub.Events():
				assert.Equal(t, i, ev.Data["seq"], "delivery preserves publish order")
				assert.NotZero(t, ev.Timestamp)
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}

	select {
	case <-other.Events():
		t.Fatal("event leaked across channels")
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("epic:ep-1")
	bus.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after unsubscribe is harmless.
	bus.Publish(NewEvent("task_updated", "epic:ep-1", nil))
}

func TestPublish_EvictsStuckSubscriber(t *testing.T) {
	bus := NewBus(WithBufferSize(1), WithEvictAfter(10*time.Millisecond))
	defer bus.Close()

	stuck := bus.Subscribe("execution:e-1")
	healthy := bus.Subscribe("execution:e-1")

	received := make([]int, 0, 3)
	drain := func() {
		for {
			select {
			case ev := <-healthy.Events():
				received = append(received, ev.Data["seq"].(int))
			default:
				return
			}
		}
	}

	// Fill the stuck subscriber's buffer, then keep publishing past the
	// eviction threshold without draining it. The healthy subscriber drains
	// after every publish.
	bus.Publish(NewEvent("e", "execution:e-1", map[string]any{"seq": 0}))
	drain()
	bus.Publish(NewEvent("e", "execution:e-1", map[string]any{"seq": 1}))
	drain()
	time.Sleep(20 * time.Millisecond)
	bus.Publish(NewEvent("e", "execution:e-1", map[string]any{"seq": 2}))
	drain()

	// The stuck subscriber got its buffered event, then was closed.
	ev, open := <-stuck.Events()
	require.True(t, open)
	assert.Equal(t, 0, ev.Data["seq"])
	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-stuck.Events():
			if !open {
				goto evicted
			}
		case <-deadline:
			t.Fatal("stuck subscriber was not evicted")
		}
	}
evicted:

	// The healthy subscriber saw everything; only the stuck one was dropped.
	assert.Equal(t, []int{0, 1, 2}, received)
}

func TestClose_ShutsDownAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("workflow:w")
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)
}
