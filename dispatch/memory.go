package dispatch

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node development.
// It honors the same contract: idempotent enqueue on job id, FIFO per queue,
// at-least-once delivery (redelivery on handler error).
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan queuedJob
	seen   map[string]map[string]bool // queue → job ids already enqueued
	timers []*time.Timer
}

type queuedJob struct {
	id      string
	payload Payload
}

// NewMemoryQueue creates an in-memory dispatcher.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]chan queuedJob),
		seen:   make(map[string]map[string]bool),
	}
}

func (m *MemoryQueue) queue(name string) chan queuedJob {
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = make(chan queuedJob, 1024)
		m.seen[name] = make(map[string]bool)
	}
	return m.queues[name]
}

// Enqueue adds a job unless its id was already enqueued on this queue.
func (m *MemoryQueue) Enqueue(_ context.Context, queue, jobID string, payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.queue(queue)
	if m.seen[queue][jobID] {
		return nil
	}
	m.seen[queue][jobID] = true
	ch <- queuedJob{id: jobID, payload: payload}
	return nil
}

// EnqueueIn schedules a delayed enqueue. Dedup applies at schedule time.
func (m *MemoryQueue) EnqueueIn(_ context.Context, queue, jobID string, payload Payload, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.queue(queue)
	if m.seen[queue][jobID] {
		return nil
	}
	m.seen[queue][jobID] = true
	t := time.AfterFunc(delay, func() {
		ch <- queuedJob{id: jobID, payload: payload}
	})
	m.timers = append(m.timers, t)
	return nil
}

// Consume delivers jobs until the context ends. A handler error re-queues
// the job at the back.
func (m *MemoryQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	m.mu.Lock()
	ch := m.queue(queue)
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-ch:
			if err := handler(ctx, job.id, job.payload); err != nil {
				select {
				case ch <- job:
				default:
				}
			}
		}
	}
}

// Pending returns how many jobs are waiting on a queue.
func (m *MemoryQueue) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(queue))
}

// Drain synchronously hands every currently queued job to the handler.
// Test helper; delayed jobs that have not fired yet are not included.
func (m *MemoryQueue) Drain(ctx context.Context, queue string, handler Handler) error {
	m.mu.Lock()
	ch := m.queue(queue)
	m.mu.Unlock()

	for {
		select {
		case job := <-ch:
			if err := handler(ctx, job.id, job.payload); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Stop cancels outstanding delayed jobs.
func (m *MemoryQueue) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

var _ Queue = (*MemoryQueue)(nil)
