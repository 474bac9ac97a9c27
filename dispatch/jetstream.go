package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// jobSubjectPrefix roots all job subjects; one stream per queue.
	jobSubjectPrefix = "pipelit.jobs."

	// deliverAtHeader carries the earliest delivery time for delayed jobs.
	// Consumers nak with the remaining delay until it passes.
	deliverAtHeader = "Pipelit-Deliver-At"

	// DedupWindow is how long a job id suppresses duplicate enqueues.
	DedupWindow = 10 * time.Minute

	ackWait    = 5 * time.Minute
	maxDeliver = 5
)

// JetStreamQueue implements Queue on JetStream work-queue streams. Enqueue
// idempotency rides on the Nats-Msg-Id header; at-least-once delivery and
// per-queue FIFO come from the stream itself.
type JetStreamQueue struct {
	js     jetstream.JetStream
	logger *slog.Logger

	// keepAliveEvery is the in-progress heartbeat period for long-running
	// handlers. Must stay under ackWait or the server redelivers mid-handler.
	keepAliveEvery time.Duration
}

// NewJetStreamQueue creates the production dispatcher.
func NewJetStreamQueue(js jetstream.JetStream, logger *slog.Logger) *JetStreamQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &JetStreamQueue{js: js, logger: logger, keepAliveEvery: ackWait / 2}
}

// EnsureStreams creates or updates the work-queue streams.
func (q *JetStreamQueue) EnsureStreams(ctx context.Context, queues ...string) error {
	for _, queue := range queues {
		_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName(queue),
			Subjects:   []string{jobSubjectPrefix + queue},
			Retention:  jetstream.WorkQueuePolicy,
			Duplicates: DedupWindow,
		})
		if err != nil {
			return fmt.Errorf("ensure stream for queue %s: %w", queue, err)
		}
	}
	return nil
}

// Enqueue publishes a job for immediate delivery.
func (q *JetStreamQueue) Enqueue(ctx context.Context, queue, jobID string, payload Payload) error {
	return q.publish(ctx, queue, jobID, payload, 0)
}

// EnqueueIn publishes a job delivered no earlier than delay from now.
func (q *JetStreamQueue) EnqueueIn(ctx context.Context, queue, jobID string, payload Payload, delay time.Duration) error {
	return q.publish(ctx, queue, jobID, payload, delay)
}

func (q *JetStreamQueue) publish(ctx context.Context, queue, jobID string, payload Payload, delay time.Duration) error {
	if jobID == "" {
		return fmt.Errorf("enqueue on %s: job id is required", queue)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}

	msg := nats.NewMsg(jobSubjectPrefix + queue)
	msg.Header.Set(nats.MsgIdHdr, jobID)
	if delay > 0 {
		msg.Header.Set(deliverAtHeader, time.Now().Add(delay).Format(time.RFC3339Nano))
	}
	msg.Data = data

	ack, err := q.js.PublishMsg(ctx, msg)
	if err != nil {
		return fmt.Errorf("enqueue job %s on %s: %w", jobID, queue, err)
	}
	if ack.Duplicate {
		q.logger.Debug("Duplicate enqueue suppressed", "queue", queue, "job_id", jobID)
	}
	return nil
}

// Consume runs a durable fetch loop delivering jobs to the handler until the
// context ends. Handler errors nak the message for redelivery.
func (q *JetStreamQueue) Consume(ctx context.Context, queue string, handler Handler) error {
	stream, err := q.js.Stream(ctx, streamName(queue))
	if err != nil {
		return fmt.Errorf("get stream for queue %s: %w", queue, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    "workers-" + queue,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    ackWait,
		MaxDeliver: maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer for queue %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Debug("Fetch timeout or error", "queue", queue, "error", err)
			continue
		}
		for msg := range msgs.Messages() {
			q.handleMessage(ctx, queue, msg, handler)
		}
	}
}

func (q *JetStreamQueue) handleMessage(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			q.logger.Warn("Failed to NAK during shutdown", "queue", queue, "error", err)
		}
		return
	}

	// Delayed jobs bounce until their delivery time.
	if deliverAt := msg.Headers().Get(deliverAtHeader); deliverAt != "" {
		at, err := time.Parse(time.RFC3339Nano, deliverAt)
		if err == nil {
			if remaining := time.Until(at); remaining > 0 {
				if err := msg.NakWithDelay(remaining); err != nil {
					q.logger.Warn("Failed to delay job", "queue", queue, "error", err)
				}
				return
			}
		}
	}

	jobID := msg.Headers().Get(nats.MsgIdHdr)
	var payload Payload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		q.logger.Error("Dropping malformed job", "queue", queue, "job_id", jobID, "error", err)
		if termErr := msg.Term(); termErr != nil {
			q.logger.Warn("Failed to TERM malformed job", "error", termErr)
		}
		return
	}

	// Handlers may legitimately outlive ackWait (a scheduler step waits on
	// the fired execution), so heartbeat the pending ack until they return.
	stop := q.keepAlive(msg, queue, jobID)
	err := handler(ctx, jobID, payload)
	stop()

	if err != nil {
		q.logger.Warn("Job handler failed, will redeliver",
			"queue", queue, "job_id", jobID, "kind", payload.Kind, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			q.logger.Warn("Failed to NAK job", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		q.logger.Warn("Failed to ACK job", "queue", queue, "job_id", jobID, "error", err)
	}
}

// keepAlive extends the ack deadline of an in-flight message until the
// returned stop function is called.
func (q *JetStreamQueue) keepAlive(msg jetstream.Msg, queue, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(q.keepAliveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					q.logger.Warn("Failed to extend ack deadline",
						"queue", queue, "job_id", jobID, "error", err)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func streamName(queue string) string {
	return "PIPELIT-JOBS-" + strings.ToUpper(queue)
}
