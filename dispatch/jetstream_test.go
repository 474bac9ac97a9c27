package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMsg satisfies jetstream.Msg for exercising handleMessage without a
// server. Ack outcomes and in-progress heartbeats are counted.
type fakeMsg struct {
	mu         sync.Mutex
	data       []byte
	headers    nats.Header
	acks       int
	naks       int
	nakDelays  []time.Duration
	terms      int
	inProgress int
}

func newFakeMsg(t *testing.T, jobID string, payload Payload) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	h := nats.Header{}
	h.Set(nats.MsgIdHdr, jobID)
	return &fakeMsg{data: data, headers: h}
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return &jetstream.MsgMetadata{}, nil }
func (m *fakeMsg) Data() []byte                              { return m.data }
func (m *fakeMsg) Headers() nats.Header                      { return m.headers }
func (m *fakeMsg) Subject() string                           { return jobSubjectPrefix + "test" }
func (m *fakeMsg) Reply() string                             { return "" }
func (m *fakeMsg) DoubleAck(context.Context) error           { return nil }
func (m *fakeMsg) TermWithReason(string) error               { return m.Term() }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks++
	return nil
}

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	return nil
}

func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naks++
	m.nakDelays = append(m.nakDelays, delay)
	return nil
}

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms++
	return nil
}

func (m *fakeMsg) InProgress() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress++
	return nil
}

var _ jetstream.Msg = (*fakeMsg)(nil)

func (m *fakeMsg) counts() (acks, naks, terms, inProgress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks, m.naks, m.terms, m.inProgress
}

func TestHandleMessage_SlowHandlerKeepsAckAlive(t *testing.T) {
	q := NewJetStreamQueue(nil, nil)
	q.keepAliveEvery = 5 * time.Millisecond

	msg := newFakeMsg(t, "job-1", Payload{Kind: KindRunExecution, ExecutionID: "e1"})
	handler := func(_ context.Context, _ string, _ Payload) error {
		// Longer than several heartbeat periods; a scheduler step waiting on
		// a fired execution behaves like this at full scale.
		time.Sleep(40 * time.Millisecond)
		return nil
	}

	q.handleMessage(context.Background(), "test", msg, handler)

	acks, naks, _, inProgress := msg.counts()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)
	assert.GreaterOrEqual(t, inProgress, 2, "pending ack must be extended while the handler runs")
}

func TestHandleMessage_HandlerErrorNaks(t *testing.T) {
	q := NewJetStreamQueue(nil, nil)
	q.keepAliveEvery = time.Minute

	msg := newFakeMsg(t, "job-1", Payload{Kind: KindRunExecution, ExecutionID: "e1"})
	q.handleMessage(context.Background(), "test", msg, func(_ context.Context, _ string, _ Payload) error {
		return assert.AnError
	})

	acks, naks, _, _ := msg.counts()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)
}

func TestHandleMessage_MalformedPayloadTerms(t *testing.T) {
	q := NewJetStreamQueue(nil, nil)

	msg := newFakeMsg(t, "job-1", Payload{})
	msg.data = []byte("{not json")
	called := false
	q.handleMessage(context.Background(), "test", msg, func(_ context.Context, _ string, _ Payload) error {
		called = true
		return nil
	})

	_, _, terms, _ := msg.counts()
	assert.False(t, called)
	assert.Equal(t, 1, terms)
}

func TestHandleMessage_DelayedJobBouncesUntilDue(t *testing.T) {
	q := NewJetStreamQueue(nil, nil)

	msg := newFakeMsg(t, "job-1", Payload{Kind: KindScheduleFire, ScheduleID: "s1"})
	msg.headers.Set(deliverAtHeader, time.Now().Add(time.Hour).Format(time.RFC3339Nano))
	called := false
	q.handleMessage(context.Background(), "test", msg, func(_ context.Context, _ string, _ Payload) error {
		called = true
		return nil
	})

	acks, naks, _, _ := msg.counts()
	assert.False(t, called)
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)
	require.Len(t, msg.nakDelays, 1)
	assert.Greater(t, msg.nakDelays[0], 50*time.Minute)
}
