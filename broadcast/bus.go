package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultBufferSize is the per-subscriber event buffer.
	DefaultBufferSize = 64

	// DefaultEvictAfter is how long a subscriber's buffer may stay full
	// before the subscriber is dropped. The publisher never blocks.
	DefaultEvictAfter = time.Second
)

// originHeader carries the publishing bus id so bridged replicas can skip
// their own events.
const originHeader = "Pipelit-Origin"

// Subscriber receives events for one channel until evicted or unsubscribed.
type Subscriber struct {
	channel string
	events  chan Event

	mu           sync.Mutex
	blockedSince time.Time
	closed       bool
}

// Events is the receive side of the subscription. It is closed on eviction
// and on Unsubscribe.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Channel returns the subscribed channel name.
func (s *Subscriber) Channel() string {
	return s.channel
}

// offer attempts a non-blocking delivery and reports whether the subscriber
// should be evicted for being stuck past the threshold.
func (s *Subscriber) offer(ev Event, evictAfter time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		s.blockedSince = time.Time{}
		return false
	default:
	}
	if s.blockedSince.IsZero() {
		s.blockedSince = time.Now()
		return false
	}
	return time.Since(s.blockedSince) > evictAfter
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Bus fans events out to per-channel subscribers. Delivery order within one
// channel is publish order. Safe for concurrent use.
type Bus struct {
	id         string
	bufferSize int
	evictAfter time.Duration
	logger     *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]*Subscriber

	nc  *nats.Conn
	sub *nats.Subscription
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) { b.bufferSize = n }
}

// WithEvictAfter overrides the slow-subscriber threshold.
func WithEvictAfter(d time.Duration) BusOption {
	return func(b *Bus) { b.evictAfter = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// NewBus creates an in-process event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		id:          uuid.NewString(),
		bufferSize:  DefaultBufferSize,
		evictAfter:  DefaultEvictAfter,
		logger:      slog.Default(),
		subscribers: make(map[string][]*Subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber on a channel.
func (b *Bus) Subscribe(channel string) *Subscriber {
	sub := &Subscriber{
		channel: channel,
		events:  make(chan Event, b.bufferSize),
	}
	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its event channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
	sub.close()
}

// Publish delivers an event to every local subscriber of its channel and,
// when bridged, to the other process replicas. Publishing never blocks;
// subscribers stuck past the eviction threshold are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, len(b.subscribers[ev.Channel]))
	copy(subs, b.subscribers[ev.Channel])
	b.mu.RUnlock()

	var evicted []*Subscriber
	for _, sub := range subs {
		if sub.offer(ev, b.evictAfter) {
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		b.logger.Warn("Evicting slow broadcast subscriber", "channel", ev.Channel)
		b.Unsubscribe(sub)
	}

	if b.nc != nil {
		b.publishRemote(ev)
	}
}

// Bridge connects the bus to the cross-replica fabric. Events published on
// any replica reach local subscribers of every replica exactly once.
func (b *Bus) Bridge(nc *nats.Conn) error {
	sub, err := nc.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		if m.Header.Get(originHeader) == b.id {
			return
		}
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			b.logger.Warn("Dropping malformed bridged event", "subject", m.Subject, "error", err)
			return
		}
		if ev.Channel == "" {
			ev.Channel = ChannelFromSubject(m.Subject)
		}
		b.deliverLocal(ev)
	})
	if err != nil {
		return err
	}
	b.nc = nc
	b.sub = sub
	return nil
}

// Close detaches the bridge and closes every subscriber.
func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
		b.sub = nil
	}
	b.mu.Lock()
	all := b.subscribers
	b.subscribers = make(map[string][]*Subscriber)
	b.mu.Unlock()
	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
}

// deliverLocal fans out without re-publishing to the bridge.
func (b *Bus) deliverLocal(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, len(b.subscribers[ev.Channel]))
	copy(subs, b.subscribers[ev.Channel])
	b.mu.RUnlock()

	var evicted []*Subscriber
	for _, sub := range subs {
		if sub.offer(ev, b.evictAfter) {
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		b.Unsubscribe(sub)
	}
}

func (b *Bus) publishRemote(ev Event) {
	data, err := ev.Encode()
	if err != nil {
		b.logger.Error("Failed to encode event for bridge", "type", ev.Type, "error", err)
		return
	}
	msg := nats.NewMsg(SubjectFor(ev.Channel))
	msg.Header.Set(originHeader, b.id)
	msg.Data = data
	if err := b.nc.PublishMsg(msg); err != nil {
		b.logger.Warn("Failed to bridge event", "channel", ev.Channel, "error", err)
	}
}

func (b *Bus) removeLocked(sub *Subscriber) {
	subs := b.subscribers[sub.channel]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[sub.channel]) == 0 {
		delete(b.subscribers, sub.channel)
	}
}
