package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/floorworks/forgefloor/core"
)

// Config configures a Bus.
type Config struct {
	// LogCapacity bounds the durable in-process log per instance; oldest
	// events are dropped once exceeded (the log exists for replay/late
	// subscribers, not as an audit trail of unbounded size).
	LogCapacity int

	// SubscriberBuffer sizes each subscriber's delivery channel.
	SubscriberBuffer int

	Logger core.Logger

	// Publisher, if set, additionally receives every published event for
	// relay to an external pub/sub transport (e.g. NATSPublisher). Publish
	// failures here are logged, never returned to the caller: publish is
	// non-blocking from the engine's perspective per spec.md §4.6.
	Publisher Publisher
}

// Option configures a Bus via functional options, following the teacher's
// With*-option convention used throughout core/resilience/ai.
type Option func(*Config)

func WithLogCapacity(n int) Option        { return func(c *Config) { c.LogCapacity = n } }
func WithSubscriberBuffer(n int) Option   { return func(c *Config) { c.SubscriberBuffer = n } }
func WithBusLogger(l core.Logger) Option  { return func(c *Config) { c.Logger = l } }
func WithPublisher(p Publisher) Option    { return func(c *Config) { c.Publisher = p } }

func defaultConfig() Config {
	return Config{
		LogCapacity:      1000,
		SubscriberBuffer: 64,
	}
}

// Publisher relays events to an external pub/sub system, the collaborator
// spec.md §4.6 calls "a durable in-process log and (b) a pub/sub channel".
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// subscription is one live consumer of an instance's event channel.
type subscription struct {
	ch     chan Event
	closed bool
}

// instanceLog holds the durable bounded log and live subscribers for one
// instance's channel.
type instanceLog struct {
	mu     sync.Mutex
	events []Event
	subs   map[int]*subscription
	nextID int
}

// Bus is the process-wide singleton event bus: durable in-process log +
// live subscriber fanout + optional external pub/sub relay, per spec.md
// §9 ("EventBus (owns subscriber fanout)").
type Bus struct {
	cfg Config

	mu  sync.RWMutex
	log map[string]*instanceLog // keyed by instance id
}

// New creates a Bus with the given options.
func New(opts ...Option) *Bus {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	return &Bus{cfg: cfg, log: make(map[string]*instanceLog)}
}

func (b *Bus) logFor(instanceID string) *instanceLog {
	b.mu.RLock()
	l, ok := b.log[instanceID]
	b.mu.RUnlock()
	if ok {
		return l
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok = b.log[instanceID]; ok {
		return l
	}
	l = &instanceLog{subs: make(map[int]*subscription)}
	b.log[instanceID] = l
	return l
}

// Publish appends event to the instance's durable log, fans it out to live
// subscribers in emission order, and relays it to the external Publisher if
// configured. It never blocks on a slow subscriber (full subscriber buffers
// drop the event for that subscriber rather than stall the engine) and
// never returns an error to the caller: failures are logged, matching
// spec.md §4.6 "delivery failures to pub/sub are logged but do not fail the
// engine transition".
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l := b.logFor(event.InstanceID)

	l.mu.Lock()
	l.events = append(l.events, event)
	if cap := b.cfg.LogCapacity; cap > 0 && len(l.events) > cap {
		l.events = l.events[len(l.events)-cap:]
	}
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			b.cfg.Logger.Warn("subscriber buffer full, dropping event", map[string]interface{}{
				"operation":   "eventbus_drop",
				"instance_id": event.InstanceID,
				"event_type":  string(event.EventType),
			})
		}
	}

	if b.cfg.Publisher != nil {
		channel := ChannelKey(event.InstanceID)
		if err := b.cfg.Publisher.Publish(ctx, channel, event); err != nil {
			b.cfg.Logger.Warn("external pub/sub relay failed", map[string]interface{}{
				"operation":   "eventbus_relay_failed",
				"instance_id": event.InstanceID,
				"channel":     channel,
				"error":       err.Error(),
			})
		}
	}
}

// Subscribe returns a channel delivering all subsequent events for
// instanceID, plus an unsubscribe func. Subscribers receive events in
// emission order for the lifetime of the subscription. Delivery is not
// guaranteed: when a subscriber's buffer is full, Publish drops the event
// for that subscriber, and it is not redelivered (it stays in History).
func (b *Bus) Subscribe(instanceID string) (<-chan Event, func()) {
	l := b.logFor(instanceID)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	sub := &subscription{ch: make(chan Event, maxInt(b.cfg.SubscriberBuffer, 1))}
	l.subs[id] = sub
	l.mu.Unlock()

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if s, ok := l.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(l.subs, id)
		}
	}
	return sub.ch, unsubscribe
}

// History returns the durable log for an instance, oldest first. Used by
// `forgefloorctl replay`; resume does not read it.
func (b *Bus) History(instanceID string) []Event {
	l := b.logFor(instanceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
