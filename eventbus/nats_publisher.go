package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/floorworks/forgefloor/core"
)

// NATSPublisher relays events to a NATS subject per channel, the external
// pub/sub collaborator spec.md §4.6 describes. Events are JSON-encoded; the
// subject is the same "workflow:{instance_id}:events" key used for local
// subscriptions, so a consumer that knows the instance id can subscribe on
// either transport with the same key.
type NATSPublisher struct {
	conn   *nats.Conn
	logger core.Logger
}

// NewNATSPublisher wraps an already-connected *nats.Conn.
func NewNATSPublisher(conn *nats.Conn, logger core.Logger) *NATSPublisher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for nats publish: %w", err)
	}
	if err := p.conn.Publish(channel, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", channel, err)
	}
	return nil
}

// NATSSubscriber relays a NATS subject's messages into the Event type, for
// processes that want to observe the bus over NATS rather than in-process
// Subscribe.
type NATSSubscriber struct {
	conn *nats.Conn
}

func NewNATSSubscriber(conn *nats.Conn) *NATSSubscriber {
	return &NATSSubscriber{conn: conn}
}

// Subscribe subscribes to instanceID's channel and decodes each message
// into an Event, delivering on the returned channel until unsubscribe is
// called.
func (s *NATSSubscriber) Subscribe(instanceID string) (<-chan Event, func(), error) {
	out := make(chan Event, 64)
	sub, err := s.conn.Subscribe(ChannelKey(instanceID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		select {
		case out <- ev:
		default:
		}
	})
	if err != nil {
		close(out)
		return nil, nil, fmt.Errorf("nats subscribe to %s: %w", ChannelKey(instanceID), err)
	}
	unsubscribe := func() {
		_ = sub.Unsubscribe()
		close(out)
	}
	return out, unsubscribe, nil
}
