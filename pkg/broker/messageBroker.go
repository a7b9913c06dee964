package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoff-tech/dispatch-listener/pkg/config"
)

// ErrSubscriptionEnded reports that the broker closed the subscription while
// the consumer was still running.
var ErrSubscriptionEnded = errors.New("subscription ended by broker")

// Message is a single delivery as seen by the listener. It is transient:
// nothing keeps it once it has been handled.
type Message struct {
	Body        []byte
	Exchange    string
	RoutingKey  string
	Headers     map[string]string
	ContentType string
	MessageID   string
	Timestamp   time.Time
}

// MessageConsumer receives messages routed to the configured routing key.
type MessageConsumer interface {
	// Setup declares the exchange, the queue named after the routing key and
	// the binding between them. It is idempotent.
	Setup(ctx context.Context) error
	// Consume starts an auto-acknowledged subscription. Messages arrive on the
	// returned channel one at a time in broker delivery order; the channel is
	// closed when ctx is done or the broker ends the subscription.
	Consume(ctx context.Context) (<-chan Message, error)
	// Err returns why the channel from Consume was closed: nil when ctx was
	// done, otherwise the broker fault. It is meaningful once the channel is
	// closed.
	Err() error
	// Close cleans up any resources (connections).
	Close() error
}

// MessagePublisher defines the operations to publish messages to a broker.
type MessagePublisher interface {
	// Publish sends msg. Empty Exchange and RoutingKey fall back to the
	// configured ones.
	Publish(ctx context.Context, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// subscriptionEnd records why a consumer closed its message channel. It is set
// before the channel is closed.
type subscriptionEnd struct {
	mu  sync.Mutex
	err error
}

func (s *subscriptionEnd) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *subscriptionEnd) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SystemName maps a configured broker type to the messaging.system value used
// on spans.
func SystemName(brokerType string) string {
	switch brokerType {
	case config.BrokerPubSub:
		return "pubsub"
	default:
		return brokerType
	}
}
