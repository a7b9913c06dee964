package broker

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/telemetry"
)

// On Pub/Sub the exchange is a topic and the routing key travels as this
// message attribute. The subscription named after the routing key filters on
// it, which gives the same delivery scoping as a direct-exchange binding.
const routingKeyAttribute = "routing_key"

type PubSubConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageConsumer, error)

type PubSubPublisherCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessagePublisher, error)

var NewPubSubConsumer PubSubConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageConsumer, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pubSubConsumer{client: client, settings: settings, logger: logger}, nil
}

var NewPubSubPublisher PubSubPublisherCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessagePublisher, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Pub/Sub: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &pubSubPublisher{
		client:   client,
		settings: settings,
		logger:   logger,
		topics:   make(map[string]*pubsub.Topic),
	}, nil
}

type pubSubConsumer struct {
	client   *pubsub.Client
	settings *config.BrokerSettings
	logger   *zap.Logger
	subscriptionEnd
}

func (p *pubSubConsumer) Setup(ctx context.Context) error {
	topic, err := ensureTopic(ctx, p.client, p.settings.Exchange)
	if err != nil {
		return err
	}

	id := p.settings.RoutingKey
	sub := p.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to look up subscription %q: %w", id, err)
	}
	if !exists {
		_, err = p.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
			Topic:                 topic,
			Filter:                routingKeyFilter(p.settings.RoutingKey),
			EnableMessageOrdering: true,
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("failed to create subscription %q: %w", id, err)
		}
	}

	p.logger.Info("Pub/Sub topology declared",
		zap.String("topic", p.settings.Exchange),
		zap.String("subscription", id),
		zap.String("routing_key", p.settings.RoutingKey),
	)
	return nil
}

func (p *pubSubConsumer) Consume(ctx context.Context) (<-chan Message, error) {
	sub := p.client.Subscription(p.settings.RoutingKey)
	// One callback at a time keeps delivery order.
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	out := make(chan Message)
	go func() {
		defer close(out)
		err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
			// Ack only once the message is handed over: the outstanding slot
			// stays taken until then, so the next callback cannot overtake it
			// even for messages published without an ordering key.
			select {
			case out <- p.messageFromPubSub(m):
				m.Ack()
			case <-ctx.Done():
				m.Nack()
			}
		})
		switch {
		case err != nil:
			p.logger.Error("Pub/Sub receive stopped", zap.Error(err))
			p.end(fmt.Errorf("pubsub receive on %q: %w", p.settings.RoutingKey, err))
		case ctx.Err() == nil:
			p.logger.Error("Pub/Sub receive stopped")
			p.end(ErrSubscriptionEnded)
		}
	}()

	return out, nil
}

func (p *pubSubConsumer) messageFromPubSub(m *pubsub.Message) Message {
	headers := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		headers[k] = v
	}
	return Message{
		Body:       m.Data,
		Exchange:   p.settings.Exchange,
		RoutingKey: m.Attributes[routingKeyAttribute],
		Headers:    headers,
		MessageID:  m.ID,
		Timestamp:  m.PublishTime,
	}
}

func (p *pubSubConsumer) Close() error {
	return p.client.Close()
}

type pubSubPublisher struct {
	client   *pubsub.Client
	settings *config.BrokerSettings
	logger   *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubPublisher) Publish(ctx context.Context, msg *Message) error {
	fillDefaults(msg, p.settings)

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String(SystemName(config.BrokerPubSub)),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Exchange),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := make(map[string]string, len(msg.Headers)+1)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	// Merge headers into attributes
	for key, value := range msg.Headers {
		attributes[key] = value
	}
	attributes[routingKeyAttribute] = msg.RoutingKey

	topic, err := p.topic(ctx, msg.Exchange)
	if err != nil {
		span.RecordError(err)
		return err
	}

	res := topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Body,
		Attributes:  attributes,
		OrderingKey: msg.RoutingKey,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (p *pubSubPublisher) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[id]; ok {
		return t, nil
	}
	t, err := ensureTopic(ctx, p.client, id)
	if err != nil {
		return nil, err
	}
	t.EnableMessageOrdering = true
	p.topics[id] = t
	return t, nil
}

func (p *pubSubPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.topics {
		t.Stop()
	}
	return p.client.Close()
}

// ensureTopic returns the topic with the given id, creating it when absent.
func ensureTopic(ctx context.Context, client *pubsub.Client, id string) (*pubsub.Topic, error) {
	topic := client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up topic %q: %w", id, err)
	}
	if exists {
		return topic, nil
	}

	created, err := client.CreateTopic(ctx, id)
	if status.Code(err) == codes.AlreadyExists {
		return topic, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %q: %w", id, err)
	}
	return created, nil
}

func routingKeyFilter(routingKey string) string {
	return fmt.Sprintf("attributes.%s = %q", routingKeyAttribute, routingKey)
}
