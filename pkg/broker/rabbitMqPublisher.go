package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/telemetry"
)

type RabbitMQPublisherCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessagePublisher, error)

var NewRabbitMqPublisher RabbitMQPublisherCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessagePublisher, error) {
	session, err := openRabbitMqSession(settings, logger)
	if err != nil {
		return nil, err
	}
	return &rabbitMqPublisher{rabbitMqSession: session}, nil
}

type rabbitMqPublisher struct {
	*rabbitMqSession
	mu sync.Mutex
}

func (r *rabbitMqPublisher) Publish(ctx context.Context, msg *Message) error {
	fillDefaults(msg, r.settings)

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String(SystemName(config.BrokerRabbitMQ)),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(msg.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey),
			semconv.MessagingMessageIDKey.String(msg.MessageID),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Headers))

	amqpHeaders := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		amqpHeaders[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.declareExchange(msg.Exchange); err != nil {
		span.RecordError(err)
		return err
	}

	err := r.channel.Publish(
		msg.Exchange, msg.RoutingKey, false, false,
		amqp.Publishing{
			ContentType: msg.ContentType,
			Body:        msg.Body,
			Headers:     amqpHeaders,
			MessageId:   msg.MessageID,
			Timestamp:   msg.Timestamp,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)
	r.logger.Debug("message published",
		zap.String("exchange", msg.Exchange),
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageID),
	)

	return nil
}

// fillDefaults completes msg with the configured destination, a fresh id and
// the current time where the caller left them empty.
func fillDefaults(msg *Message, settings *config.BrokerSettings) {
	if msg.Exchange == "" {
		msg.Exchange = settings.Exchange
	}
	if msg.RoutingKey == "" {
		msg.RoutingKey = settings.RoutingKey
	}
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	if msg.ContentType == "" {
		msg.ContentType = "text/plain"
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
}
