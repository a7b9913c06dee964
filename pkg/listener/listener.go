package listener

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/broker"
	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/telemetry"
)

// Banner is written once the topology is in place, before the first message.
const Banner = "Waiting for events..."

// Listener prints the body of every message routed to its queue, one line per
// message, in delivery order.
type Listener struct {
	consumer broker.MessageConsumer
	out      *bufio.Writer
	logger   *zap.Logger
	tracer   trace.Tracer
	system   string
}

// NewListener creates a Listener writing to out. brokerType is the configured
// broker type and selects the messaging attributes on spans.
func NewListener(consumer broker.MessageConsumer, out io.Writer, brokerType string, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		consumer: consumer,
		out:      bufio.NewWriter(out),
		logger:   logger,
		tracer:   otel.Tracer(telemetry.TracerName),
		system:   broker.SystemName(brokerType),
	}
}

// Run declares the topology, prints the banner and blocks handling messages
// until ctx is done or the broker ends the subscription. It returns nil only
// when ctx is done; setup failures, output errors and a subscription ended by
// the broker are returned as errors.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.consumer.Setup(ctx); err != nil {
		return fmt.Errorf("failed to set up broker topology: %w", err)
	}

	if err := l.writeLine(Banner); err != nil {
		return err
	}

	msgs, err := l.consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for msg := range msgs {
		if err := l.handle(ctx, msg); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		l.logger.Info("listener stopped")
		return nil
	}

	err = l.consumer.Err()
	if err == nil {
		err = broker.ErrSubscriptionEnded
	}
	return fmt.Errorf("stopped consuming: %w", err)
}

func (l *Listener) handle(ctx context.Context, msg broker.Message) error {
	// Continue the producer's trace when it propagated one.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	attrs := []attribute.KeyValue{
		semconv.MessagingSystemKey.String(l.system),
		semconv.MessagingDestinationKey.String(msg.Exchange),
		semconv.MessagingMessageIDKey.String(msg.MessageID),
		semconv.MessagingOperationKey.String("process"),
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	}
	if l.system == broker.SystemName(config.BrokerRabbitMQ) {
		attrs = append(attrs, semconv.MessagingRabbitmqRoutingKeyKey.String(msg.RoutingKey))
	}
	_, span := l.tracer.Start(ctx, "Process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	text := decodeBody(msg.Body)
	if !utf8.Valid(msg.Body) {
		l.logger.Warn("message body is not valid UTF-8, invalid bytes replaced",
			zap.String("message_id", msg.MessageID),
			zap.Int("size", len(msg.Body)),
		)
	}

	if err := l.writeLine(text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// writeLine writes s and a newline, flushing so each line is visible as soon
// as the message arrives.
func (l *Listener) writeLine(s string) error {
	if _, err := l.out.WriteString(s); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := l.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := l.out.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return nil
}
