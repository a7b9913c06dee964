package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/config"
)

const exchangeKind = "direct"

// amqpChannel is the subset of *amqp.Channel used here.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpConnection is the subset of *amqp.Connection used here.
type amqpConnection interface {
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// dialAMQP opens a connection and a single channel on it.
var dialAMQP = func(url string) (amqpConnection, amqpChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// rabbitMqSession holds the one connection and one channel a process uses.
// There is no reconnect: a dropped connection is logged and the channel
// returned by Consume is closed by the library.
type rabbitMqSession struct {
	connection amqpConnection
	channel    amqpChannel
	settings   *config.BrokerSettings
	logger     *zap.Logger
	closeOnce  sync.Once
}

func openRabbitMqSession(settings *config.BrokerSettings, logger *zap.Logger) (*rabbitMqSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, ch, err := dialAMQP(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			logger.Warn("RabbitMQ connection closed", zap.Error(err))
		}
	}()

	logger.Debug("RabbitMQ connection and channel opened")
	return &rabbitMqSession{
		connection: conn,
		channel:    ch,
		settings:   settings,
		logger:     logger,
	}, nil
}

// declareExchange is idempotent and has no effect if the exchange is already
// in place with the same arguments.
func (r *rabbitMqSession) declareExchange(name string) error {
	err := r.channel.ExchangeDeclare(
		name,         // name
		exchangeKind, // type
		false,        // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", name, err)
	}
	return nil
}

func (r *rabbitMqSession) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = errors.Join(r.channel.Close(), r.connection.Close())
	})
	return err
}

type RabbitMQConsumerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageConsumer, error)

var NewRabbitMqConsumer RabbitMQConsumerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageConsumer, error) {
	session, err := openRabbitMqSession(settings, logger)
	if err != nil {
		return nil, err
	}
	return &rabbitMqConsumer{rabbitMqSession: session}, nil
}

type rabbitMqConsumer struct {
	*rabbitMqSession
	subscriptionEnd
}

func (r *rabbitMqConsumer) Setup(ctx context.Context) error {
	if err := r.declareExchange(r.settings.Exchange); err != nil {
		return err
	}

	queue, err := r.channel.QueueDeclare(
		r.settings.RoutingKey, // name
		false,                 // durable
		false,                 // delete when unused
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", r.settings.RoutingKey, err)
	}

	err = r.channel.QueueBind(
		queue.Name,            // queue
		r.settings.RoutingKey, // binding key
		r.settings.Exchange,   // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %q to exchange %q: %w", queue.Name, r.settings.Exchange, err)
	}

	r.logger.Info("RabbitMQ topology declared",
		zap.String("exchange", r.settings.Exchange),
		zap.String("queue", queue.Name),
		zap.String("routing_key", r.settings.RoutingKey),
	)
	return nil
}

func (r *rabbitMqConsumer) Consume(ctx context.Context) (<-chan Message, error) {
	deliveries, err := r.channel.Consume(
		r.settings.RoutingKey, // queue
		"",                    // consumer tag
		true,                  // auto-ack
		false,                 // exclusive
		false,                 // no-local
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %q: %w", r.settings.RoutingKey, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					// A cancelled consumer or a dropped connection; only the
					// latter is a fault.
					if ctx.Err() == nil {
						r.logger.Error("RabbitMQ delivery channel closed")
						r.end(ErrSubscriptionEnded)
					}
					return
				}
				select {
				case out <- messageFromDelivery(d):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func messageFromDelivery(d amqp.Delivery) Message {
	return Message{
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Headers:     headersFromTable(d.Headers),
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
	}
}

func headersFromTable(table amqp.Table) map[string]string {
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
