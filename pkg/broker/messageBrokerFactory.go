package broker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/config"
)

var errNoProject = errors.New("pubsub project id is required")

// NewConsumer returns the consumer for cfg.Type.
func NewConsumer(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessageConsumer, error) {
	switch cfg.Type {
	case config.BrokerRabbitMQ:
		return NewRabbitMqConsumer(ctx, cfg, logger)
	case config.BrokerPubSub:
		if cfg.ProjectID == "" {
			return nil, errNoProject
		}
		return NewPubSubConsumer(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewPublisher returns the publisher for cfg.Type.
func NewPublisher(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessagePublisher, error) {
	switch cfg.Type {
	case config.BrokerRabbitMQ:
		return NewRabbitMqPublisher(ctx, cfg, logger)
	case config.BrokerPubSub:
		if cfg.ProjectID == "" {
			return nil, errNoProject
		}
		return NewPubSubPublisher(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
