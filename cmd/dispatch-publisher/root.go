package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/broker"
	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/logging"
)

var (
	newPublisher = broker.NewPublisher
	loadConfig   = config.Load
	newLogger    = logging.NewLogger
)

func newRootCmd() *cobra.Command {
	var (
		routingKey  string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "dispatch-publisher [flags] <body>...",
		Short: "Publish messages to the dispatch exchange",
		Long: `Publishes each argument, in order, as one message to the configured
exchange. Connection, exchange and routing key come from the same
environment variables as dispatch-listener; --routing-key overrides the
routing key for this invocation.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync()

			return publishAll(cmd.Context(), cfg, logger, args, routingKey, contentType)
		},
	}

	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "routing key to publish with (defaults to RabbitMq__RoutingKey)")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "content type of the published messages")

	return cmd
}

func publishAll(ctx context.Context, cfg *config.Settings, logger *zap.Logger, bodies []string, routingKey, contentType string) error {
	publisher, err := newPublisher(ctx, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	for i, body := range bodies {
		msg := &broker.Message{
			Body:        []byte(body),
			RoutingKey:  routingKey,
			ContentType: contentType,
		}
		if err := publisher.Publish(ctx, msg); err != nil {
			return fmt.Errorf("failed to publish message %d: %w", i+1, err)
		}
		logger.Info("published",
			zap.String("exchange", msg.Exchange),
			zap.String("routing_key", msg.RoutingKey),
			zap.String("message_id", msg.MessageID),
		)
	}
	return nil
}
