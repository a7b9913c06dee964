package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/broker"
	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/listener"
	"github.com/zoff-tech/dispatch-listener/pkg/logging"
	"github.com/zoff-tech/dispatch-listener/pkg/telemetry"
)

func main() {
	// Load configuration from file or environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("listener failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// run returns nil only when ctx is cancelled; any other return is a failure
// and main exits 1.
func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger, out io.Writer) error {
	// Tracing is opt-in: only when a collector endpoint is configured
	if cfg.Observability.TracingURL != "" {
		shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
		if err != nil {
			return err
		}
		defer shutdownTelemetry()
	}

	consumer, err := broker.NewConsumer(ctx, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	logger.Info("starting listener",
		zap.String("broker", cfg.Broker.Type),
		zap.String("exchange", cfg.Broker.Exchange),
		zap.String("routing_key", cfg.Broker.RoutingKey),
	)

	// Run blocks until a signal arrives or the broker ends the subscription
	return listener.NewListener(consumer, out, cfg.Broker.Type, logger).Run(ctx)
}
