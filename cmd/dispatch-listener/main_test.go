package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoff-tech/dispatch-listener/pkg/broker"
	"github.com/zoff-tech/dispatch-listener/pkg/config"
	"github.com/zoff-tech/dispatch-listener/pkg/listener"
)

// fakeConsumer keeps its channel open until ctx is done, or closes it right
// away when dropped is set.
type fakeConsumer struct {
	dropped bool
	closed  bool
}

func (f *fakeConsumer) Setup(ctx context.Context) error { return nil }
func (f *fakeConsumer) Consume(ctx context.Context) (<-chan broker.Message, error) {
	out := make(chan broker.Message)
	go func() {
		defer close(out)
		if f.dropped {
			return
		}
		<-ctx.Done()
	}()
	return out, nil
}
func (f *fakeConsumer) Err() error {
	if f.dropped {
		return broker.ErrSubscriptionEnded
	}
	return nil
}
func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

func stubConsumer(t *testing.T, consumer broker.MessageConsumer, err error) {
	t.Helper()
	orig := broker.NewRabbitMqConsumer
	broker.NewRabbitMqConsumer = func(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (broker.MessageConsumer, error) {
		if err != nil {
			return nil, err
		}
		return consumer, nil
	}
	t.Cleanup(func() { broker.NewRabbitMqConsumer = orig })
}

func testConfig() *config.Settings {
	return &config.Settings{Broker: config.BrokerSettings{
		Type:       config.BrokerRabbitMQ,
		URL:        config.DefaultConnectionString,
		Exchange:   config.DefaultExchange,
		RoutingKey: config.DefaultRoutingKey,
	}}
}

func TestRun_StartupFailure(t *testing.T) {
	stubConsumer(t, nil, errors.New("failed to connect to RabbitMQ: connection refused"))

	var out bytes.Buffer
	err := run(context.Background(), testConfig(), zap.NewNop(), &out)
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, out.String())
}

func TestRun_CancelledIsClean(t *testing.T) {
	consumer := &fakeConsumer{}
	stubConsumer(t, consumer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(), zap.NewNop(), &out) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, listener.Banner+"\n", out.String())
	assert.True(t, consumer.closed)
}

func TestRun_BrokerDropFails(t *testing.T) {
	consumer := &fakeConsumer{dropped: true}
	stubConsumer(t, consumer, nil)

	var out bytes.Buffer
	err := run(context.Background(), testConfig(), zap.NewNop(), &out)
	assert.ErrorIs(t, err, broker.ErrSubscriptionEnded)
	assert.True(t, consumer.closed)
}

func TestSignalContext_CancelledOnSIGTERM(t *testing.T) {
	ctx, stop := signalContext()
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled by SIGTERM")
	}
}
