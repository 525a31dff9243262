package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	streamName   = "EVENTS"
	streamMaxAge = 72 * time.Hour
)

// NATSPublisher publishes events to a JetStream stream.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewNATSPublisher(ctx context.Context, url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("pairbooth"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
	})
	if err != nil {
		// The stream may be managed elsewhere; publishing still works if it exists.
		logger.Warn("ensure events stream", zap.String("stream", streamName), zap.Error(err))
	}
	return &NATSPublisher{nc: nc, js: js}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := e.encode()
	if err != nil {
		return err
	}
	if _, err := p.js.Publish(ctx, e.Subject(), data, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", e.Subject(), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// NewPublisher connects to NATS when url is set, otherwise events are dropped.
func NewPublisher(ctx context.Context, url string, logger *zap.Logger) (Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return Nop{}, nil
	}
	return NewNATSPublisher(ctx, url, logger)
}
