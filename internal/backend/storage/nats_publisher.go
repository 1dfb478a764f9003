package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type natsPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to a NATS server. Events go out as core NATS
// messages; consumers that need durability can bind a JetStream stream to
// the subject prefix on the server side.
func NewNATSPublisher(url string, log *slog.Logger) (Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("netpulse-backend"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		log.Error("failed to connect to NATS", "url", url, "error", err)
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected to NATS", "url", url)
	return &natsPublisher{nc: nc}, nil
}

func (p *natsPublisher) Publish(_ context.Context, subject string, data []byte) error {
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (p *natsPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
