package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "OVERSEER_AUDIT"

// NATSSink publishes audit events to a JetStream subject so external
// collectors can consume the trail. The event type is appended to the
// subject, e.g. overseer.audit.firewall.verdict.
type NATSSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger
}

// ConnectNATS connects to NATS and ensures the audit stream exists.
func ConnectNATS(ctx context.Context, url, subject string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	logger.Info("nats audit sink connected", "url", url, "stream", streamName)
	return &NATSSink{
		nc:      nc,
		js:      js,
		subject: subject,
		logger:  logger.With("component", "audit.NATSSink"),
	}, nil
}

func (s *NATSSink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	subject := s.subject + "." + ev.Type
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the underlying connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
	}
}
