package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"nova-ledger/internal/core/domain"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// subjectPrefix namespaces all audit events on the bus.
const subjectPrefix = "nova.events."

// Connect establishes a NATS connection with sane reconnect behavior.
func Connect(url string, log zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	log.Info().Str("url", url).Msg("NATS connection established")
	return nc, nil
}

// Publisher implements ports.EventSink over NATS.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewPublisher creates a NATS-backed event sink.
func NewPublisher(conn *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, log: log}
}

// Publish sends one audit event to `nova.events.<type>`.
func (p *Publisher) Publish(_ context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subjectPrefix+string(event.Type), data); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Type, err)
	}
	return nil
}

// LogSink is the fallback ports.EventSink when no bus is configured: events
// are written to the structured log only.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a logger-only event sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// Publish writes the event to the log.
func (s *LogSink) Publish(_ context.Context, event *domain.Event) error {
	s.log.Info().
		Str("event_type", string(event.Type)).
		Str("resource_id", event.ResourceID).
		Interface("detail", event.Detail).
		Msg("audit event")
	return nil
}
