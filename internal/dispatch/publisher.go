package dispatch

import (
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/solwatch/tokenstream/internal/logger"
	"github.com/solwatch/tokenstream/internal/token"
)

// Publisher mirrors every enriched token onto a NATS subject so other
// instances and offline consumers can tap the firehose without a websocket
// session.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *logger.Logger
}

// NewPublisher returns nil when no NATS connection is configured; the hub
// treats a nil publisher as disabled.
func NewPublisher(nc *nats.Conn, subject string, log *logger.Logger) *Publisher {
	if nc == nil {
		return nil
	}
	return &Publisher{
		nc:      nc,
		subject: subject,
		logger:  log.WithComponent("publisher"),
	}
}

// Publish sends the token as JSON. Publish failures are logged, never
// propagated; the websocket fan-out does not depend on NATS health.
func (p *Publisher) Publish(tok token.EnrichedToken) {
	payload, err := json.Marshal(tok)
	if err != nil {
		p.logger.Error("failed to marshal token", slog.String("error", err.Error()))
		return
	}
	if err := p.nc.Publish(p.subject, payload); err != nil {
		p.logger.Warn("failed to publish token",
			slog.String("subject", p.subject),
			slog.String("error", err.Error()))
	}
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("failed to drain nats connection", slog.String("error", err.Error()))
	}
}
