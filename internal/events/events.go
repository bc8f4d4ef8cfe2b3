// Package events publishes best-effort session-lifecycle and
// quality-score notifications to an optional NATS subject, intended for
// the out-of-scope external dashboard to subscribe to. The core never
// depends on a broker being reachable: publishing degrades silently to a
// no-op when unconfigured or disconnected.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Kind identifies the event payload shape.
type Kind string

const (
	KindSessionOpened Kind = "session.opened"
	KindSessionClosed Kind = "session.closed"
	KindQualityUpdate Kind = "quality.update"
	KindAlertTriggered Kind = "alert.triggered"
	KindAlertResolved  Kind = "alert.resolved"
)

// Event is the envelope published to the events subject.
type Event struct {
	Kind      Kind        `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Publisher lazily connects to NATS and publishes Event envelopes as JSON.
// A zero-value Publisher (no URL configured) is a valid no-op publisher.
type Publisher struct {
	url    string
	topic  string
	logger zerolog.Logger
	conn   *nats.Conn
}

// New builds a Publisher. If url is empty, Publish is always a no-op and
// no connection is ever attempted.
func New(url, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		url:    url,
		topic:  topic,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Connect attempts to establish the NATS connection. Safe to call more
// than once; a failure here is logged, not returned, since the event bus
// is best-effort — the core never blocks on it.
func (p *Publisher) Connect() {
	if p.url == "" || p.conn != nil {
		return
	}
	conn, err := nats.Connect(p.url, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		p.logger.Warn().Err(err).Str("url", p.url).Msg("events bus unreachable, continuing without it")
		return
	}
	p.conn = conn
}

// Publish sends an event of the given kind and data. A no-op if the
// publisher was never configured with a URL or the connection is down.
func (p *Publisher) Publish(kind Kind, data interface{}) {
	if p.conn == nil {
		return
	}
	payload, err := json.Marshal(Event{Kind: kind, Timestamp: time.Now(), Data: data})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to marshal event")
		return
	}
	if err := p.conn.Publish(p.topic, payload); err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish event")
	}
}

// Close closes the connection, if one was established.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
