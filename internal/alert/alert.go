// Package alert evaluates threshold rules against live session metrics
// and emits Triggered/Resolved events — the evaluation logic only; rule
// storage (SQLite) and delivery (webhooks, the HTTP dashboard) stay out
// of scope and are left to the external consumer of the event bus.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bonproxy/server/internal/events"
	"github.com/bonproxy/server/internal/logging"
	"github.com/bonproxy/server/internal/registry"
)

// Condition is a comparison operator applied to a metric value.
type Condition string

const (
	ConditionGreaterThan      Condition = "gt"
	ConditionLessThan         Condition = "lt"
	ConditionGreaterThanEqual Condition = "gte"
	ConditionLessThanEqual    Condition = "lte"
)

// Metric names the session-level quantity a Rule watches.
type Metric string

const (
	MetricDropRate     Metric = "drop_rate"
	MetricScrambleRate Metric = "scramble_rate"
	MetricErrorRate    Metric = "error_rate"
	MetricSignalLevel  Metric = "signal_level"
	MetricBitrate      Metric = "bitrate"
)

// Rule is one threshold condition evaluated against every live session on
// each tick.
type Rule struct {
	Name      string
	Metric    Metric
	Condition Condition
	Threshold float64
}

// activeKey identifies one (rule, session) pairing with a currently
// outstanding (unresolved) alert.
type activeKey struct {
	rule      string
	sessionID int64
}

// TriggeredEvent is published when a rule transitions from not-triggered
// to triggered for a session.
type TriggeredEvent struct {
	Rule      string  `json:"rule"`
	SessionID int64   `json:"session_id"`
	Metric    Metric  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// ResolvedEvent is published when a previously-triggered rule stops
// matching for a session.
type ResolvedEvent struct {
	Rule      string `json:"rule"`
	SessionID int64  `json:"session_id"`
}

// Manager periodically evaluates Rules against the session registry and
// publishes Triggered/Resolved events.
type Manager struct {
	rules      []Rule
	registry   *registry.Registry
	publisher  *events.Publisher
	logger     zerolog.Logger
	tickPeriod time.Duration

	mu     sync.Mutex
	active map[activeKey]struct{}
}

// New builds a Manager. rules are fixed for the Manager's lifetime — no
// database-backed reload, matching the in-process-only scope described in
// package doc.
func New(rules []Rule, reg *registry.Registry, publisher *events.Publisher, logger zerolog.Logger) *Manager {
	return &Manager{
		rules:      rules,
		registry:   reg,
		publisher:  publisher,
		logger:     logger.With().Str("component", "alert").Logger(),
		tickPeriod: 5 * time.Second,
		active:     make(map[activeKey]struct{}),
	}
}

// Run evaluates rules every tick period until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer logging.RecoverPanic(m.logger, "alert.manager", func(err error) {
		m.logger.Error().Err(err).Msg("alert manager recovered from panic")
	})

	ticker := time.NewTicker(m.tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkRules()
		}
	}
}

func (m *Manager) checkRules() {
	sessions := m.registry.GetAll()
	for _, rule := range m.rules {
		for _, session := range sessions {
			value, ok := metricValue(rule.Metric, session)
			if !ok {
				continue
			}
			triggered := evaluateCondition(rule.Condition, value, rule.Threshold)
			key := activeKey{rule: rule.Name, sessionID: session.ID}

			m.mu.Lock()
			_, wasActive := m.active[key]
			if triggered && !wasActive {
				m.active[key] = struct{}{}
				m.mu.Unlock()
				message := fmt.Sprintf("%s %s %.2f (value=%.2f)", rule.Metric, rule.Condition, rule.Threshold, value)
				m.logger.Info().Str("rule", rule.Name).Int64("session_id", session.ID).Msg("alert triggered")
				if m.publisher != nil {
					m.publisher.Publish(events.KindAlertTriggered, TriggeredEvent{
						Rule: rule.Name, SessionID: session.ID, Metric: rule.Metric,
						Value: value, Threshold: rule.Threshold, Message: message,
					})
				}
			} else if !triggered && wasActive {
				delete(m.active, key)
				m.mu.Unlock()
				m.logger.Debug().Str("rule", rule.Name).Int64("session_id", session.ID).Msg("alert resolved")
				if m.publisher != nil {
					m.publisher.Publish(events.KindAlertResolved, ResolvedEvent{Rule: rule.Name, SessionID: session.ID})
				}
			} else {
				m.mu.Unlock()
			}
		}
	}
}

func metricValue(metric Metric, session registry.SessionInfo) (float64, bool) {
	switch metric {
	case MetricDropRate:
		return ratePercent(session.PacketsDropped, session.PacketsTotal), true
	case MetricScrambleRate:
		return ratePercent(session.PacketsScrambled, session.PacketsTotal), true
	case MetricErrorRate:
		return ratePercent(session.PacketsError, session.PacketsTotal), true
	case MetricSignalLevel:
		return float64(session.SignalLevel), true
	case MetricBitrate:
		return session.CurrentBitrateMbps, true
	default:
		return 0, false
	}
}

func ratePercent(numerator, denominator uint64) float64 {
	if denominator == 0 {
		return 0
	}
	return (float64(numerator) / float64(denominator)) * 100
}

func evaluateCondition(cond Condition, value, threshold float64) bool {
	switch cond {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionGreaterThanEqual:
		return value >= threshold
	case ConditionLessThanEqual:
		return value <= threshold
	default:
		return false
	}
}
