// Package notify carries "send this message" intents out of the workflow
// engine. Actual delivery is external; the engine only records that a
// notification should happen and moves on. Delivery failures never fail the
// operation that raised the intent.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Intent kinds.
const (
	KindConsentFirstVerification  = "consent_first_verification"
	KindConsentSecondVerification = "consent_second_verification"
	KindRequestVerification       = "request_verification"
	KindRetentionNotice           = "retention_notice"
)

// Intent is a single outbound notification the platform should deliver.
// Token carries the raw verification token when the intent asks the
// recipient to verify something; it appears nowhere else in the system.
type Intent struct {
	Kind      string         `json:"kind"`
	Recipient string         `json:"recipient"`
	Token     string         `json:"token,omitempty"`
	EntityID  string         `json:"entity_id"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink accepts intents for delivery.
type Sink interface {
	Send(ctx context.Context, intent Intent)
}

// LogSink records intents to the log instead of delivering them. Used in
// tests and local runs without a broker.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, intent Intent) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, "notification intent",
		"kind", intent.Kind,
		"recipient", intent.Recipient,
		"entity_id", intent.EntityID,
	)
}

// CaptureSink retains intents in memory for test assertions.
type CaptureSink struct {
	mu      sync.Mutex
	intents []Intent
}

func (s *CaptureSink) Send(_ context.Context, intent Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, intent)
}

// Sent returns a copy of the captured intents in arrival order.
func (s *CaptureSink) Sent() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Intent(nil), s.intents...)
}
