// Package mirror fans successfully appended ledger entries out to Kafka for
// downstream SIEM and analytics consumers. Mirroring is best-effort by design:
// the ledger's fatal-append contract covers the durable store only, and a full
// mirror queue drops entries rather than blocking compliance operations.
package mirror

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"custodia/internal/platform/kafka/producer"
	audit "custodia/pkg/platform/audit"
)

const defaultQueueDepth = 1024

// Worker consumes appended entries from an in-process queue and publishes them.
type Worker struct {
	producer *producer.Producer
	topic    string
	logger   *slog.Logger

	inbox  chan audit.Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the Worker.
type Option func(*Worker)

// WithTopic sets the Kafka topic for mirrored entries.
func WithTopic(topic string) Option {
	return func(w *Worker) { w.topic = topic }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithQueueDepth sets the inbox buffer size.
func WithQueueDepth(depth int) Option {
	return func(w *Worker) { w.inbox = make(chan audit.Entry, depth) }
}

// New creates a mirror worker publishing to the given producer.
func New(prod *producer.Producer, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		producer: prod,
		topic:    "custodia.audit.entries",
		inbox:    make(chan audit.Entry, defaultQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue hands an appended entry to the worker. Non-blocking: when the queue
// is full the entry is dropped and counted, never stalling the caller.
func (w *Worker) Enqueue(entry audit.Entry) {
	select {
	case w.inbox <- entry:
	default:
		if w.logger != nil {
			w.logger.Warn("audit mirror queue full, dropping entry",
				"entity", entry.EntityKey(),
				"action", entry.Action,
			)
		}
	}
}

// Start begins the publish loop in a background goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case entry := <-w.inbox:
			w.publish(w.ctx, entry)
		}
	}
}

func (w *Worker) publish(ctx context.Context, entry audit.Entry) {
	payload, err := json.Marshal(mirrorRecord(entry))
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to encode mirror entry", "error", err)
		}
		return
	}
	msg := &producer.Message{
		Topic: w.topic,
		// Entity key keeps one entity's entries in one partition, preserving
		// chain order for consumers.
		Key:   []byte(entry.EntityKey()),
		Value: payload,
		Headers: map[string]string{
			"entity_type": entry.EntityType,
			"action":      entry.Action,
			"category":    string(entry.Category),
		},
	}
	if err := w.producer.Produce(ctx, msg); err != nil {
		if w.logger != nil {
			w.logger.Error("failed to publish mirror entry",
				"entity", entry.EntityKey(),
				"action", entry.Action,
				"error", err,
			)
		}
	}
}

// drain publishes remaining queued entries during shutdown.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case entry := <-w.inbox:
			w.publish(ctx, entry)
		default:
			return
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mirrorRecord(e audit.Entry) map[string]any {
	rec := map[string]any{
		"id":          e.ID.String(),
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"action":      e.Action,
		"severity":    string(e.Severity),
		"category":    string(e.Category),
		"timestamp":   e.Timestamp.UTC(),
		"checksum":    e.Checksum,
	}
	if e.ActorID != nil {
		rec["actor_id"] = e.ActorID.String()
	}
	if e.CorrelationID != "" {
		rec["correlation_id"] = e.CorrelationID
	}
	if len(e.Details) > 0 {
		rec["details"] = e.Details
	}
	return rec
}
