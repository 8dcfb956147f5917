package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"custodia/internal/platform/kafka/producer"
)

const intentTopic = "custodia.notification.intents"

// KafkaSink publishes intents to the notification topic for the delivery
// service to pick up.
type KafkaSink struct {
	producer *producer.Producer
	logger   *slog.Logger
}

func NewKafkaSink(p *producer.Producer, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{producer: p, logger: logger}
}

// Send publishes the intent. Raw tokens ride inside the payload; the topic
// must be access-restricted the same way the mail spool would be.
func (s *KafkaSink) Send(ctx context.Context, intent Intent) {
	payload, err := json.Marshal(intent)
	if err != nil {
		s.warn(ctx, "failed to encode notification intent", err, intent)
		return
	}
	err = s.producer.Produce(ctx, &producer.Message{
		Topic: intentTopic,
		Key:   []byte(intent.Recipient),
		Value: payload,
	})
	if err != nil {
		s.warn(ctx, "failed to publish notification intent", err, intent)
	}
}

func (s *KafkaSink) warn(ctx context.Context, msg string, err error, intent Intent) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, msg,
		"error", err,
		"kind", intent.Kind,
		"entity_id", intent.EntityID,
	)
}
