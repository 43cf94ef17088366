package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes payment events keyed by trade id so events for one
// trade stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	retry  config.RetryConfig
}

func NewKafkaPublisher(cfg config.Kafka) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.BrokerList()...),
			Topic:                  cfg.PaymentTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.PaymentTopic,
		retry: withRetryDefaults(cfg.GetRetryConfig()),
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error marshaling payment event: %w", err)
	}
	return p.publishWithRetry(ctx, kafka.Message{Key: []byte(event.TradeID), Value: data})
}

func (p *KafkaPublisher) publishWithRetry(ctx context.Context, msg kafka.Message) error {
	logger := log.With().Str("component", "kafka_publisher").Str("topic", p.topic).Logger()

	var lastErr error
	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			if attempt > 0 {
				logger.Info().Int("attempts", attempt+1).Msg("payment event published after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == p.retry.MaxAttempts-1 {
			break
		}

		delay := backoff(p.retry, attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.retry.MaxAttempts).
			Dur("delay", delay).
			Msg("retrying payment event publish")

		if !sleep(ctx, delay) {
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	return fmt.Errorf("failed to publish message to topic '%s' after %d attempts: %w",
		p.topic, p.retry.MaxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
