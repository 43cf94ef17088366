package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ksred/klear-escrow/internal/config"
	"github.com/rs/zerolog/log"
	kafka "github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSubscriber feeds payment events to a handler. Offsets are committed
// only once the handler succeeded or the message was dead-lettered.
type KafkaSubscriber struct {
	reader messageReader
	dlq    messageWriter
	retry  config.RetryConfig
}

func NewKafkaSubscriber(cfg config.Kafka) *KafkaSubscriber {
	return &KafkaSubscriber{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.BrokerList(),
			GroupID:  cfg.ConsumerGroup,
			Topic:    cfg.PaymentTopic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		dlq: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.BrokerList()...),
			Topic:                  TopicPaymentStatusDLQ,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		retry: withRetryDefaults(cfg.GetRetryConfig()),
	}
}

// Listen blocks until ctx is cancelled.
func (s *KafkaSubscriber) Listen(ctx context.Context, handler Handler) {
	logger := log.With().Str("component", "kafka_subscriber").Logger()
	logger.Info().Msg("starting payment event subscriber")

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				logger.Info().Msg("shutting down payment event subscriber")
				return
			}
			logger.Error().Err(err).Msg("failed to fetch payment event")
			if !sleep(ctx, s.retry.BaseDelay) {
				return
			}
			continue
		}

		if !s.process(ctx, msg, handler) {
			return
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit payment event")
		}
	}
}

// process returns false only when ctx was cancelled mid-retry.
func (s *KafkaSubscriber) process(ctx context.Context, msg kafka.Message, handler Handler) bool {
	logger := log.With().Str("component", "kafka_subscriber").Str("key", string(msg.Key)).Logger()

	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Error().Err(err).Msg("discarding malformed payment event")
		s.deadLetter(ctx, msg, err)
		return true
	}

	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		lastErr = handler(ctx, event)
		if lastErr == nil {
			return true
		}
		if attempt == s.retry.MaxAttempts-1 {
			break
		}

		delay := backoff(s.retry, attempt)
		logger.Warn().
			Err(lastErr).
			Str("event_id", event.EventID).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("payment event handler failed")
		if !sleep(ctx, delay) {
			return false
		}
	}

	logger.Error().Err(lastErr).Str("event_id", event.EventID).Msg("payment event failed after retries")
	s.deadLetter(ctx, msg, lastErr)
	return true
}

func (s *KafkaSubscriber) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	if s.dlq == nil {
		return
	}
	payload, err := json.Marshal(DLQMessage{
		OriginalTopic: msg.Topic,
		Key:           string(msg.Key),
		Value:         string(msg.Value),
		Error:         cause.Error(),
		Timestamp:     time.Now().UTC(),
		Attempts:      s.retry.MaxAttempts,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode dead letter")
		return
	}
	if err := s.dlq.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: payload}); err != nil {
		log.Error().Err(err).Msg("failed to send payment event to DLQ")
	}
}

func (s *KafkaSubscriber) Close() error {
	err := s.reader.Close()
	if s.dlq != nil {
		err = errors.Join(err, s.dlq.Close())
	}
	return err
}
