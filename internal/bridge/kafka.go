package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pricestream/internal/core"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of *kafka.Writer used by KafkaSink
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the export writer
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// NewKafkaWriter builds a writer keyed by ticker so each symbol stays on one partition
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: cfg.BatchTimeout,
		Async:        true,
	}
}

// KafkaSink exports the fan-out to a Kafka topic. It holds one downstream
// connection and reconnects when the bridge ends it.
type KafkaSink struct {
	bridge       *StreamBridge
	writer       KafkaWriter
	logger       core.ILogger
	retryBackoff time.Duration
}

// NewKafkaSink creates an export sink
func NewKafkaSink(bridge *StreamBridge, writer KafkaWriter, logger core.ILogger) *KafkaSink {
	return &KafkaSink{
		bridge:       bridge,
		writer:       writer,
		logger:       logger.WithField("component", "kafka_sink"),
		retryBackoff: time.Second,
	}
}

// Run exports until ctx is done, then closes the writer
func (k *KafkaSink) Run(ctx context.Context) error {
	defer func() {
		if err := k.writer.Close(); err != nil {
			k.logger.Warn("Failed to close kafka writer", "error", err)
		}
	}()

	for {
		// the export must outlive quiet periods upstream
		conn, err := k.bridge.ConnectWithTimeout(24 * time.Hour)
		if err != nil {
			return nil
		}

		if err := k.pump(ctx, conn); err != nil {
			return nil
		}

		k.logger.Info("Kafka export connection ended, reconnecting", "reason", conn.Err())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(k.retryBackoff):
		}
	}
}

// pump returns a non-nil error when ctx is done
func (k *KafkaSink) pump(ctx context.Context, conn *Connection) error {
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case <-conn.Done():
			return nil
		case dto := <-conn.Events():
			k.write(ctx, dto)
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, dto core.PriceUpdateDTO) {
	payload, err := json.Marshal(dto)
	if err != nil {
		k.logger.Error("Failed to marshal price event", "error", err)
		return
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(dto.Ticker),
		Value: payload,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		k.logger.Warn("Kafka write failed", "ticker", dto.Ticker, "error", err)
	}
}
