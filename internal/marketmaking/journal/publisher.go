package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic is the Kafka topic and Redis stream trade records go to
const DefaultTopic = "mmcore.arbitrage.trades"

// Publisher delivers trade records to one sink
type Publisher interface {
	Publish(ctx context.Context, rec TradeRecord) error
	Close() error
}

// Journal keeps recent records in memory and fans them out to publishers.
type Journal struct {
	publishers []Publisher
	logger     *zap.Logger
	limit      int

	mu      sync.RWMutex
	records []TradeRecord
}

// New creates a journal keeping at most limit records (1000 when <= 0)
func New(logger *zap.Logger, limit int, publishers ...Publisher) *Journal {
	if limit <= 0 {
		limit = 1000
	}
	return &Journal{publishers: publishers, logger: logger.Named("journal"), limit: limit}
}

// Record stores rec and publishes it. It fails only when every publisher fails.
func (j *Journal) Record(ctx context.Context, rec TradeRecord) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	if len(j.records) > j.limit {
		j.records = j.records[len(j.records)-j.limit:]
	}
	j.mu.Unlock()

	var lastErr error
	ok := 0
	for i, p := range j.publishers {
		if err := p.Publish(ctx, rec); err != nil {
			j.logger.Error("failed to publish trade record",
				zap.Int("publisher_index", i),
				zap.String("trade_id", rec.ID),
				zap.Error(err))
			lastErr = err
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return fmt.Errorf("all publishers failed, last error: %w", lastErr)
	}
	return nil
}

// Records returns stored records, optionally filtered by strategy name
func (j *Journal) Records(strategy string) []TradeRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]TradeRecord, 0, len(j.records))
	for _, r := range j.records {
		if strategy == "" || r.Strategy == strategy {
			out = append(out, r)
		}
	}
	return out
}

// Close closes every publisher
func (j *Journal) Close() error {
	var errs []error
	for _, p := range j.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// KafkaPublisher writes records to a Kafka topic keyed by symbol
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
		},
		logger: logger.Named("kafka"),
	}
}

func kafkaMessage(rec TradeRecord) (kafka.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal trade record: %w", err)
	}
	return kafka.Message{
		Key:   []byte(rec.Symbol),
		Value: data,
		Time:  rec.Timestamp,
		Headers: []kafka.Header{
			{Key: "trade-id", Value: []byte(rec.ID)},
			{Key: "mode", Value: []byte(rec.Mode)},
		},
	}, nil
}

// Publish implements Publisher
func (k *KafkaPublisher) Publish(ctx context.Context, rec TradeRecord) error {
	msg, err := kafkaMessage(rec)
	if err != nil {
		return err
	}
	k.logger.Debug("publishing trade record", zap.String("trade_id", rec.ID), zap.Int("size", len(msg.Value)))
	return k.writer.WriteMessages(ctx, msg)
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error { return k.writer.Close() }

// RedisPublisher appends records to a Redis stream
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	logger *zap.Logger
}

// NewRedisPublisher uses an existing client
func NewRedisPublisher(client redis.UniversalClient, stream string, logger *zap.Logger) *RedisPublisher {
	if stream == "" {
		stream = DefaultTopic
	}
	return &RedisPublisher{client: client, stream: stream, logger: logger.Named("redis")}
}

func redisValues(rec TradeRecord) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade record: %w", err)
	}
	return map[string]any{
		"trade_id":  rec.ID,
		"symbol":    rec.Symbol,
		"data":      string(data),
		"timestamp": rec.Timestamp.Format(time.RFC3339),
	}, nil
}

// Publish implements Publisher
func (r *RedisPublisher) Publish(ctx context.Context, rec TradeRecord) error {
	values, err := redisValues(rec)
	if err != nil {
		return err
	}
	res := r.client.XAdd(ctx, &redis.XAddArgs{Stream: r.stream, ID: "*", Values: values})
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to publish to redis stream: %w", err)
	}
	r.logger.Debug("trade record appended", zap.String("stream", r.stream), zap.String("message_id", res.Val()))
	return nil
}

// Close closes the client
func (r *RedisPublisher) Close() error { return r.client.Close() }
