package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"okxflow/logger"
	"okxflow/models"
)

// KafkaConfig configures the Kafka mirror.
type KafkaConfig struct {
	Brokers        []string
	TradesTopic    string
	OrderBookTopic string
	BatchTimeout   time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaMirror publishes every persisted row as a JSON message keyed by
// instrument, so per-instrument order survives partitioning.
type KafkaMirror struct {
	trades messageWriter
	books  messageWriter
	log    *logger.Log
}

func NewKafkaMirror(cfg KafkaConfig) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.TradesTopic == "" || cfg.OrderBookTopic == "" {
		return nil, fmt.Errorf("kafka topics not configured")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: cfg.BatchTimeout,
			RequiredAcks: kafka.RequireOne,
		}
	}
	m := newKafkaMirror(newWriter(cfg.TradesTopic), newWriter(cfg.OrderBookTopic))
	m.log.WithComponent("kafka_mirror").WithFields(logger.Fields{
		"brokers":         cfg.Brokers,
		"trades_topic":    cfg.TradesTopic,
		"orderbook_topic": cfg.OrderBookTopic,
	}).Info("kafka mirror initialized")
	return m, nil
}

func newKafkaMirror(trades, books messageWriter) *KafkaMirror {
	return &KafkaMirror{trades: trades, books: books, log: logger.GetLogger()}
}

func (m *KafkaMirror) Name() string { return "kafka" }

func (m *KafkaMirror) MirrorTrades(ctx context.Context, batchID string, rows []models.TradeRow) error {
	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := rowMessage(batchID, r.InstrumentID, r)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return m.write(ctx, m.trades, models.KindTrade.String(), batchID, msgs)
}

func (m *KafkaMirror) MirrorOrderBooks(ctx context.Context, batchID string, rows []models.OrderBookRow) error {
	msgs := make([]kafka.Message, 0, len(rows))
	for _, r := range rows {
		msg, err := rowMessage(batchID, r.InstrumentID, r)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return m.write(ctx, m.books, models.KindOrderBook.String(), batchID, msgs)
}

func (m *KafkaMirror) write(ctx context.Context, w messageWriter, kind, batchID string, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %s batch %s: %w", kind, batchID, err)
	}
	m.log.WithComponent("kafka_mirror").WithFields(logger.Fields{
		"kind":     kind,
		"batch_id": batchID,
		"records":  len(msgs),
	}).Debug("batch published to kafka")
	return nil
}

func (m *KafkaMirror) Close() error {
	return errors.Join(m.trades.Close(), m.books.Close())
}

func rowMessage(batchID, key string, row interface{}) (kafka.Message, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal row: %w", err)
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "batch_id", Value: []byte(batchID)}},
	}, nil
}
