package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okxflow/models"
)

type fakePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

var sinkTime = time.Date(2024, 5, 1, 13, 4, 5, 0, time.UTC)

func TestS3ArchiveWritesParquet(t *testing.T) {
	putter := &fakePutter{}
	archive := newS3Archive(putter, "bucket", "raw")

	rows := []models.TradeRow{
		{Timestamp: sinkTime, InstrumentID: "BTC-USDT", TradeID: "1", Side: "buy", Price: "42000.1", Size: "0.5", ReceivedAt: sinkTime},
		{Timestamp: sinkTime, InstrumentID: "BTC-USDT", TradeID: "2", Side: "sell", Price: "42000.2", Size: "0.1", ReceivedAt: sinkTime},
	}
	require.NoError(t, archive.MirrorTrades(context.Background(), "batch-1", rows))

	require.Len(t, putter.keys, 1)
	assert.Equal(t, "raw/exchange=okx/kind=trades/year=2024/month=05/day=01/hour=13/trades_batch-1.parquet", putter.keys[0])
	body := putter.bodies[0]
	require.Greater(t, len(body), 8)
	assert.True(t, bytes.HasPrefix(body, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(body, []byte("PAR1")))
}

func TestS3ArchiveOrderBooks(t *testing.T) {
	putter := &fakePutter{}
	archive := newS3Archive(putter, "bucket", "")
	rows := []models.OrderBookRow{{
		Timestamp: sinkTime, InstrumentID: "ETH-USDT", Channel: "books", Action: "snapshot",
		SequenceNumber: 5, PrevSequence: -1, Bids: json.RawMessage(`[]`), Asks: json.RawMessage(`[]`), ReceivedAt: sinkTime,
	}}
	require.NoError(t, archive.MirrorOrderBooks(context.Background(), "b2", rows))
	assert.Equal(t, "exchange=okx/kind=orderbook/year=2024/month=05/day=01/hour=13/orderbook_b2.parquet", putter.keys[0])

	putter.err = errors.New("access denied")
	assert.Error(t, archive.MirrorOrderBooks(context.Background(), "b3", rows))
	assert.NoError(t, archive.MirrorTrades(context.Background(), "b4", nil))
}

type fakeMessageWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaMirror(t *testing.T) {
	trades, books := &fakeMessageWriter{}, &fakeMessageWriter{}
	m := newKafkaMirror(trades, books)

	rows := []models.TradeRow{{InstrumentID: "SOL-USDT", TradeID: "9", Price: "150.25"}}
	require.NoError(t, m.MirrorTrades(context.Background(), "batch-9", rows))
	require.Len(t, trades.msgs, 1)
	assert.Equal(t, "SOL-USDT", string(trades.msgs[0].Key))
	assert.Equal(t, "batch_id", trades.msgs[0].Headers[0].Key)

	var decoded models.TradeRow
	require.NoError(t, json.Unmarshal(trades.msgs[0].Value, &decoded))
	assert.Equal(t, "150.25", decoded.Price)
	assert.Empty(t, books.msgs)

	require.NoError(t, m.Close())
	assert.True(t, trades.closed && books.closed)
}

func TestNewKafkaMirrorValidates(t *testing.T) {
	_, err := NewKafkaMirror(KafkaConfig{})
	assert.Error(t, err)
	_, err = NewKafkaMirror(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Database: "okx", User: "ingest", Password: "p@ss", ConnectTimeout: 5 * time.Second}
	assert.Equal(t, "postgres://ingest:p%40ss@db:5432/okx?connect_timeout=5&sslmode=disable", cfg.DSN())
}
