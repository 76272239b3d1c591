package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"okxflow/logger"
	"okxflow/models"
)

// tradeRecord is the parquet schema of archived trades. Prices stay decimal
// text.
type tradeRecord struct {
	Timestamp    int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	InstrumentID string `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID      string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size         string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt   int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// bookRecord is the parquet schema of archived order book messages; levels
// are JSON text.
type bookRecord struct {
	Timestamp    int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	InstrumentID string `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Channel      string `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Action       string `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	SeqID        int64  `parquet:"name=seq_id, type=INT64"`
	PrevSeqID    int64  `parquet:"name=prev_seq_id, type=INT64"`
	Checksum     int64  `parquet:"name=checksum, type=INT64"`
	Bids         string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks         string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	ReceivedAt   int64  `parquet:"name=received_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter lets the parquet writer build a file in memory.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// S3Config configures the parquet archive.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive uploads every persisted batch as one snappy parquet object.
type S3Archive struct {
	client objectPutter
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Archive loads AWS configuration and builds the S3 client.
func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	archive := newS3Archive(client, cfg.Bucket, cfg.Prefix)
	archive.log.WithComponent("s3_archive").WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
		"prefix": cfg.Prefix,
	}).Info("s3 archive initialized")
	return archive, nil
}

func newS3Archive(client objectPutter, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, log: logger.GetLogger()}
}

func (a *S3Archive) Name() string { return "s3" }

func (a *S3Archive) MirrorTrades(ctx context.Context, batchID string, rows []models.TradeRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]interface{}, len(rows))
	for i, r := range rows {
		records[i] = tradeRecord{
			Timestamp:    r.Timestamp.UnixMilli(),
			InstrumentID: r.InstrumentID,
			TradeID:      r.TradeID,
			Side:         r.Side,
			Price:        r.Price,
			Size:         r.Size,
			ReceivedAt:   r.ReceivedAt.UnixMilli(),
		}
	}
	data, err := createParquet(new(tradeRecord), records)
	if err != nil {
		return fmt.Errorf("create trades parquet: %w", err)
	}
	return a.upload(ctx, a.objectKey(models.KindTrade.String(), batchID, rows[0].Timestamp), data, len(rows))
}

func (a *S3Archive) MirrorOrderBooks(ctx context.Context, batchID string, rows []models.OrderBookRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]interface{}, len(rows))
	for i, r := range rows {
		records[i] = bookRecord{
			Timestamp:    r.Timestamp.UnixMilli(),
			InstrumentID: r.InstrumentID,
			Channel:      r.Channel,
			Action:       r.Action,
			SeqID:        r.SequenceNumber,
			PrevSeqID:    r.PrevSequence,
			Checksum:     r.Checksum,
			Bids:         string(r.Bids),
			Asks:         string(r.Asks),
			ReceivedAt:   r.ReceivedAt.UnixMilli(),
		}
	}
	data, err := createParquet(new(bookRecord), records)
	if err != nil {
		return fmt.Errorf("create order book parquet: %w", err)
	}
	return a.upload(ctx, a.objectKey(models.KindOrderBook.String(), batchID, rows[0].Timestamp), data, len(rows))
}

func (a *S3Archive) Close() error { return nil }

func createParquet(schema interface{}, records []interface{}) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, schema, 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *S3Archive) upload(ctx context.Context, key string, data []byte, rows int) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.log.WithComponent("s3_archive").WithFields(logger.Fields{
		"s3_key":  key,
		"records": rows,
		"bytes":   len(data),
	}).Debug("batch archived")
	return nil
}

// objectKey partitions by kind and the UTC hour of the first row.
func (a *S3Archive) objectKey(kind, batchID string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(
		a.prefix,
		"exchange=okx",
		"kind="+kind,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("%s_%s.parquet", kind, batchID),
	)
}
