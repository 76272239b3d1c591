package writer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"okxflow/logger"
	"okxflow/models"
)

// PostgresConfig holds connection settings for the TimescaleDB store.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DSN renders the config as a postgres URL.
func (c PostgresConfig) DSN() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS okx_trades (
		timestamp     TIMESTAMPTZ NOT NULL,
		instrument_id VARCHAR(50) NOT NULL,
		trade_id      VARCHAR(50) NOT NULL,
		side          VARCHAR(10),
		price         NUMERIC(20, 8),
		size          NUMERIC(20, 8),
		received_at   TIMESTAMPTZ,
		UNIQUE (instrument_id, trade_id, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS okx_orderbook (
		timestamp     TIMESTAMPTZ NOT NULL,
		instrument_id VARCHAR(50) NOT NULL,
		channel       VARCHAR(32) NOT NULL,
		action        VARCHAR(16),
		seq_id        BIGINT,
		prev_seq_id   BIGINT,
		checksum      BIGINT,
		bids          JSONB NOT NULL,
		asks          JSONB NOT NULL,
		received_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS okx_ohlcv (
		timestamp     TIMESTAMPTZ NOT NULL,
		instrument_id VARCHAR(50) NOT NULL,
		open          NUMERIC(20, 8),
		high          NUMERIC(20, 8),
		low           NUMERIC(20, 8),
		close         NUMERIC(20, 8),
		volume        NUMERIC(20, 8),
		UNIQUE (instrument_id, timestamp)
	)`,
}

var hypertables = []string{"okx_trades", "okx_orderbook", "okx_ohlcv"}

const insertTradesSQL = `INSERT INTO okx_trades (timestamp, instrument_id, trade_id, side, price, size, received_at)
SELECT ts, inst, tid, side, px::numeric, sz::numeric, recv
FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::text[], $6::text[], $7::timestamptz[])
	AS t(ts, inst, tid, side, px, sz, recv)
ON CONFLICT DO NOTHING`

const insertOrderBooksSQL = `INSERT INTO okx_orderbook (timestamp, instrument_id, channel, action, seq_id, prev_seq_id, checksum, bids, asks, received_at)
SELECT ts, inst, ch, act, seq, prev, cs, b::jsonb, a::jsonb, recv
FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::bigint[], $6::bigint[], $7::bigint[], $8::text[], $9::text[], $10::timestamptz[])
	AS t(ts, inst, ch, act, seq, prev, cs, b, a, recv)`

// PostgresStore writes rows to TimescaleDB through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

// NewPostgresStore opens the pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pgxConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pgxConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pgxConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("postgres_store").WithFields(logger.Fields{
		"host":      cfg.Host,
		"database":  cfg.Database,
		"max_conns": pgxConfig.MaxConns,
	}).Info("connected to postgres")

	return &PostgresStore{pool: pool, log: log}, nil
}

// EnsureSchema creates the tables and converts them to hypertables. A
// hypertable failure (plain Postgres, or already converted) only warns.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	for _, table := range hypertables {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'timestamp', if_not_exists => TRUE)", table)); err != nil {
			s.log.WithComponent("postgres_store").WithError(err).WithFields(logger.Fields{"table": table}).Warn("hypertable not created")
		}
	}
	s.log.WithComponent("postgres_store").Info("schema ready")
	return nil
}

func (s *PostgresStore) InsertTrades(ctx context.Context, rows []models.TradeRow) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		ts    = make([]time.Time, len(rows))
		inst  = make([]string, len(rows))
		tid   = make([]string, len(rows))
		side  = make([]string, len(rows))
		price = make([]string, len(rows))
		size  = make([]string, len(rows))
		recv  = make([]time.Time, len(rows))
	)
	for i, r := range rows {
		ts[i], inst[i], tid[i], side[i] = r.Timestamp, r.InstrumentID, r.TradeID, r.Side
		price[i], size[i], recv[i] = r.Price, r.Size, r.ReceivedAt
	}
	return s.exec(ctx, "insert trades", insertTradesSQL, ts, inst, tid, side, price, size, recv)
}

func (s *PostgresStore) InsertOrderBooks(ctx context.Context, rows []models.OrderBookRow) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		ts     = make([]time.Time, len(rows))
		inst   = make([]string, len(rows))
		ch     = make([]string, len(rows))
		action = make([]string, len(rows))
		seq    = make([]int64, len(rows))
		prev   = make([]int64, len(rows))
		cs     = make([]int64, len(rows))
		bids   = make([]string, len(rows))
		asks   = make([]string, len(rows))
		recv   = make([]time.Time, len(rows))
	)
	for i, r := range rows {
		ts[i], inst[i], ch[i], action[i] = r.Timestamp, r.InstrumentID, r.Channel, r.Action
		seq[i], prev[i], cs[i] = r.SequenceNumber, r.PrevSequence, r.Checksum
		bids[i], asks[i], recv[i] = string(r.Bids), string(r.Asks), r.ReceivedAt
	}
	return s.exec(ctx, "insert order books", insertOrderBooksSQL, ts, inst, ch, action, seq, prev, cs, bids, asks, recv)
}

// exec runs one statement on a connection held only for this call.
func (s *PostgresStore) exec(ctx context.Context, op, sql string, args ...any) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire connection: %w", op, err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping checks the pool; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
