// Package writer persists drained batches: row conversion, retry with
// backoff, loss escalation and best-effort mirrors.
package writer

import (
	"context"

	"okxflow/models"
)

// Store is the batched-insert capability the Persister depends on. Each call
// is one write attempt; implementations acquire their connection inside the
// call and release it before returning.
type Store interface {
	InsertTrades(ctx context.Context, rows []models.TradeRow) error
	InsertOrderBooks(ctx context.Context, rows []models.OrderBookRow) error
}

// Mirror receives a copy of every batch the Store accepted. Mirror failures
// are logged and counted; they never fail the batch.
type Mirror interface {
	Name() string
	MirrorTrades(ctx context.Context, batchID string, rows []models.TradeRow) error
	MirrorOrderBooks(ctx context.Context, batchID string, rows []models.OrderBookRow) error
	Close() error
}
