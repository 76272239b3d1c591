package writer

import (
	"context"
	"sync"

	"okxflow/models"
)

// MemoryStore is an in-process Store. Trades are deduplicated on
// (instrument, trade id) like the database's conflict rule. Queued failures
// are returned by the next calls, in order, before any row is stored.
type MemoryStore struct {
	mu       sync.Mutex
	trades   []models.TradeRow
	books    []models.OrderBookRow
	seen     map[string]struct{}
	failures []error
	calls    int
	hook     func(ctx context.Context) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// FailWith queues errors for the next write attempts.
func (m *MemoryStore) FailWith(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// SetHook installs a function run at the start of every write, outside the
// store lock. A non-nil result fails the write.
func (m *MemoryStore) SetHook(hook func(ctx context.Context) error) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

func (m *MemoryStore) begin(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func (m *MemoryStore) InsertTrades(ctx context.Context, rows []models.TradeRow) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		key := r.InstrumentID + "|" + r.TradeID
		if _, dup := m.seen[key]; dup {
			continue
		}
		m.seen[key] = struct{}{}
		m.trades = append(m.trades, r)
	}
	return nil
}

func (m *MemoryStore) InsertOrderBooks(ctx context.Context, rows []models.OrderBookRow) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.books = append(m.books, rows...)
	m.mu.Unlock()
	return nil
}

// Trades returns the stored trade rows in insertion order.
func (m *MemoryStore) Trades() []models.TradeRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TradeRow(nil), m.trades...)
}

// OrderBooks returns the stored order book rows in insertion order.
func (m *MemoryStore) OrderBooks() []models.OrderBookRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderBookRow(nil), m.books...)
}

// Calls returns the number of write attempts seen.
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
