package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"okxflow/internal/buffer"
	"okxflow/internal/metrics"
	"okxflow/logger"
	"okxflow/models"
)

// RetryConfig bounds the retries of one batch.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// MirrorConfig bounds the best-effort copies. Each mirror has its own queue
// and every write its own timeout, so a slow mirror never delays the Store.
type MirrorConfig struct {
	Timeout   time.Duration
	QueueSize int
}

func (c *MirrorConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
}

var errMirrorQueueFull = errors.New("mirror queue full, batch skipped")

type mirrorJob struct {
	kind    string
	batchID string
	write   func(ctx context.Context, m Mirror) error
}

type mirrorWorker struct {
	mirror Mirror
	jobs   chan mirrorJob
}

// LostBatch describes a batch the Persister gave up on.
type LostBatch struct {
	BatchID  string
	Kind     string
	Rows     int
	Attempts int
	Err      error
}

// Persister converts batches to rows and writes them through a Store,
// retrying transient failures. A batch that cannot be written is reported to
// the loss callback exactly once.
type Persister struct {
	store   Store
	retry   RetryConfig
	onLost  func(LostBatch)
	log     *logger.Log
	sleep   func(ctx context.Context, d time.Duration) error

	mirrorCfg    MirrorConfig
	mirrors      []*mirrorWorker
	mirrorWG     sync.WaitGroup
	mirrorMu     sync.RWMutex
	mirrorClosed bool

	batchesWritten int64
	rowsWritten    int64
	retries        int64
	batchesLost    int64
	mirrorErrors   int64
}

// NewPersister starts one worker per mirror; Close stops them.
func NewPersister(store Store, retry RetryConfig, mirrorCfg MirrorConfig, onLost func(LostBatch), mirrors ...Mirror) *Persister {
	retry.applyDefaults()
	mirrorCfg.applyDefaults()
	p := &Persister{
		store:     store,
		retry:     retry,
		onLost:    onLost,
		log:       logger.GetLogger(),
		sleep:     sleepContext,
		mirrorCfg: mirrorCfg,
	}
	for _, m := range mirrors {
		w := &mirrorWorker{mirror: m, jobs: make(chan mirrorJob, mirrorCfg.QueueSize)}
		p.mirrors = append(p.mirrors, w)
		p.mirrorWG.Add(1)
		go p.runMirror(w)
	}
	return p
}

// PersistTrades writes a drained trade batch.
func (p *Persister) PersistTrades(ctx context.Context, batch buffer.Batch[models.TradeEvent]) error {
	if batch.Empty() {
		return nil
	}
	rows := make([]models.TradeRow, len(batch.Items))
	for i, ev := range batch.Items {
		rows[i] = ev.Row()
	}
	id := batch.ID.String()
	kind := models.KindTrade.String()
	if err := p.persist(ctx, kind, id, len(rows), func(ctx context.Context) error {
		return p.store.InsertTrades(ctx, rows)
	}); err != nil {
		return err
	}
	p.mirror(kind, id, func(ctx context.Context, m Mirror) error {
		return m.MirrorTrades(ctx, id, rows)
	})
	return nil
}

// PersistOrderBooks writes a drained order book batch.
func (p *Persister) PersistOrderBooks(ctx context.Context, batch buffer.Batch[models.OrderBookSnapshot]) error {
	if batch.Empty() {
		return nil
	}
	id := batch.ID.String()
	kind := models.KindOrderBook.String()
	rows := make([]models.OrderBookRow, len(batch.Items))
	for i, ev := range batch.Items {
		row, err := ev.Row()
		if err != nil {
			return p.lose(kind, id, len(batch.Items), 0, false, fmt.Errorf("convert %s book: %w", ev.InstrumentID, err))
		}
		rows[i] = row
	}
	if err := p.persist(ctx, kind, id, len(rows), func(ctx context.Context) error {
		return p.store.InsertOrderBooks(ctx, rows)
	}); err != nil {
		return err
	}
	p.mirror(kind, id, func(ctx context.Context, m Mirror) error {
		return m.MirrorOrderBooks(ctx, id, rows)
	})
	return nil
}

func (p *Persister) persist(ctx context.Context, kind, batchID string, rows int, write func(context.Context) error) error {
	log := p.log.WithComponent("persister").WithFields(logger.Fields{
		"kind":     kind,
		"batch_id": batchID,
		"rows":     rows,
	})
	start := time.Now()
	b := &backoff.Backoff{Min: p.retry.BaseDelay, Max: p.retry.MaxDelay, Factor: 2, Jitter: true}

	for attempt := 1; ; attempt++ {
		err := write(ctx)
		if err == nil {
			elapsed := time.Since(start)
			atomic.AddInt64(&p.batchesWritten, 1)
			atomic.AddInt64(&p.rowsWritten, int64(rows))
			metrics.ObserveWrite(kind, rows, elapsed)
			logger.IncrementRowsWritten(kind, rows)
			logger.LogPerformanceEntry(log, "persister", "persist_"+kind, elapsed, logger.Fields{"attempts": attempt})
			logger.LogDataFlowEntry(log, "buffer", "store", rows, kind)
			return nil
		}

		retryable := IsRetryable(err)
		if !retryable || attempt >= p.retry.MaxAttempts || ctx.Err() != nil {
			return p.lose(kind, batchID, rows, attempt, retryable, err)
		}

		delay := b.Duration()
		atomic.AddInt64(&p.retries, 1)
		metrics.IncrementRetry(kind)
		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		}).Warn("batch write failed, retrying")

		if p.sleep(ctx, delay) != nil {
			return p.lose(kind, batchID, rows, attempt, retryable, err)
		}
	}
}

func (p *Persister) lose(kind, batchID string, rows, attempts int, retryable bool, err error) error {
	var inner *PersistError
	if errors.As(err, &inner) && inner.Kind == "" {
		err = inner.Err
	}
	pe := &PersistError{Kind: kind, BatchID: batchID, Attempts: attempts, Retryable: retryable, Err: err}

	atomic.AddInt64(&p.batchesLost, 1)
	metrics.IncrementBatchLost(kind)
	p.log.WithComponent("persister").WithError(pe).WithFields(logger.Fields{
		"kind":      kind,
		"batch_id":  batchID,
		"rows":      rows,
		"attempts":  attempts,
		"retryable": retryable,
	}).Error("batch lost")

	if p.onLost != nil {
		p.onLost(LostBatch{BatchID: batchID, Kind: kind, Rows: rows, Attempts: attempts, Err: pe})
	}
	return pe
}

// mirror queues a copy of an accepted batch for every mirror. A full queue
// skips that mirror and counts as a mirror error.
func (p *Persister) mirror(kind, batchID string, write func(ctx context.Context, m Mirror) error) {
	p.mirrorMu.RLock()
	defer p.mirrorMu.RUnlock()
	if p.mirrorClosed {
		return
	}
	job := mirrorJob{kind: kind, batchID: batchID, write: write}
	for _, w := range p.mirrors {
		select {
		case w.jobs <- job:
		default:
			p.mirrorResult(w.mirror.Name(), kind, batchID, errMirrorQueueFull)
		}
	}
}

func (p *Persister) runMirror(w *mirrorWorker) {
	defer p.mirrorWG.Done()
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.mirrorCfg.Timeout)
		err := job.write(ctx, w.mirror)
		cancel()
		p.mirrorResult(w.mirror.Name(), job.kind, job.batchID, err)
	}
}

func (p *Persister) mirrorResult(mirror, kind, batchID string, err error) {
	if err == nil {
		return
	}
	atomic.AddInt64(&p.mirrorErrors, 1)
	metrics.IncrementMirrorError(mirror, kind)
	p.log.WithComponent("persister").WithError(err).WithFields(logger.Fields{
		"mirror":   mirror,
		"kind":     kind,
		"batch_id": batchID,
	}).Warn("mirror write failed")
}

// Stats returns the running counters.
func (p *Persister) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten: atomic.LoadInt64(&p.batchesWritten),
		RowsWritten:    atomic.LoadInt64(&p.rowsWritten),
		Retries:        atomic.LoadInt64(&p.retries),
		BatchesLost:    atomic.LoadInt64(&p.batchesLost),
		MirrorErrors:   atomic.LoadInt64(&p.mirrorErrors),
	}
}

// Close waits for queued mirror writes, each still bounded by its timeout,
// and releases the mirrors. The Store is owned by the caller.
func (p *Persister) Close() error {
	p.mirrorMu.Lock()
	if p.mirrorClosed {
		p.mirrorMu.Unlock()
		return nil
	}
	p.mirrorClosed = true
	for _, w := range p.mirrors {
		close(w.jobs)
	}
	p.mirrorMu.Unlock()
	p.mirrorWG.Wait()

	var errs []error
	for _, w := range p.mirrors {
		if err := w.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s mirror: %w", w.mirror.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
