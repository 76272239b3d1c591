package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"okxflow/internal/buffer"
	"okxflow/internal/channel"
	"okxflow/internal/metrics"
	"okxflow/logger"
	"okxflow/models"
)

// Persister writes drained batches. Errors are already escalated by the
// implementation; the orchestrator only logs them.
type Persister interface {
	PersistTrades(ctx context.Context, batch buffer.Batch[models.TradeEvent]) error
	PersistOrderBooks(ctx context.Context, batch buffer.Batch[models.OrderBookSnapshot]) error
}

// Feed is a long-running event source, normally an okx.Supervisor.
type Feed interface {
	Name() string
	Run(ctx context.Context) error
}

type statsProvider interface {
	Stats() metrics.WriterStats
}

type BufferConfig struct {
	MaxSize int
	MaxAge  time.Duration
}

type Options struct {
	Trades          BufferConfig
	OrderBooks      BufferConfig
	CheckInterval   time.Duration
	QueueSize       int
	ShutdownTimeout time.Duration
	ReportInterval  time.Duration
}

func (o *Options) applyDefaults() {
	if o.Trades.MaxSize <= 0 {
		o.Trades.MaxSize = 100
	}
	if o.Trades.MaxAge <= 0 {
		o.Trades.MaxAge = 10 * time.Second
	}
	if o.OrderBooks.MaxSize <= 0 {
		o.OrderBooks.MaxSize = 50
	}
	if o.OrderBooks.MaxAge <= 0 {
		o.OrderBooks.MaxAge = 5 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = time.Minute
	}
}

// Orchestrator routes events from the hand-off channel into per-kind
// buffers, flushes them on size or age, and persists each kind on its own
// worker so rows of one kind keep arrival order and a slow kind never blocks
// the other.
type Orchestrator struct {
	opts      Options
	channels  *channel.Channels
	persister Persister
	feeds     []Feed
	log       *logger.Log

	trades     *buffer.Buffer[models.TradeEvent]
	books      *buffer.Buffer[models.OrderBookSnapshot]
	tradeQueue chan buffer.Batch[models.TradeEvent]
	bookQueue  chan buffer.Batch[models.OrderBookSnapshot]

	mu      sync.Mutex
	running bool

	routed    int64
	discarded int64
}

func NewOrchestrator(opts Options, channels *channel.Channels, persister Persister, feeds ...Feed) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		opts:       opts,
		channels:   channels,
		persister:  persister,
		feeds:      feeds,
		log:        logger.GetLogger(),
		trades:     buffer.New[models.TradeEvent](opts.Trades.MaxSize, opts.Trades.MaxAge),
		books:      buffer.New[models.OrderBookSnapshot](opts.OrderBooks.MaxSize, opts.OrderBooks.MaxAge),
		tradeQueue: make(chan buffer.Batch[models.TradeEvent], opts.QueueSize),
		bookQueue:  make(chan buffer.Batch[models.OrderBookSnapshot], opts.QueueSize),
	}
}

// AddFeed registers a feed; it must be called before Run.
func (o *Orchestrator) AddFeed(feed Feed) {
	o.feeds = append(o.feeds, feed)
}

// Route hands an event to the orchestrator. It is the feeds' Handler and
// blocks while the hand-off is full. Events arriving after shutdown started
// are discarded.
func (o *Orchestrator) Route(ev models.Event) {
	if !o.channels.Send(ev) {
		atomic.AddInt64(&o.discarded, 1)
	}
}

// Pending returns the number of buffered trades and order books.
func (o *Orchestrator) Pending() (trades, books int) {
	return o.trades.Len(), o.books.Len()
}

// Run starts the feeds and processes events until ctx is cancelled. On
// cancellation it stops accepting events, drains the hand-off and both
// buffers, waits for the final batches to be persisted and only then stops
// the feeds.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.mu.Unlock()

	log := o.log.WithComponent("orchestrator")
	log.WithFields(logger.Fields{
		"feeds":              len(o.feeds),
		"trades_max_size":    o.opts.Trades.MaxSize,
		"trades_max_age":     o.opts.Trades.MaxAge.String(),
		"orderbook_max_size": o.opts.OrderBooks.MaxSize,
		"orderbook_max_age":  o.opts.OrderBooks.MaxAge.String(),
	}).Info("starting orchestrator")

	// Feeds and writes outlive ctx: both are stopped explicitly during the
	// shutdown sequence.
	feedCtx, stopFeeds := context.WithCancel(context.Background())
	defer stopFeeds()
	persistCtx, abortPersist := context.WithCancel(context.Background())
	defer abortPersist()

	var feedWG sync.WaitGroup
	for _, feed := range o.feeds {
		feedWG.Add(1)
		go func(feed Feed) {
			defer feedWG.Done()
			if err := feed.Run(feedCtx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"feed": feed.Name()}).Error("feed stopped with error")
			}
		}(feed)
	}

	var workerWG sync.WaitGroup
	workerWG.Add(2)
	go o.tradeWorker(persistCtx, &workerWG)
	go o.bookWorker(persistCtx, &workerWG)

	checkTicker := time.NewTicker(o.opts.CheckInterval)
	defer checkTicker.Stop()
	reportTicker := time.NewTicker(o.opts.ReportInterval)
	defer reportTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-o.channels.Events:
			if !ok {
				break loop
			}
			o.route(ev)
		case <-checkTicker.C:
			o.checkBuffers()
		case <-reportTicker.C:
			o.report()
		}
	}

	log.Info("shutting down orchestrator, draining buffers")
	// The deadline covers the final hand-off as well as the writes.
	deadline, stopDeadline := context.WithTimeout(context.Background(), o.opts.ShutdownTimeout)
	defer stopDeadline()
	var runErr error
	abort := func() {
		if runErr != nil {
			return
		}
		runErr = fmt.Errorf("final batches not persisted within %s", o.opts.ShutdownTimeout)
		log.WithError(runErr).Error("aborting pending writes")
		abortPersist()
	}

	o.channels.Close()
	for ev := range o.channels.Events {
		o.route(ev)
	}
	pendingTrades, pendingBooks := o.Pending()
	tradeBatch := drain(o.trades, models.KindTrade.String(), "shutdown")
	bookBatch := drain(o.books, models.KindOrderBook.String(), "shutdown")
	if !handOff(deadline, o.tradeQueue, tradeBatch) {
		abort()
		// Aborted workers fail fast, so the batch still reaches the
		// persister and is reported lost there.
		o.tradeQueue <- tradeBatch
	}
	if !handOff(deadline, o.bookQueue, bookBatch) {
		abort()
		o.bookQueue <- bookBatch
	}
	close(o.tradeQueue)
	close(o.bookQueue)

	workersDone := make(chan struct{})
	go func() {
		workerWG.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-deadline.Done():
		select {
		case <-workersDone:
		default:
			abort()
			<-workersDone
		}
	}

	log.WithFields(logger.Fields{
		"final_trades":    pendingTrades,
		"final_orderbook": pendingBooks,
	}).Info("buffers drained, stopping feeds")
	stopFeeds()
	feedWG.Wait()

	o.report()
	log.WithFields(logger.Fields{
		"routed":    atomic.LoadInt64(&o.routed),
		"discarded": atomic.LoadInt64(&o.discarded),
	}).Info("orchestrator stopped")
	return runErr
}

func (o *Orchestrator) route(ev models.Event) {
	atomic.AddInt64(&o.routed, 1)
	kind := ev.Kind().String()
	metrics.IncrementEvent(kind)

	switch e := ev.(type) {
	case models.TradeEvent:
		if o.trades.Append(e) {
			tryFlush(o.trades, o.tradeQueue, kind, trigger(o.trades.Full()))
		}
	case models.OrderBookSnapshot:
		if o.books.Append(e) {
			tryFlush(o.books, o.bookQueue, kind, trigger(o.books.Full()))
		}
	default:
		o.log.WithComponent("orchestrator").WithFields(logger.Fields{"type": fmt.Sprintf("%T", ev)}).Warn("dropping event of unknown kind")
	}
}

// checkBuffers flushes expired buffers and retries flushes deferred by a
// full queue.
func (o *Orchestrator) checkBuffers() {
	if o.trades.Full() || o.trades.Expired() {
		tryFlush(o.trades, o.tradeQueue, models.KindTrade.String(), trigger(o.trades.Full()))
	}
	if o.books.Full() || o.books.Expired() {
		tryFlush(o.books, o.bookQueue, models.KindOrderBook.String(), trigger(o.books.Full()))
	}
	metrics.SetBufferPending(models.KindTrade.String(), o.trades.Len())
	metrics.SetBufferPending(models.KindOrderBook.String(), o.books.Len())
}

func trigger(full bool) string {
	if full {
		return "size"
	}
	return "age"
}

// tryFlush drains buf into its worker queue. When the queue is full the rows
// stay buffered and the next append or check retries. The orchestrator loop
// is the only sender, so a free slot cannot be taken between the check and
// the send.
func tryFlush[T any](buf *buffer.Buffer[T], queue chan<- buffer.Batch[T], kind, trigger string) {
	if len(queue) == cap(queue) {
		metrics.IncrementFlushDeferred(kind)
		logger.GetLogger().WithComponent("orchestrator").WithFields(logger.Fields{
			"kind":    kind,
			"pending": buf.Len(),
		}).Debug("writer queue full, flush deferred")
		return
	}
	batch := drain(buf, kind, trigger)
	if !batch.Empty() {
		queue <- batch
	}
}

func drain[T any](buf *buffer.Buffer[T], kind, trigger string) buffer.Batch[T] {
	batch := buf.Drain()
	if batch.Empty() {
		return batch
	}
	metrics.IncrementFlush(kind, trigger)
	metrics.SetBufferPending(kind, 0)
	logger.GetLogger().WithComponent("orchestrator").WithFields(logger.Fields{
		"kind":     kind,
		"trigger":  trigger,
		"batch_id": batch.ID.String(),
		"rows":     batch.Len(),
	}).Debug("buffer flushed")
	return batch
}

// handOff queues a final batch, giving up when ctx ends first. An empty
// batch counts as handed off.
func handOff[T any](ctx context.Context, queue chan<- buffer.Batch[T], batch buffer.Batch[T]) bool {
	if batch.Empty() {
		return true
	}
	select {
	case queue <- batch:
		return true
	default:
	}
	select {
	case queue <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) tradeWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for batch := range o.tradeQueue {
		if err := o.persister.PersistTrades(ctx, batch); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).Debug("trade batch not persisted")
		}
	}
}

func (o *Orchestrator) bookWorker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for batch := range o.bookQueue {
		if err := o.persister.PersistOrderBooks(ctx, batch); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).Debug("order book batch not persisted")
		}
	}
}

func (o *Orchestrator) report() {
	sp, ok := o.persister.(statsProvider)
	if !ok {
		return
	}
	stats := sp.Stats()
	stats.QueueLen = len(o.tradeQueue) + len(o.bookQueue)
	stats.QueueCap = cap(o.tradeQueue) + cap(o.bookQueue)
	metrics.ReportWriter(o.log, "persister", stats)
}
