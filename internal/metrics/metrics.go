// Registers:
//
//	#okxflow_feed_state
//	#okxflow_feed_connects_total
//	#okxflow_frames_discarded_total
//	#okxflow_sequence_gaps_total
//	#okxflow_events_total
//	#okxflow_buffer_pending
//	#okxflow_flushes_total
//	#okxflow_flushes_deferred_total
//	#okxflow_rows_written_total
//	#okxflow_persist_duration_seconds
//	#okxflow_persist_retries_total
//	#okxflow_batches_lost_total
//	#okxflow_mirror_errors_total
//	#go_* and process_* system metrics
//
// Exposed by Server on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	feedState       *prometheus.GaugeVec
	feedConnects    *prometheus.CounterVec
	framesDiscarded *prometheus.CounterVec
	sequenceGaps    *prometheus.CounterVec
	events          *prometheus.CounterVec
	bufferPending   *prometheus.GaugeVec
	flushes         *prometheus.CounterVec
	flushesDeferred *prometheus.CounterVec
	rowsWritten     *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	persistRetries  *prometheus.CounterVec
	batchesLost     *prometheus.CounterVec
	mirrorErrors    *prometheus.CounterVec
)

// Init creates and registers the collectors. Calls after the first are no-ops;
// until Init runs every helper below does nothing.
func Init() {
	once.Do(func() {
		reg := prometheus.NewRegistry()

		feedState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "okxflow_feed_state",
			Help: "Current connection state per feed (0 disconnected .. 5 backoff)",
		}, []string{"feed"})
		feedConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_feed_connects_total",
			Help: "Connection attempts per feed",
		}, []string{"feed"})
		framesDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_frames_discarded_total",
			Help: "Inbound frames dropped because they could not be decoded",
		}, []string{"feed"})
		sequenceGaps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_sequence_gaps_total",
			Help: "Order book sequence discontinuities",
		}, []string{"instrument"})
		events = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_events_total",
			Help: "Domain events routed into buffers",
		}, []string{"kind"})
		bufferPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "okxflow_buffer_pending",
			Help: "Events waiting in a buffer",
		}, []string{"kind"})
		flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_flushes_total",
			Help: "Buffer flushes by trigger",
		}, []string{"kind", "trigger"})
		flushesDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_flushes_deferred_total",
			Help: "Flushes postponed because the writer queue was full",
		}, []string{"kind"})
		rowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_rows_written_total",
			Help: "Rows acknowledged by the store",
		}, []string{"kind"})
		persistDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "okxflow_persist_duration_seconds",
			Help:    "Time to persist one batch including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"})
		persistRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_persist_retries_total",
			Help: "Retried batch writes",
		}, []string{"kind"})
		batchesLost = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_batches_lost_total",
			Help: "Batches given up after retries or a permanent error",
		}, []string{"kind"})
		mirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "okxflow_mirror_errors_total",
			Help: "Failed best-effort mirror writes",
		}, []string{"mirror", "kind"})

		reg.MustRegister(
			feedState, feedConnects, framesDiscarded, sequenceGaps,
			events, bufferPending, flushes, flushesDeferred,
			rowsWritten, persistDuration, persistRetries, batchesLost, mirrorErrors,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = reg
	})
}

// Registry returns the registry served on /metrics, nil before Init.
func Registry() *prometheus.Registry { return registry }

func SetFeedState(feed string, state int) {
	if feedState != nil {
		feedState.WithLabelValues(feed).Set(float64(state))
	}
}

func IncrementConnect(feed string) {
	if feedConnects != nil {
		feedConnects.WithLabelValues(feed).Inc()
	}
}

func IncrementFrameDiscarded(feed string) {
	if framesDiscarded != nil {
		framesDiscarded.WithLabelValues(feed).Inc()
	}
}

func IncrementSequenceGap(instrument string) {
	if sequenceGaps != nil {
		sequenceGaps.WithLabelValues(instrument).Inc()
	}
}

func IncrementEvent(kind string) {
	if events != nil {
		events.WithLabelValues(kind).Inc()
	}
}

func SetBufferPending(kind string, n int) {
	if bufferPending != nil {
		bufferPending.WithLabelValues(kind).Set(float64(n))
	}
}

// IncrementFlush counts a flush; trigger is "size", "age" or "shutdown".
func IncrementFlush(kind, trigger string) {
	if flushes != nil {
		flushes.WithLabelValues(kind, trigger).Inc()
	}
}

func IncrementFlushDeferred(kind string) {
	if flushesDeferred != nil {
		flushesDeferred.WithLabelValues(kind).Inc()
	}
}

func ObserveWrite(kind string, rows int, elapsed time.Duration) {
	if rowsWritten != nil {
		rowsWritten.WithLabelValues(kind).Add(float64(rows))
		persistDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func IncrementRetry(kind string) {
	if persistRetries != nil {
		persistRetries.WithLabelValues(kind).Inc()
	}
}

func IncrementBatchLost(kind string) {
	if batchesLost != nil {
		batchesLost.WithLabelValues(kind).Inc()
	}
}

func IncrementMirrorError(mirror, kind string) {
	if mirrorErrors != nil {
		mirrorErrors.WithLabelValues(mirror, kind).Inc()
	}
}
