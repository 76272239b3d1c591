package metrics

import "okxflow/logger"

// WriterStats holds counters of the persistence path.
type WriterStats struct {
	BatchesWritten int64
	RowsWritten    int64
	Retries        int64
	BatchesLost    int64
	MirrorErrors   int64
	QueueLen       int
	QueueCap       int
}

// ReportWriter emits writer metrics using the provided logger and component name.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	l := log.WithComponent(component)

	lossRate := float64(0)
	if stats.BatchesWritten+stats.BatchesLost > 0 {
		lossRate = float64(stats.BatchesLost) / float64(stats.BatchesWritten+stats.BatchesLost)
	}

	l.LogMetric(component, "batches_written", stats.BatchesWritten, "counter", logger.Fields{})
	l.LogMetric(component, "rows_written", stats.RowsWritten, "counter", logger.Fields{})
	l.LogMetric(component, "retries", stats.Retries, "counter", logger.Fields{})
	l.LogMetric(component, "batches_lost", stats.BatchesLost, "counter", logger.Fields{})
	l.LogMetric(component, "loss_rate", lossRate, "gauge", logger.Fields{})
	l.LogMetric(component, "queue_len", stats.QueueLen, "gauge", logger.Fields{})

	entry := l.WithFields(logger.Fields{
		"batches_written": stats.BatchesWritten,
		"rows_written":    stats.RowsWritten,
		"retries":         stats.Retries,
		"batches_lost":    stats.BatchesLost,
		"mirror_errors":   stats.MirrorErrors,
		"loss_rate":       lossRate,
		"queue_len":       stats.QueueLen,
		"queue_cap":       stats.QueueCap,
	})

	if stats.BatchesLost > 0 || stats.MirrorErrors > 0 {
		entry.Warn(component + " metrics")
		return
	}

	entry.Info(component + " metrics")
}
