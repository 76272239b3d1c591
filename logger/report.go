package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsFeed    int64
	errorsWriter  int64
	warnsFeed     int64
	warnsWriter   int64
	tradeReads    int64
	bookReads     int64
	rowsWritten   int64
	batchesLost   int64
	reportStreams sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "supervisor") || strings.Contains(component, "codec") {
		atomic.AddInt64(&warnsFeed, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "persister") {
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "supervisor") || strings.Contains(component, "codec") {
		atomic.AddInt64(&errorsFeed, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "persister") {
		atomic.AddInt64(&errorsWriter, 1)
	}
}

// IncrementTradeRead counts one decoded trade frame of the given size.
func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordStream("trades_ws", size)
}

// IncrementBookRead counts one decoded order book frame of the given size.
func IncrementBookRead(size int) {
	atomic.AddInt64(&bookReads, 1)
	recordStream("books_ws", size)
}

// IncrementRowsWritten counts rows acknowledged by the store for a kind.
func IncrementRowsWritten(kind string, rows int) {
	atomic.AddInt64(&rowsWritten, int64(rows))
	recordStream(kind+"_write", rows)
}

// IncrementBatchLost counts one batch given up after retries.
func IncrementBatchLost() {
	atomic.AddInt64(&batchesLost, 1)
}

func recordStream(name string, size int) {
	v, _ := reportStreams.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters is a point-in-time copy of the ingestion counters.
type Counters struct {
	TradeReads   int64
	BookReads    int64
	RowsWritten  int64
	BatchesLost  int64
	ErrorsFeed   int64
	ErrorsWriter int64
	WarnsFeed    int64
	WarnsWriter  int64
}

// Snapshot returns the current ingestion counters.
func Snapshot() Counters {
	return Counters{
		TradeReads:   atomic.LoadInt64(&tradeReads),
		BookReads:    atomic.LoadInt64(&bookReads),
		RowsWritten:  atomic.LoadInt64(&rowsWritten),
		BatchesLost:  atomic.LoadInt64(&batchesLost),
		ErrorsFeed:   atomic.LoadInt64(&errorsFeed),
		ErrorsWriter: atomic.LoadInt64(&errorsWriter),
		WarnsFeed:    atomic.LoadInt64(&warnsFeed),
		WarnsWriter:  atomic.LoadInt64(&warnsWriter),
	}
}

// StartReport begins periodic logging of host and ingestion statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	streamData := map[string]map[string]int64{}
	reportStreams.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		streamData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesRecv uint64
	if len(netStats) > 0 {
		bytesRecv = netStats[0].BytesRecv
	}

	c := Snapshot()
	log.WithComponent("report").WithFields(Fields{
		"trade_reads":    c.TradeReads,
		"book_reads":     c.BookReads,
		"rows_written":   c.RowsWritten,
		"batches_lost":   c.BatchesLost,
		"errors_feed":    c.ErrorsFeed,
		"errors_writer":  c.ErrorsWriter,
		"warns_feed":     c.WarnsFeed,
		"warns_writer":   c.WarnsWriter,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"net_bytes_recv": int64(bytesRecv),
		"streams":        streamData,
	}).Info("runtime report")

	publishMetrics(ctx, []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("TradeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.TradeReads))},
		{MetricName: aws.String("BookReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.BookReads))},
		{MetricName: aws.String("RowsWritten"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.RowsWritten))},
		{MetricName: aws.String("BatchesLost"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(c.BatchesLost))},
	})
}
