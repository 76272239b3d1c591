// Package dashboard exposes live ingestion status as JSON on the ops server:
// per-feed connection state, buffer depth and recent warnings.
package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"okxflow/logger"
)

// PendingFunc reports the number of buffered rows per kind.
type PendingFunc func() map[string]int

// Status collects what the ops endpoints report.
type Status struct {
	app     string
	started time.Time
	logs    *logStore
	feeds   *feedStore
	pending PendingFunc
}

// NewStatus attaches a warning/error capture hook to log.
func NewStatus(app string, log *logger.Log, history int) *Status {
	s := &Status{
		app:     app,
		started: time.Now().UTC(),
		logs:    newLogStore(history),
		feeds:   newFeedStore(),
	}
	if log != nil {
		log.AddHook(s.logs)
	}
	return s
}

// SetPending installs the buffer depth source.
func (s *Status) SetPending(fn PendingFunc) { s.pending = fn }

// FeedState records a connection state change.
func (s *Status) FeedState(feed, state string) { s.feeds.setState(feed, state) }

// SequenceGap records a detected gap on feed.
func (s *Status) SequenceGap(feed, detail string) { s.feeds.addGap(feed, detail) }

// Close stops capturing log entries.
func (s *Status) Close() { s.logs.close() }

// Register mounts the status routes.
func (s *Status) Register(router gin.IRouter) {
	router.GET("/api/status", func(c *gin.Context) {
		var pending map[string]int
		if s.pending != nil {
			pending = s.pending()
		}
		c.JSON(http.StatusOK, gin.H{
			"app":            s.app,
			"started":        s.started.Format(time.RFC3339Nano),
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
			"feeds":          s.feeds.snapshot(),
			"pending":        pending,
		})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		logsSnapshot := s.logs.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})
}
