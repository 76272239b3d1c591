package channel

import (
	"context"
	"sync"
	"time"

	"okxflow/logger"
	"okxflow/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels is the bounded hand-off between the feed readers and the
// orchestrator. Send blocks while the queue is full; once Close starts,
// blocked and later sends are dropped and the consumer sees the buffered
// remainder followed by a closed channel.
type Channels struct {
	Events chan models.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log

	mu        sync.RWMutex
	closed    bool
	stopping  chan struct{}
	closeOnce sync.Once
}

func NewChannels(bufferSize int) *Channels {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Events:   make(chan models.Event, bufferSize),
		stopping: make(chan struct{}),
		log:      log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size": bufferSize,
	}).Info("event channel initialized")

	return c
}

// Send queues ev, waiting for room. It returns false when the channel is
// closing and ev was discarded.
func (c *Channels) Send(ev models.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		c.incrementDropped()
		return false
	}
	select {
	case c.Events <- ev:
		c.incrementSent()
		return true
	case <-c.stopping:
		c.incrementDropped()
		return false
	}
}

// Close stops accepting events and closes Events. It is safe to call more
// than once.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.stopping)
		c.mu.Lock()
		c.closed = true
		close(c.Events)
		c.mu.Unlock()
		c.log.WithComponent("channels").Info("event channel closed")
	})
}

func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
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
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"events_sent":    stats.Sent,
		"events_dropped": stats.Dropped,
		"channel_len":    len(c.Events),
		"channel_cap":    cap(c.Events),
	}).Info("channel statistics")
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// Len returns the number of queued events.
func (c *Channels) Len() int { return len(c.Events) }
