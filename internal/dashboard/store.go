package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// logRecord is the serialisable form of a captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore keeps the most recent warnings and errors that flow through the
// global logger. It is a logrus hook.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 200
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}

			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.mu.Lock()
	s.items = append(s.items, record)
	if len(s.items) > s.limit {
		s.items = append([]logRecord(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

func (s *logStore) snapshot() []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]logRecord, len(s.items))
	copy(out, s.items)
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}

// feedRecord is the last known state of one feed.
type feedRecord struct {
	State       string    `json:"state"`
	Since       time.Time `json:"since"`
	Transitions int64     `json:"transitions"`
	Gaps        int64     `json:"sequence_gaps"`
	LastGap     string    `json:"last_gap,omitempty"`
}

type feedStore struct {
	mu    sync.RWMutex
	feeds map[string]*feedRecord
	now   func() time.Time
}

func newFeedStore() *feedStore {
	return &feedStore{feeds: make(map[string]*feedRecord), now: time.Now}
}

func (s *feedStore) record(feed string) *feedRecord {
	r, ok := s.feeds[feed]
	if !ok {
		r = &feedRecord{State: "disconnected", Since: s.now().UTC()}
		s.feeds[feed] = r
	}
	return r
}

func (s *feedStore) setState(feed, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(feed)
	r.State = state
	r.Since = s.now().UTC()
	r.Transitions++
}

func (s *feedStore) addGap(feed, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(feed)
	r.Gaps++
	r.LastGap = detail
}

func (s *feedStore) snapshot() map[string]feedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]feedRecord, len(s.feeds))
	for name, r := range s.feeds {
		out[name] = *r
	}
	return out
}
