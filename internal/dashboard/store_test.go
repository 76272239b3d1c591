package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "okx connection lost, backing off"
	entry.Data = logrus.Fields{"component": "okx_supervisor", "feed": "public", "error": errors.New("eof")}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	if snapshot[0].Component != "okx_supervisor" || snapshot[0].Fields["feed"] != "public" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
	if snapshot[0].Fields["error"] != "eof" {
		t.Fatalf("errors should be rendered as text, got %#v", snapshot[0].Fields["error"])
	}
}

func TestLogStoreOnlyHooksWarnings(t *testing.T) {
	for _, lvl := range newLogStore(1).Levels() {
		if lvl > logrus.WarnLevel {
			t.Fatalf("hook registered for %s", lvl)
		}
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.ErrorLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(snapshot))
	}
	if snapshot[0].Fields["index"] != 2 {
		t.Fatalf("expected oldest entries pruned, got %#v", snapshot[0].Fields)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if len(store.snapshot()) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}

func TestFeedStoreTracksStateAndGaps(t *testing.T) {
	store := newFeedStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	store.setState("public", "connecting")
	store.setState("public", "live")
	store.addGap("public", "books BTC-USDT expected 103 got 104")
	store.addGap("private", "books ETH-USDT expected 7 got 9")

	snap := store.snapshot()
	pub := snap["public"]
	if pub.State != "live" || pub.Transitions != 2 || pub.Gaps != 1 || !pub.Since.Equal(fixed) {
		t.Fatalf("unexpected public record: %+v", pub)
	}
	priv := snap["private"]
	if priv.State != "disconnected" || priv.Gaps != 1 {
		t.Fatalf("unexpected private record: %+v", priv)
	}
}
