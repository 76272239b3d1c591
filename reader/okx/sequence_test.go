package okx

import (
	"errors"
	"testing"

	"okxflow/models"
)

func book(action string, prev, seq int64) models.OrderBookSnapshot {
	return models.OrderBookSnapshot{
		InstrumentID:       "BTC-USDT",
		Channel:            ChannelBooks,
		Action:             action,
		PrevSequenceNumber: prev,
		SequenceNumber:     seq,
	}
}

func TestSequenceTrackerContiguous(t *testing.T) {
	tr := NewSequenceTracker()
	if err := tr.Check(book(models.BookActionSnapshot, -1, 100)); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for seq := int64(101); seq <= 103; seq++ {
		if err := tr.Check(book(models.BookActionUpdate, seq-1, seq)); err != nil {
			t.Fatalf("update %d: %v", seq, err)
		}
	}
	if last, ok := tr.Last(ChannelBooks, "BTC-USDT"); !ok || last != 103 {
		t.Fatalf("last = %d %v", last, ok)
	}
}

func TestSequenceTrackerGap(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Check(book(models.BookActionSnapshot, -1, 103))

	err := tr.Check(book(models.BookActionUpdate, 104, 105))
	var gap *SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("want gap, got %v", err)
	}
	if gap.Expected != 103 || gap.Got != 104 || gap.InstrumentID != "BTC-USDT" {
		t.Fatalf("unexpected gap %+v", gap)
	}

	// The stream stays broken until a snapshot arrives, without reporting
	// the same gap again.
	for seq := int64(106); seq <= 107; seq++ {
		if err := tr.Check(book(models.BookActionUpdate, seq-1, seq)); !errors.Is(err, ErrAwaitingSnapshot) {
			t.Fatalf("update %d after gap: want ErrAwaitingSnapshot, got %v", seq, err)
		}
	}
	if err := tr.Check(book(models.BookActionSnapshot, -1, 200)); err != nil {
		t.Fatalf("resync snapshot: %v", err)
	}
	if err := tr.Check(book(models.BookActionUpdate, 200, 201)); err != nil {
		t.Fatalf("update after resync: %v", err)
	}
}

func TestSequenceTrackerWithoutPrev(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Check(book(models.BookActionSnapshot, -1, 103))
	if err := tr.Check(book(models.BookActionUpdate, -1, 104)); err != nil {
		t.Fatalf("next integer rejected: %v", err)
	}
	if err := tr.Check(book(models.BookActionUpdate, -1, 106)); err == nil {
		t.Fatal("skip to 106 accepted")
	}
}

func TestSequenceTrackerIsolatesInstruments(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Check(book(models.BookActionSnapshot, -1, 10))
	eth := book(models.BookActionUpdate, 50, 51)
	eth.InstrumentID = "ETH-USDT"
	var gap *SequenceGapError
	if err := tr.Check(eth); !errors.As(err, &gap) || gap.Expected != -1 {
		t.Fatalf("update without snapshot: want gap, got %v", err)
	}
	if err := tr.Check(eth); !errors.Is(err, ErrAwaitingSnapshot) {
		t.Fatalf("second update without snapshot: want ErrAwaitingSnapshot, got %v", err)
	}
	if err := tr.Check(book(models.BookActionUpdate, 10, 11)); err != nil {
		t.Fatalf("BTC stream affected: %v", err)
	}

	tr.Reset()
	if _, ok := tr.Last(ChannelBooks, "BTC-USDT"); ok {
		t.Fatal("reset kept state")
	}
	if err := tr.Check(eth); !errors.As(err, &gap) {
		t.Fatalf("reset kept the resync marker: %v", err)
	}
}
