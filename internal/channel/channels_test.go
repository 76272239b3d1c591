package channel

import (
	"context"
	"testing"
	"time"

	"okxflow/models"
)

func trade(id string) models.Event {
	return models.TradeEvent{InstrumentID: "BTC-USDT", TradeID: id}
}

func TestSendAndReceive(t *testing.T) {
	c := NewChannels(2)
	if !c.Send(trade("1")) || !c.Send(trade("2")) {
		t.Fatal("send failed")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
	got := (<-c.Events).(models.TradeEvent)
	if got.TradeID != "1" {
		t.Fatalf("got %s first", got.TradeID)
	}
	if stats := c.GetStats(); stats.Sent != 2 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCloseReleasesBlockedSender(t *testing.T) {
	c := NewChannels(1)
	c.Send(trade("1"))

	result := make(chan bool)
	go func() { result <- c.Send(trade("2")) }()

	select {
	case <-result:
		t.Fatal("send on a full channel returned early")
	case <-time.After(20 * time.Millisecond):
	}

	c.Close()
	select {
	case ok := <-result:
		if ok {
			t.Fatal("blocked send reported success after close")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked sender not released")
	}

	var drained []models.Event
	for ev := range c.Events {
		drained = append(drained, ev)
	}
	if len(drained) != 1 {
		t.Fatalf("drained %d events, want the one buffered before close", len(drained))
	}
	if c.Send(trade("3")) {
		t.Fatal("send after close succeeded")
	}
	if stats := c.GetStats(); stats.Dropped != 2 {
		t.Fatalf("dropped = %d", stats.Dropped)
	}
	c.Close()
}

func TestStartMetricsReporting(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	c.Close()
}
