package models

import "time"

// EventKind identifies which buffer an event belongs to.
type EventKind int

const (
	KindTrade EventKind = iota + 1
	KindOrderBook
)

func (k EventKind) String() string {
	switch k {
	case KindTrade:
		return "trades"
	case KindOrderBook:
		return "orderbook"
	default:
		return "unknown"
	}
}

// Event is a decoded market event forwarded from the feed to the
// orchestrator. TradeEvent and OrderBookSnapshot are the only implementations.
type Event interface {
	Kind() EventKind
	Instrument() string
	Received() time.Time
}
