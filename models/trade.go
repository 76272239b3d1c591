package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a side string from the feed.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	default:
		return "", fmt.Errorf("unknown trade side %q", s)
	}
}

// TradeEvent is a single public trade. Values are never mutated after
// decoding; (InstrumentID, TradeID) identifies it.
type TradeEvent struct {
	InstrumentID      string
	Price             decimal.Decimal
	Size              decimal.Decimal
	Side              Side
	TradeID           string
	ExchangeTimestamp time.Time
	ReceivedAt        time.Time
}

func (t TradeEvent) Kind() EventKind     { return KindTrade }
func (t TradeEvent) Instrument() string  { return t.InstrumentID }
func (t TradeEvent) Received() time.Time { return t.ReceivedAt }

// TradeRow is the okx_trades row representation.
type TradeRow struct {
	Timestamp    time.Time `json:"timestamp"`
	InstrumentID string    `json:"instrument_id"`
	TradeID      string    `json:"trade_id"`
	Side         string    `json:"side"`
	Price        string    `json:"price"`
	Size         string    `json:"size"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Row converts the event to its storage row. Prices keep their exact decimal
// text.
func (t TradeEvent) Row() TradeRow {
	return TradeRow{
		Timestamp:    t.ExchangeTimestamp.UTC(),
		InstrumentID: t.InstrumentID,
		TradeID:      t.TradeID,
		Side:         string(t.Side),
		Price:        t.Price.String(),
		Size:         t.Size.String(),
		ReceivedAt:   t.ReceivedAt.UTC(),
	}
}
