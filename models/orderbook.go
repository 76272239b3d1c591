package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Order book actions as sent by the exchange.
const (
	BookActionSnapshot = "snapshot"
	BookActionUpdate   = "update"
)

// PriceLevel is one price level of a book side.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

// OrderBookSnapshot is either a full book or an incremental update for one
// instrument. SequenceNumber increases per instrument on a connection;
// PrevSequenceNumber is the exchange's link to the preceding message (-1 when
// the exchange does not send one).
type OrderBookSnapshot struct {
	InstrumentID       string
	Channel            string
	Action             string
	SequenceNumber     int64
	PrevSequenceNumber int64
	Checksum           int64
	Bids               []PriceLevel
	Asks               []PriceLevel
	ExchangeTimestamp  time.Time
	ReceivedAt         time.Time
}

func (b OrderBookSnapshot) Kind() EventKind     { return KindOrderBook }
func (b OrderBookSnapshot) Instrument() string  { return b.InstrumentID }
func (b OrderBookSnapshot) Received() time.Time { return b.ReceivedAt }

// IsSnapshot reports whether the message replaces the whole book.
func (b OrderBookSnapshot) IsSnapshot() bool {
	return b.Action == BookActionSnapshot || b.Action == ""
}

// OrderBookRow is the okx_orderbook row representation; levels are stored as
// JSON arrays.
type OrderBookRow struct {
	Timestamp      time.Time       `json:"timestamp"`
	InstrumentID   string          `json:"instrument_id"`
	Channel        string          `json:"channel"`
	Action         string          `json:"action"`
	SequenceNumber int64           `json:"seq_id"`
	PrevSequence   int64           `json:"prev_seq_id"`
	Checksum       int64           `json:"checksum"`
	Bids           json.RawMessage `json:"bids"`
	Asks           json.RawMessage `json:"asks"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// Row converts the event to its storage row.
func (b OrderBookSnapshot) Row() (OrderBookRow, error) {
	bids, err := marshalLevels(b.Bids)
	if err != nil {
		return OrderBookRow{}, err
	}
	asks, err := marshalLevels(b.Asks)
	if err != nil {
		return OrderBookRow{}, err
	}
	return OrderBookRow{
		Timestamp:      b.ExchangeTimestamp.UTC(),
		InstrumentID:   b.InstrumentID,
		Channel:        b.Channel,
		Action:         b.Action,
		SequenceNumber: b.SequenceNumber,
		PrevSequence:   b.PrevSequenceNumber,
		Checksum:       b.Checksum,
		Bids:           bids,
		Asks:           asks,
		ReceivedAt:     b.ReceivedAt.UTC(),
	}, nil
}

func marshalLevels(levels []PriceLevel) (json.RawMessage, error) {
	if levels == nil {
		levels = []PriceLevel{}
	}
	return json.Marshal(levels)
}
