package okx

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"okxflow/models"
)

// Channel names understood by the decoder.
const (
	ChannelTrades       = "trades"
	ChannelTradesAll    = "trades-all"
	ChannelBooks        = "books"
	ChannelBooks5       = "books5"
	ChannelBBOTbt       = "bbo-tbt"
	ChannelBooksL2Tbt   = "books-l2-tbt"
	ChannelBooks50L2Tbt = "books50-l2-tbt"
)

var tradeChannels = map[string]bool{ChannelTrades: true, ChannelTradesAll: true}

var bookChannels = map[string]bool{
	ChannelBooks:        true,
	ChannelBooks5:       true,
	ChannelBBOTbt:       true,
	ChannelBooksL2Tbt:   true,
	ChannelBooks50L2Tbt: true,
}

// IsKnownChannel reports whether Decode maps the channel to domain events.
func IsKnownChannel(channel string) bool {
	return tradeChannels[channel] || bookChannels[channel]
}

// IsBookChannel reports whether channel carries order book data.
func IsBookChannel(channel string) bool {
	return bookChannels[channel]
}

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	FrameData FrameKind = iota + 1
	FrameAck
	FramePong
	FramePing
)

// Ack is an "event" response: login, subscribe, unsubscribe, error or notice.
type Ack struct {
	Event   string
	Code    string
	Msg     string
	Channel string
	InstID  string
	ConnID  string
}

// OK reports whether the ack carries a success code.
func (a *Ack) OK() bool {
	return a.Event != "error" && (a.Code == "" || a.Code == "0")
}

// Frame is one decoded inbound message.
type Frame struct {
	Kind    FrameKind
	Channel string
	Ack     *Ack
	Events  []models.Event
}

// ControlEvent is an outbound control message.
type ControlEvent interface {
	controlEvent()
}

// Subscribe requests a channel for a set of instruments.
type Subscribe struct {
	Channel       string
	InstrumentIDs []string
}

// Unsubscribe cancels a channel for a set of instruments.
type Unsubscribe struct {
	Channel       string
	InstrumentIDs []string
}

// Login authenticates a private connection.
type Login struct {
	APIKey     string
	Passphrase string
	Timestamp  string
	Signature  string
}

// Ping is the liveness probe; Pong answers one.
type Ping struct{}
type Pong struct{}

func (Subscribe) controlEvent()   {}
func (Unsubscribe) controlEvent() {}
func (Login) controlEvent()       {}
func (Ping) controlEvent()        {}
func (Pong) controlEvent()        {}

type opRequest struct {
	Op   string        `json:"op"`
	Args []interface{} `json:"args"`
}

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// Encode renders a control event as a websocket text payload.
func Encode(ev ControlEvent) ([]byte, error) {
	switch e := ev.(type) {
	case Ping:
		return []byte("ping"), nil
	case Pong:
		return []byte("pong"), nil
	case Subscribe:
		return json.Marshal(opRequest{Op: "subscribe", Args: channelArgs(e.Channel, e.InstrumentIDs)})
	case Unsubscribe:
		return json.Marshal(opRequest{Op: "unsubscribe", Args: channelArgs(e.Channel, e.InstrumentIDs)})
	case Login:
		if e.APIKey == "" || e.Signature == "" {
			return nil, fmt.Errorf("login requires api key and signature")
		}
		return json.Marshal(opRequest{Op: "login", Args: []interface{}{loginArg{
			APIKey:     e.APIKey,
			Passphrase: e.Passphrase,
			Timestamp:  e.Timestamp,
			Sign:       e.Signature,
		}}})
	default:
		return nil, fmt.Errorf("unsupported control event %T", ev)
	}
}

func channelArgs(channel string, instruments []string) []interface{} {
	if len(instruments) == 0 {
		return []interface{}{channelArg{Channel: channel}}
	}
	args := make([]interface{}, 0, len(instruments))
	for _, inst := range instruments {
		args = append(args, channelArg{Channel: channel, InstID: inst})
	}
	return args
}

type inboundFrame struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	ConnID string          `json:"connId"`
	Arg    *channelArg     `json:"arg"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	Ts      string `json:"ts"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	SeqID     *int64     `json:"seqId"`
	PrevSeqID *int64     `json:"prevSeqId"`
}

// Decode parses one inbound websocket payload. Anything it cannot interpret
// is reported as a *FrameError; it never panics on input.
func Decode(raw []byte, receivedAt time.Time) (Frame, error) {
	return decode(raw, receivedAt, false)
}

func decode(raw []byte, receivedAt time.Time, inflated bool) (Frame, error) {
	msg := bytes.TrimSpace(raw)
	if len(msg) == 0 {
		return Frame{}, frameError("empty frame", raw, nil)
	}
	switch string(msg) {
	case "pong":
		return Frame{Kind: FramePong}, nil
	case "ping":
		return Frame{Kind: FramePing}, nil
	}
	if msg[0] != '{' {
		if inflated {
			return Frame{}, frameError("not a json object", raw, nil)
		}
		plain, err := decompress(msg)
		if errors.Is(err, errFrameTooLarge) {
			return Frame{}, frameError("inflated frame exceeds limit", raw, err)
		}
		if err != nil {
			return Frame{}, frameError("not a json object", raw, nil)
		}
		return decode(plain, receivedAt, true)
	}

	var in inboundFrame
	if err := json.Unmarshal(msg, &in); err != nil {
		return Frame{}, frameError("invalid json", raw, err)
	}

	if in.Event != "" {
		ack := &Ack{Event: in.Event, Code: in.Code, Msg: in.Msg, ConnID: in.ConnID}
		if in.Arg != nil {
			ack.Channel = in.Arg.Channel
			ack.InstID = in.Arg.InstID
		}
		return Frame{Kind: FrameAck, Channel: ack.Channel, Ack: ack}, nil
	}

	if in.Arg == nil || in.Arg.Channel == "" {
		return Frame{}, frameError("missing arg.channel", raw, nil)
	}
	if len(in.Data) == 0 {
		return Frame{}, frameError("missing data", raw, nil)
	}

	channel := in.Arg.Channel
	var (
		events []models.Event
		err    error
	)
	switch {
	case tradeChannels[channel]:
		events, err = decodeTrades(in.Data, in.Arg.InstID, receivedAt)
	case bookChannels[channel]:
		events, err = decodeBooks(in.Data, channel, in.Arg.InstID, in.Action, receivedAt)
	default:
		return Frame{}, frameError("unsupported channel "+channel, raw, nil)
	}
	if err != nil {
		return Frame{}, frameError("malformed "+channel+" data", raw, err)
	}
	return Frame{Kind: FrameData, Channel: channel, Events: events}, nil
}

func decodeTrades(data json.RawMessage, instID string, receivedAt time.Time) ([]models.Event, error) {
	var rows []tradeData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(rows))
	for i, r := range rows {
		inst := r.InstID
		if inst == "" {
			inst = instID
		}
		if inst == "" || r.TradeID == "" {
			return nil, fmt.Errorf("trade %d: missing instId or tradeId", i)
		}
		price, err := decimal.NewFromString(r.Px)
		if err != nil {
			return nil, fmt.Errorf("trade %d px: %w", i, err)
		}
		size, err := decimal.NewFromString(r.Sz)
		if err != nil {
			return nil, fmt.Errorf("trade %d sz: %w", i, err)
		}
		side, err := models.ParseSide(r.Side)
		if err != nil {
			return nil, fmt.Errorf("trade %d: %w", i, err)
		}
		ts, err := parseMillis(r.Ts)
		if err != nil {
			return nil, fmt.Errorf("trade %d ts: %w", i, err)
		}
		events = append(events, models.TradeEvent{
			InstrumentID:      inst,
			Price:             price,
			Size:              size,
			Side:              side,
			TradeID:           r.TradeID,
			ExchangeTimestamp: ts,
			ReceivedAt:        receivedAt,
		})
	}
	return events, nil
}

func decodeBooks(data json.RawMessage, channel, instID, action string, receivedAt time.Time) ([]models.Event, error) {
	if instID == "" {
		return nil, fmt.Errorf("missing instId")
	}
	var rows []bookData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(rows))
	for i, r := range rows {
		bids, err := parseLevels(r.Bids)
		if err != nil {
			return nil, fmt.Errorf("book %d bids: %w", i, err)
		}
		asks, err := parseLevels(r.Asks)
		if err != nil {
			return nil, fmt.Errorf("book %d asks: %w", i, err)
		}
		ts, err := parseMillis(r.Ts)
		if err != nil {
			return nil, fmt.Errorf("book %d ts: %w", i, err)
		}
		book := models.OrderBookSnapshot{
			InstrumentID:       instID,
			Channel:            channel,
			Action:             action,
			PrevSequenceNumber: -1,
			Checksum:           r.Checksum,
			Bids:               bids,
			Asks:               asks,
			ExchangeTimestamp:  ts,
			ReceivedAt:         receivedAt,
		}
		if r.SeqID != nil {
			book.SequenceNumber = *r.SeqID
		}
		if r.PrevSeqID != nil {
			book.PrevSequenceNumber = *r.PrevSeqID
		}
		events = append(events, book)
	}
	return events, nil
}

// parseLevels reads [price, size, deprecated, orders] tuples.
func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for i, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level %d: want at least 2 fields, got %d", i, len(lvl))
		}
		price, err := decimal.NewFromString(lvl[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := decimal.NewFromString(lvl[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		pl := models.PriceLevel{Price: price, Size: size}
		if len(lvl) >= 4 {
			if n, err := strconv.Atoi(lvl[3]); err == nil {
				pl.Orders = n
			}
		}
		levels = append(levels, pl)
	}
	return levels, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// MaxFrameBytes caps an inbound frame, on the wire and after inflation.
const MaxFrameBytes = 4 << 20

var errFrameTooLarge = errors.New("frame larger than MaxFrameBytes")

func decompress(msg []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(msg))
	defer reader.Close()
	plain, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(plain) > MaxFrameBytes {
		return nil, errFrameTooLarge
	}
	return plain, nil
}
