package okx

import (
	"errors"
	"sync"

	"okxflow/models"
)

// ErrAwaitingSnapshot rejects updates for a stream whose gap was already
// reported; they are dropped until the resubscribe delivers a snapshot.
var ErrAwaitingSnapshot = errors.New("okx: book stream awaiting snapshot")

type bookKey struct {
	channel    string
	instrument string
}

// SequenceTracker follows the last applied sequence number per book stream
// on one connection. Snapshots (re)start a stream; updates must link to the
// previous sequence number.
type SequenceTracker struct {
	mu        sync.Mutex
	last      map[bookKey]int64
	resyncing map[bookKey]bool
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{
		last:      make(map[bookKey]int64),
		resyncing: make(map[bookKey]bool),
	}
}

// Check validates book against the stream state and advances it. The first
// break of a stream returns a *SequenceGapError; later updates for it get
// ErrAwaitingSnapshot until a new snapshot arrives.
func (t *SequenceTracker) Check(book models.OrderBookSnapshot) error {
	key := bookKey{channel: book.Channel, instrument: book.InstrumentID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if book.IsSnapshot() {
		delete(t.resyncing, key)
		t.last[key] = book.SequenceNumber
		return nil
	}
	if t.resyncing[key] {
		return ErrAwaitingSnapshot
	}

	last, ok := t.last[key]
	if !ok {
		t.resyncing[key] = true
		return &SequenceGapError{
			InstrumentID: book.InstrumentID,
			Channel:      book.Channel,
			Expected:     -1,
			Got:          book.SequenceNumber,
		}
	}

	expected := last
	got := book.PrevSequenceNumber
	if got < 0 {
		// No link sent: require the next integer.
		expected = last + 1
		got = book.SequenceNumber
	}
	if got != expected || book.SequenceNumber < last {
		delete(t.last, key)
		t.resyncing[key] = true
		return &SequenceGapError{
			InstrumentID: book.InstrumentID,
			Channel:      book.Channel,
			Expected:     expected,
			Got:          got,
		}
	}

	t.last[key] = book.SequenceNumber
	return nil
}

// Last returns the last accepted sequence number of a stream.
func (t *SequenceTracker) Last(channel, instrument string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[bookKey{channel: channel, instrument: instrument}]
	return v, ok
}

// Reset forgets every stream; used when a connection is replaced.
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	t.last = make(map[bookKey]int64)
	t.resyncing = make(map[bookKey]bool)
	t.mu.Unlock()
}
