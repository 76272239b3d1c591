// Package buffer accumulates events of one kind until a size or age
// threshold asks for a flush.
package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Batch is the drained content of a Buffer. It is owned by whoever drained
// it; the buffer keeps no reference to Items.
type Batch[T any] struct {
	ID        uuid.UUID
	Items     []T
	CreatedAt time.Time
	DrainedAt time.Time
}

func (b Batch[T]) Len() int { return len(b.Items) }

func (b Batch[T]) Empty() bool { return len(b.Items) == 0 }

// Buffer is an insertion-ordered accumulator safe for concurrent Append and
// Drain. MaxSize is a trigger, not a cap: Append never rejects an item.
type Buffer[T any] struct {
	mu        sync.Mutex
	items     []T
	createdAt time.Time
	maxSize   int
	maxAge    time.Duration
	now       func() time.Time
}

// New returns an empty buffer. A non-positive maxSize disables the size
// trigger and a non-positive maxAge disables the age trigger.
func New[T any](maxSize int, maxAge time.Duration) *Buffer[T] {
	capacity := maxSize
	if capacity <= 0 {
		capacity = 64
	}
	return &Buffer[T]{
		items:   make([]T, 0, capacity),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *Buffer[T]) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Append adds item and reports whether a flush threshold is now reached.
func (b *Buffer[T]) Append(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if len(b.items) == 0 {
		b.createdAt = now
	}
	b.items = append(b.items, item)
	return b.sizeReached() || b.ageReached(now)
}

// Drain empties the buffer and returns what it held. The next Append starts
// a new age window.
func (b *Buffer[T]) Drain() Batch[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := Batch[T]{
		ID:        uuid.New(),
		Items:     b.items,
		CreatedAt: b.createdAt,
		DrainedAt: b.now(),
	}
	b.items = make([]T, 0, cap(b.items))
	b.createdAt = time.Time{}
	return batch
}

// Expired reports whether the buffer is non-empty and older than maxAge.
func (b *Buffer[T]) Expired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ageReached(b.now())
}

// Full reports whether the size threshold is reached.
func (b *Buffer[T]) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sizeReached()
}

// Len returns the number of pending items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Age returns how long the oldest pending item has waited, zero when empty.
func (b *Buffer[T]) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return 0
	}
	return b.now().Sub(b.createdAt)
}

func (b *Buffer[T]) MaxSize() int          { return b.maxSize }
func (b *Buffer[T]) MaxAge() time.Duration { return b.maxAge }

func (b *Buffer[T]) sizeReached() bool {
	return b.maxSize > 0 && len(b.items) >= b.maxSize
}

func (b *Buffer[T]) ageReached(now time.Time) bool {
	return b.maxAge > 0 && len(b.items) > 0 && now.Sub(b.createdAt) >= b.maxAge
}
