package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe circular buffer of samples waiting to be pushed.
// When a key function is set, an item whose key is still held is dropped,
// so re-reading an unchanged measurement from a cached response is harmless.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	keyOf    func(T) string
	held     map[string]int
	logger   *zap.Logger
}

// New creates a RingBuffer holding at most capacity items
func New[T any](capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// NewKeyed creates a RingBuffer that ignores items whose key is already buffered
func NewKeyed[T any](capacity int, keyOf func(T) string, logger *zap.Logger) *RingBuffer[T] {
	rb := New[T](capacity, logger)
	rb.keyOf = keyOf
	rb.held = make(map[string]int, rb.capacity)
	return rb
}

// Add inserts an item, overwriting the oldest one when full.
// It returns false when the item was a duplicate.
func (rb *RingBuffer[T]) Add(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var key string
	if rb.keyOf != nil {
		key = rb.keyOf(item)
		if rb.held[key] > 0 {
			return false
		}
	}

	if rb.size == rb.capacity {
		rb.logger.Warn("ring buffer full, overwriting oldest entry",
			zap.Int("capacity", rb.capacity))
		rb.release(rb.data[rb.head])
	}

	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
	if rb.keyOf != nil {
		rb.held[key]++
	}
	return true
}

// AddAll inserts items in order and returns how many were accepted
func (rb *RingBuffer[T]) AddAll(items []T) int {
	added := 0
	for _, item := range items {
		if rb.Add(item) {
			added++
		}
	}
	return added
}

// GetAllAndClear atomically returns every item, oldest first, and empties the buffer
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	items := rb.ordered()
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
	if rb.held != nil {
		rb.held = make(map[string]int, rb.capacity)
	}
	return items
}

// Snapshot returns a copy of the buffered items, oldest first, without removing them
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.ordered()
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

func (rb *RingBuffer[T]) ordered() []T {
	if rb.size == 0 {
		return nil
	}
	items := make([]T, rb.size)
	if rb.size < rb.capacity {
		copy(items, rb.data[:rb.size])
		return items
	}
	// full: oldest at head, newest at head-1
	for i := 0; i < rb.size; i++ {
		items[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return items
}

func (rb *RingBuffer[T]) release(item T) {
	if rb.keyOf == nil {
		return
	}
	key := rb.keyOf(item)
	if rb.held[key] <= 1 {
		delete(rb.held, key)
		return
	}
	rb.held[key]--
}
