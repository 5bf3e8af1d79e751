// Package util provides a lock-free Multi-Producer Single-Consumer mailbox.
//
// Features and Guarantees:
//
//   - Lock-Free writes: producers append with atomic operations only
//   - Unbounded Size: the mailbox grows as needed, limited only by memory
//   - Inline Consumer: the owning goroutine calls Drain, which runs the handler
//     for one item at a time. This gives every node of the live network the
//     "one message at a time" execution model without a second goroutine.
//   - No Strict FIFO Guarantee across producers: concurrent pushes are ordered
//     by which producer completes its append first. Pushes of a single producer
//     keep their order.
package util

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// slot is a single element of the linked list
type slot[T any] struct {
	value T
	next  atomic.Pointer[slot[T]]
}

// Mailbox is a lock-free multi-producer single-consumer queue
type Mailbox[T any] struct {
	head   atomic.Pointer[slot[T]] // sentinel, only touched by the consumer
	tail   atomic.Pointer[slot[T]]
	size   atomic.Int64
	closed atomic.Bool

	// used by the consumer to sleep while the mailbox is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMailbox creates an empty mailbox
func NewMailbox[T any]() *Mailbox[T] {
	sentinel := &slot[T]{}
	m := &Mailbox[T]{}
	m.cond = sync.NewCond(&m.mu)
	m.head.Store(sentinel)
	m.tail.Store(sentinel)
	return m
}

// Push appends value. It returns false if the mailbox is closed.
//
// Thread-safety: This method can be called concurrently.
func (m *Mailbox[T]) Push(value T) bool {
	if m.closed.Load() {
		return false
	}

	newSlot := &slot[T]{value: value}
	var backoff uint8

	for {
		tail := m.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, newSlot) {
				// may fail if another producer already advanced the tail
				m.tail.CompareAndSwap(tail, newSlot)
				m.size.Add(1)
				m.wake(false)
				return true
			}
		} else {
			// help a producer that appended but has not advanced the tail yet
			m.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// Drain runs handle for every item in arrival order until the mailbox is closed
// and empty, or ctx is done. It must only be called by a single goroutine.
func (m *Mailbox[T]) Drain(ctx context.Context, handle func(T)) error {
	stop := context.AfterFunc(ctx, m.Close)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if value, ok := m.pop(); ok {
			handle(value)
			continue
		}

		if m.closed.Load() {
			return nil
		}

		m.mu.Lock()
		// re-check under the lock, producers signal while holding it
		if m.head.Load().next.Load() == nil && !m.closed.Load() {
			m.cond.Wait()
		}
		m.mu.Unlock()
	}
}

// pop removes the oldest item
func (m *Mailbox[T]) pop() (T, bool) {
	head := m.head.Load()
	next := head.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	value := next.value
	m.head.Store(next)

	// next is the new sentinel, drop its payload for the gc
	var zero T
	next.value = zero
	m.size.Add(-1)
	return value, true
}

// wake signals the consumer
func (m *Mailbox[T]) wake(all bool) {
	m.mu.Lock()
	if all {
		m.cond.Broadcast()
	} else {
		m.cond.Signal()
	}
	m.mu.Unlock()
}

// Close prevents further pushes. Items already in the mailbox are still
// handed to a running Drain.
func (m *Mailbox[T]) Close() {
	m.closed.Store(true)
	m.wake(true)
}

// IsClosed returns true if the mailbox is closed
func (m *Mailbox[T]) IsClosed() bool {
	return m.closed.Load()
}

// Len returns the number of queued items
func (m *Mailbox[T]) Len() int {
	return int(m.size.Load())
}
