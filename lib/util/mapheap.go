// Package util
//
// This file provides a keyed priority queue used as the event queue of the
// discrete event simulator.
//
// The implementation combines a binary heap with a hash map so that it offers
// both priority ordering and key-based access:
//
//   - O(log n) for Push, PopMin and RemoveByKey
//   - O(1) for key lookups (Contains, GetByKey)
//
// Items are ordered by Priority first and by Key second. Keys are expected to
// be handed out in increasing order (a sequence number), which makes items
// with equal priority leave the heap in insertion order. The simulator relies
// on this to stay deterministic: two messages due at the same virtual instant
// are delivered in the order they were sent.
//
// Removing by key is what makes timers cancellable: a timer id is the key of
// the scheduled event.
//
// Concurrency: the heap is not thread-safe.
//
// Example usage:
//
//	q := NewMapHeap[string]()
//	q.AddItem(1, 50, "b")
//	q.AddItem(2, 10, "a")
//	q.RemoveByKey(1)
//	for q.Len() > 0 {
//	    it, _ := q.PopMin()
//	    fmt.Println(it.Value)
//	}
package util

import (
	"container/heap"
	"strconv"
)

// Item is an entry of a MapHeap
type Item[V any] struct {
	Key      uint64 // Unique identifier, also the tie breaker
	Priority uint64 // Smaller priorities leave the heap first
	Value    V      // Payload
	index    int    // Index in the heap, maintained by heap package
}

func (i *Item[V]) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min-heap with O(1) access by key
type MapHeap[V any] struct {
	h heapImpl[V]
}

// NewMapHeap creates a new empty MapHeap
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		h: heapImpl[V]{
			items:    make([]*Item[V], 0),
			itemsMap: make(map[uint64]*Item[V]),
		},
	}
}

// Len returns the number of items in the queue
func (q *MapHeap[V]) Len() int { return q.h.Len() }

// AddItem adds a new item or updates the priority and value of an existing one
func (q *MapHeap[V]) AddItem(key, priority uint64, value V) {
	if it, exists := q.h.itemsMap[key]; exists {
		it.Priority = priority
		it.Value = value
		heap.Fix(&q.h, it.index)
		return
	}
	heap.Push(&q.h, &Item[V]{Key: key, Priority: priority, Value: value})
}

// PopMin removes and returns the item with the smallest priority
func (q *MapHeap[V]) PopMin() (*Item[V], bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.h).(*Item[V]), true
}

// Peek returns the item with the smallest priority without removing it
func (q *MapHeap[V]) Peek() (*Item[V], bool) {
	if q.h.Len() == 0 {
		return nil, false
	}
	return q.h.items[0], true
}

// RemoveByKey removes an item by its key and returns it
func (q *MapHeap[V]) RemoveByKey(key uint64) (*Item[V], bool) {
	it, exists := q.h.itemsMap[key]
	if !exists {
		return nil, false
	}
	heap.Remove(&q.h, it.index)
	return it, true
}

// Contains checks if a key exists in the queue
func (q *MapHeap[V]) Contains(key uint64) bool {
	_, exists := q.h.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (q *MapHeap[V]) GetByKey(key uint64) (*Item[V], bool) {
	it, exists := q.h.itemsMap[key]
	return it, exists
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

type heapImpl[V any] struct {
	items    []*Item[V]
	itemsMap map[uint64]*Item[V]
}

func (h *heapImpl[V]) Len() int { return len(h.items) }

func (h *heapImpl[V]) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Key < b.Key
}

func (h *heapImpl[V]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *heapImpl[V]) Push(x any) {
	it := x.(*Item[V])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *heapImpl[V]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}
