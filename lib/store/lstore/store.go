package lstore

import (
	"slices"
	"sync/atomic"

	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/puzpuzpuz/xsync/v3"
)

type storeImpl struct {
	items *xsync.MapOf[int, int]
	index atomic.Uint64
}

// NewLocalStore creates a new local store instance.
func NewLocalStore() store.IStore {
	return &storeImpl{
		items: xsync.NewMapOf[int, int](),
	}
}

// NewLocalStoreFrom creates a local store holding a copy of items
func NewLocalStoreFrom(items map[int]int) store.IStore {
	s := &storeImpl{
		items: xsync.NewMapOf[int, int](),
	}
	for k, v := range items {
		s.Set(k, v)
	}
	return s
}

// incAndGetIndex increments the index and returns the new value.
// It is used to ensure that each write operation has a unique index.
//
// Thread-safety: This method is thread-safe since it uses atomic operations.
func (s *storeImpl) incAndGetIndex() uint64 {
	return s.index.Add(1)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key, value int) uint64 {
	s.items.Store(key, value)
	return s.incAndGetIndex()
}

func (s *storeImpl) Get(key int) (int, bool) {
	return s.items.Load(key)
}

func (s *storeImpl) Has(key int) bool {
	_, ok := s.items.Load(key)
	return ok
}

func (s *storeImpl) Delete(key int) bool {
	_, ok := s.items.LoadAndDelete(key)
	if ok {
		s.incAndGetIndex()
	}
	return ok
}

func (s *storeImpl) Clear() {
	if s.items.Size() == 0 {
		return
	}
	s.items.Clear()
	s.incAndGetIndex()
}

func (s *storeImpl) Keys() []int {
	keys := make([]int, 0, s.items.Size())
	s.items.Range(func(key int, _ int) bool {
		keys = append(keys, key)
		return true
	})
	slices.Sort(keys)
	return keys
}

func (s *storeImpl) Snapshot() map[int]int {
	snap := make(map[int]int, s.items.Size())
	s.items.Range(func(key int, value int) bool {
		snap[key] = value
		return true
	})
	return snap
}

func (s *storeImpl) GetInfo() store.Info {
	return store.Info{
		Entries:   s.items.Size(),
		LastIndex: s.index.Load(),
	}
}
