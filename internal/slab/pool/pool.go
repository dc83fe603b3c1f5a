// Package pool provides fixed-capacity object pools with free-list reuse.
// All slab state lives in pools allocated once at startup; nothing on the
// trading path grows the heap. Slots are addressed by generation-stamped
// handles so a stale reference to a recycled slot is detected instead of
// silently reading another object's data.
package pool

import "errors"

// ErrCapacityExhausted is returned when a pool has no free slot. It is
// recoverable: callers surface it and the operation fails cleanly.
var ErrCapacityExhausted = errors.New("pool capacity exhausted")

const nilIndex = ^uint32(0)

// Handle addresses a pool slot. The zero Handle is never valid.
type Handle struct {
	idx uint32
	gen uint32
}

// Nil reports whether h is the zero/invalid handle.
func (h Handle) Nil() bool { return h.gen == 0 }

// Index returns the raw slot index, for diagnostics only.
func (h Handle) Index() uint32 { return h.idx }

type slot[T any] struct {
	val      T
	gen      uint32
	used     bool
	nextFree uint32
}

// Pool is a fixed-capacity freelist-backed object pool.
type Pool[T any] struct {
	slots    []slot[T]
	freeHead uint32
	inUse    int
}

// New allocates a pool with the given capacity. Capacity is fixed for the
// pool's lifetime.
func New[T any](capacity int) *Pool[T] {
	p := &Pool[T]{
		slots:    make([]slot[T], capacity),
		freeHead: nilIndex,
	}
	for i := capacity - 1; i >= 0; i-- {
		p.slots[i].gen = 1
		p.slots[i].nextFree = p.freeHead
		p.freeHead = uint32(i)
	}
	return p
}

// Alloc takes a free slot, zeroes it and returns its handle plus a pointer
// valid until Free. Returns ErrCapacityExhausted when the pool is full.
func (p *Pool[T]) Alloc() (Handle, *T, error) {
	if p.freeHead == nilIndex {
		return Handle{}, nil, ErrCapacityExhausted
	}
	idx := p.freeHead
	s := &p.slots[idx]
	p.freeHead = s.nextFree
	s.used = true
	var zero T
	s.val = zero
	p.inUse++
	return Handle{idx: idx, gen: s.gen}, &s.val, nil
}

// Get resolves a handle. Returns false for nil, freed or stale handles.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	if h.Nil() || int(h.idx) >= len(p.slots) {
		return nil, false
	}
	s := &p.slots[h.idx]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return &s.val, true
}

// Free releases a slot back to the freelist and bumps its generation so
// outstanding handles to it become stale. Returns false if h was not live.
func (p *Pool[T]) Free(h Handle) bool {
	if h.Nil() || int(h.idx) >= len(p.slots) {
		return false
	}
	s := &p.slots[h.idx]
	if !s.used || s.gen != h.gen {
		return false
	}
	s.used = false
	s.gen++
	if s.gen == 0 { // generation 0 is reserved for the nil handle
		s.gen = 1
	}
	s.nextFree = p.freeHead
	p.freeHead = h.idx
	p.inUse--
	return true
}

// Len returns the number of live slots.
func (p *Pool[T]) Len() int { return p.inUse }

// Cap returns the pool capacity.
func (p *Pool[T]) Cap() int { return len(p.slots) }

// Range calls fn for every live slot until fn returns false. Allocation and
// freeing inside fn is not supported.
func (p *Pool[T]) Range(fn func(Handle, *T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.used {
			continue
		}
		if !fn(Handle{idx: uint32(i), gen: s.gen}, &s.val) {
			return
		}
	}
}
