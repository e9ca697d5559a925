package physmem

import (
	"sync/atomic"
	"unsafe"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
)

func regionOf(p uint32) uint32 {
	return p >> regionShift
}

func indexOf(p uint32) uint32 {
	return (p >> arch.PGSHIFT) % regionFrames
}

// two counters share a word, the even one in the low half
func shiftOf(i uint32) uint32 {
	return (i & 1) * 16
}

func (a *Allocator) counterWord(sub, i uint32) *uint32 {
	w := a.mem.Words(sub+(i/2)*4, 1)
	return (*uint32)(unsafe.Pointer(&w[0]))
}

func (a *Allocator) check(p uint32) {
	kprintf.Assert(p >= a.start && p < a.limit && arch.PGOFFSET(p) == 0, "bad frame %#x", p)
}

// add applies delta to counter i in sub and returns the old value.
func add(w *uint32, i uint32, delta int) uint32 {
	sh := shiftOf(i)
	for {
		old := atomic.LoadUint32(w)
		n := (old >> sh) & maxRef
		m := uint32(int(n) + delta)
		kprintf.Assert(m <= maxRef, "reference count out of range (%d%+d)", n, delta)
		if atomic.CompareAndSwapUint32(w, old, old&^(maxRef<<sh)|m<<sh) {
			return n
		}
	}
}

// tryAdd is add for callers that already own a reference: it refuses to
// move a counter to or from zero.
func tryAdd(w *uint32, i uint32, delta int) bool {
	sh := shiftOf(i)
	for {
		old := atomic.LoadUint32(w)
		n := (old >> sh) & maxRef
		if n == 0 || (n == 1 && delta < 0) {
			return false
		}
		m := uint32(int(n) + delta)
		kprintf.Assert(m <= maxRef, "reference count overflow on %d", n)
		if atomic.CompareAndSwapUint32(w, old, old&^(maxRef<<sh)|m<<sh) {
			return true
		}
	}
}

// Incref takes another reference to p. The caller must already own one,
// which keeps p's counter frame alive for the lock-free path.
func (a *Allocator) Incref(p uint32) {
	a.check(p)
	r, i := regionOf(p), indexOf(p)
	if e := atomic.LoadUint32(&a.refs[r]); e != 0 {
		if tryAdd(a.counterWord(arch.PTE(e).Addr(), i), i, 1) {
			return
		}
	}
	a.increfLocked(r, i)
}

// claim takes the first reference to a frame nobody references. The
// counter frame for p's region is allocated the first time any frame in
// it is referenced.
func (a *Allocator) claim(p uint32) {
	a.check(p)
	a.increfLocked(regionOf(p), indexOf(p))
}

func (a *Allocator) increfLocked(r, i uint32) {
	a.reflock.Lock()
	defer a.reflock.Unlock()
	e := a.refs[r]
	if e == 0 {
		e = a.UnsafeAllocFrame()
	}
	if add(a.counterWord(arch.PTE(e).Addr(), i), i, 1) == 0 {
		e++
	}
	atomic.StoreUint32(&a.refs[r], e)
}

// Decref drops a reference to p. On the last one onZero (if not nil) runs
// and then p is freed; neither happens with a lock held.
func (a *Allocator) Decref(p uint32, onZero func(p uint32)) {
	a.check(p)
	r, i := regionOf(p), indexOf(p)
	e := atomic.LoadUint32(&a.refs[r])
	kprintf.Assert(e != 0, "decref of unreferenced frame %#x", p)
	if tryAdd(a.counterWord(arch.PTE(e).Addr(), i), i, -1) {
		return
	}

	a.reflock.Lock()
	e = a.refs[r]
	sub := arch.PTE(e).Addr()
	zero := add(a.counterWord(sub, i), i, -1) == 1
	var freeSub bool
	if zero {
		e--
		if e&aggMask == 0 {
			e = 0
			freeSub = true
		}
		atomic.StoreUint32(&a.refs[r], e)
	}
	a.reflock.Unlock()

	if freeSub {
		a.DeallocFrame(sub)
	}
	if zero {
		if onZero != nil {
			onZero(p)
		}
		a.DeallocFrame(p)
	}
}

// Refcount reads p's counter.
func (a *Allocator) Refcount(p uint32) int {
	a.check(p)
	a.reflock.Lock()
	defer a.reflock.Unlock()
	e := a.refs[regionOf(p)]
	if e == 0 {
		return 0
	}
	i := indexOf(p)
	return int((atomic.LoadUint32(a.counterWord(arch.PTE(e).Addr(), i)) >> shiftOf(i)) & maxRef)
}

// Regions is the number of counter frames currently allocated.
func (a *Allocator) Regions() int {
	a.reflock.Lock()
	defer a.reflock.Unlock()
	n := 0
	for _, e := range a.refs {
		if e != 0 {
			n++
		}
	}
	return n
}
