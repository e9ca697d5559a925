// Package physmem manages the physical frames handed to the kernel: a
// free-list/bump allocator and a sparse table of per-frame reference
// counts.
package physmem

import (
	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
)

const (
	// each region of the reference table covers this many frames with one
	// frame of 16-bit counters
	regionFrames = arch.PGSIZE / 2
	regionShift  = arch.PGSHIFT + 11
	aggMask      = arch.PGSIZE - 1
	maxRef       = 0xffff
)

// Allocator owns the frames in [start, limit).
type Allocator struct {
	mem arch.Memory

	lock      lock.SpinLock
	firstFree uint32 // 0 ends the list; the link lives in the frame's first word
	nfree     int
	avail     uint32
	start     uint32
	limit     uint32

	// refs[r] is the address of region r's counter frame, or 0, with the
	// number of non-zero counters in it kept in the low bits
	reflock lock.SpinLock
	refs    []uint32
}

func New(mem arch.Memory, start, size uint32) *Allocator {
	kprintf.Assert(start%arch.PGSIZE == 0 && size%arch.PGSIZE == 0, "unaligned frame range %#x+%#x", start, size)
	kprintf.Assert(start != 0, "frame 0 cannot be managed")
	limit := start + size
	kprintf.Assert(limit > start && limit <= mem.Size(), "frame range %#x-%#x outside memory", start, limit)
	kprintf.Printf("| physical range %#x-%#x\n", start, limit)
	return &Allocator{
		mem:   mem,
		avail: start,
		start: start,
		limit: limit,
		refs:  make([]uint32, ((limit-1)>>regionShift)+1),
	}
}

func (a *Allocator) Memory() arch.Memory {
	return a.mem
}

func (a *Allocator) Start() uint32 {
	return a.start
}

func (a *Allocator) Limit() uint32 {
	return a.limit
}

// Watermark is the end of the frames handed out so far.
func (a *Allocator) Watermark() uint32 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.avail
}

// UnsafeAllocFrame returns a zeroed frame whose reference count is 0. It is
// for frames that are not reference counted, or whose count the caller
// sets up itself. Running out of frames is fatal.
func (a *Allocator) UnsafeAllocFrame() uint32 {
	a.lock.Lock()
	p := a.firstFree
	if p != 0 {
		a.firstFree = a.mem.Words(p, 1)[0]
		a.nfree--
	} else if a.avail < a.limit {
		p = a.avail
		a.avail += arch.PGSIZE
	}
	a.lock.Unlock()
	if p == 0 {
		kprintf.Panic("no more frames")
	}
	arch.Bzero(a.mem, p)
	return p
}

// AllocFrame returns a zeroed frame holding one reference.
func (a *Allocator) AllocFrame() uint32 {
	p := a.UnsafeAllocFrame()
	a.claim(p)
	return p
}

// DeallocFrame puts p back on the free list. Nothing may reference it.
func (a *Allocator) DeallocFrame(p uint32) {
	if p < a.start || p >= a.limit {
		kprintf.Printf("| not freeing %#x\n", p)
		return
	}
	kprintf.Assert(arch.PGOFFSET(p) == 0, "freeing unaligned frame %#x", p)
	a.lock.Lock()
	a.mem.Words(p, 1)[0] = a.firstFree
	a.firstFree = p
	a.nfree++
	a.lock.Unlock()
}

type Stats struct {
	Start, Limit, Watermark uint32
	Free                    int
	InUse                   int
}

func (a *Allocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	used := int((a.avail - a.start) / arch.PGSIZE)
	return Stats{
		Start:     a.start,
		Limit:     a.limit,
		Watermark: a.avail,
		Free:      a.nfree,
		InUse:     used - a.nfree,
	}
}

// AllocStack and FreeStack let the scheduler take kernel stacks from
// here; a stack is one frame.
func (a *Allocator) AllocStack() uint32 {
	return a.AllocFrame()
}

func (a *Allocator) FreeStack(base uint32) {
	a.Decref(base, nil)
}
