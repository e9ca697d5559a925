// Package pcb defines the process control block: the address space and
// privilege-transition stack a thread runs with.
package pcb

import (
	"sync/atomic"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
)

var nextID atomic.Uint32

// PCB is reference counted. Every thread holds a reference; when the last
// one is dropped the release hook tears down the address space.
type PCB struct {
	id   uint32
	ptbr uint32
	esp0 atomic.Uint32
	refs atomic.Int32

	release func(c arch.CPU, p *PCB)

	// Proc is the process that owns this PCB, nil for the kernel.
	Proc any
}

// New returns a PCB holding one reference, owned by the caller.
func New(ptbr uint32, release func(c arch.CPU, p *PCB)) *PCB {
	p := &PCB{id: nextID.Add(1) - 1, ptbr: ptbr, release: release}
	p.refs.Store(1)
	return p
}

func (p *PCB) ID() uint32 {
	return p.id
}

// PTBR is the page directory of this address space; it also serves as the
// address space's identity.
func (p *PCB) PTBR() uint32 {
	return p.ptbr
}

func (p *PCB) KernelStack() uint32 {
	return p.esp0.Load()
}

func (p *PCB) SetKernelStack(esp0 uint32) {
	p.esp0.Store(esp0)
}

func (p *PCB) Refs() int {
	return int(p.refs.Load())
}

// Get takes another reference.
func (p *PCB) Get() *PCB {
	n := p.refs.Add(1)
	kprintf.Assert(n > 1, "pcb %d: reference taken after release", p.id)
	return p
}

// Put drops a reference; c is the core the caller runs on.
func (p *PCB) Put(c arch.CPU) {
	n := p.refs.Add(-1)
	kprintf.Assert(n >= 0, "pcb %d: reference count underflow", p.id)
	if n == 0 && p.release != nil {
		p.release(c, p)
	}
}
