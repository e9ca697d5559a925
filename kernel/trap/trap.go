// Package trap is the interrupt and exception entry: the timer interrupt
// and page faults raised by user accesses.
package trap

import (
	"sync/atomic"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/proc"
	"kcore/kernel/thread"
	"kcore/kernel/vmm"
)

type Trap struct {
	mem   arch.Memory
	s     *thread.Scheduler
	vmm   *vmm.VMM
	procs *proc.Manager

	ticks  atomic.Uint64
	faults atomic.Uint64
	kills  atomic.Uint64
}

func New(mem arch.Memory, s *thread.Scheduler, v *vmm.VMM, procs *proc.Manager) *Trap {
	return &Trap{mem: mem, s: s, vmm: v, procs: procs}
}

// Timer handles a timer interrupt taken by me. Interrupts are off.
func (t *Trap) Timer(me *thread.TCB) {
	t.ticks.Add(1)
	t.s.Tick(me.CPU())
}

// Poll takes a pending timer interrupt if me's core has interrupts on.
// Threads call it at points where they may be preempted.
func (t *Trap) Poll(me *thread.TCB) {
	c := me.CPU()
	was := c.DisableInterrupts()
	if !was && c.TimerPending() {
		t.Timer(me)
	}
	// possibly on another core by now
	me.CPU().RestoreInterrupts(was)
}

// PageFault handles a fault on va. It returns if the access can be
// retried; otherwise the faulting process exits with status -1.
func (t *Trap) PageFault(me *thread.TCB, va, ecode uint32) {
	t.faults.Add(1)
	c := me.CPU()
	was := c.DisableInterrupts()
	err := t.vmm.HandleFault(c, va, ecode)
	c.RestoreInterrupts(was)
	if err == nil {
		return
	}
	kprintf.Printf("| tcb %d: %v\n", me.ID(), err)
	t.kills.Add(1)
	t.procs.Exit(me, -1)
}

// Load8 reads a user byte.
func (t *Trap) Load8(me *thread.TCB, va uint32) byte {
	for {
		t.Poll(me)
		pa, ecode, ok := me.CPU().Translate(va, false, true)
		if ok {
			return t.mem.Bytes(pa, 1)[0]
		}
		t.PageFault(me, va, ecode)
	}
}

// Store8 writes a user byte.
func (t *Trap) Store8(me *thread.TCB, va uint32, b byte) {
	for {
		t.Poll(me)
		pa, ecode, ok := me.CPU().Translate(va, true, true)
		if ok {
			t.mem.Bytes(pa, 1)[0] = b
			return
		}
		t.PageFault(me, va, ecode)
	}
}

type Stats struct {
	Ticks, Faults, Kills uint64
}

func (t *Trap) Stats() Stats {
	return Stats{Ticks: t.ticks.Load(), Faults: t.faults.Load(), Kills: t.kills.Load()}
}
