// Package thread is the cooperative multi-core scheduler: thread control
// blocks, the ready queue, the block/yield/stop protocol, the reaper, and
// the semaphore and condition variable built on top of them.
package thread

import (
	"kcore/kernel/arch"
	"kcore/kernel/pcb"
)

// StackBytes is the size of a kernel thread stack.
const StackBytes = arch.PGSIZE

// TCB is a thread control block.
type TCB struct {
	id     uint32
	isIdle bool

	// queue linkage, only valid while queued
	next   *TCB
	queued bool

	sa    *arch.SaveArea
	pcb   *pcb.PCB
	stack uint32
	work  func(me *TCB)
	sched *Scheduler
}

func (t *TCB) ID() uint32 {
	return t.id
}

func (t *TCB) IsIdle() bool {
	return t.isIdle
}

// CPU is the core the thread is running on. Only the thread itself may
// ask, and the answer can change across any call that blocks.
func (t *TCB) CPU() arch.CPU {
	return t.sa.CPU()
}

func (t *TCB) PCB() *pcb.PCB {
	return t.pcb
}

func (t *TCB) Scheduler() *Scheduler {
	return t.sched
}

// NoPreempt reports whether the preemption guard is set.
func (t *TCB) NoPreempt() bool {
	return t.sa.NoPreempt.Load() != 0
}

// stopping is what Stop panics with to unwind a worker's stack.
type stopping struct{}

func (t *TCB) entry() {
	t.runWork()
	t.sched.stop(t)
}

// runWork returns when work returns or stops; either way the deferred
// calls on work's stack have run on a core t still owns.
func (t *TCB) runWork() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(stopping); !ok {
				panic(r)
			}
		}
	}()
	t.work(t)
}
