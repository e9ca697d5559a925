package thread

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
	"kcore/kernel/pcb"
)

type BlockOption int

const (
	// MustBlock: the caller cannot keep running.
	MustBlock BlockOption = iota
	// CanReturn: the caller keeps running if nothing else is ready.
	CanReturn
)

// StackAllocator hands out kernel stacks of StackBytes bytes.
type StackAllocator interface {
	AllocStack() uint32
	FreeStack(base uint32)
}

type slot struct {
	active atomic.Pointer[TCB]
	idle   *TCB
	_      cpu.CacheLinePad
}

// Scheduler owns every core's active and idle thread, the ready queue and
// the reaper. There is one per machine.
type Scheduler struct {
	slots []slot

	readyLock lock.InterruptSafeLock
	ready     Queue

	kproc  *pcb.PCB
	stacks StackAllocator
	reaper *reaper

	nextID  atomic.Uint32
	jiffies atomic.Uint64
	halted  atomic.Bool
	// threads made by Thread and not reaped yet
	workers atomic.Int64
}

// New creates the scheduler for a machine with the given cores. Idle and
// kernel threads run in kproc.
func New(cpus []arch.CPU, kproc *pcb.PCB, stacks StackAllocator) *Scheduler {
	s := &Scheduler{
		slots:  make([]slot, len(cpus)),
		kproc:  kproc,
		stacks: stacks,
	}
	s.ready = newQueue(&s.readyLock)
	for i, c := range cpus {
		kprintf.Assert(c.ID() == i, "core %d registered as %d", c.ID(), i)
		t := &TCB{id: s.nextID.Add(1) - 1, isIdle: true, pcb: kproc.Get(), sched: s}
		t.sa = arch.BootSaveArea(t, c)
		s.slots[i].idle = t
		s.slots[i].active.Store(t)
	}
	s.reaper = newReaper(s)
	return s
}

// Boot is called once by every core's boot code, which becomes that core's
// idle thread. It enables interrupts and returns the idle thread; the boot
// code ends by calling Stop on it.
func (s *Scheduler) Boot(c arch.CPU) *TCB {
	idle := s.slots[c.ID()].idle
	kprintf.Assert(idle.sa.CPU() == c, "core %d booted twice", c.ID())
	c.SetKernelStack(s.kproc.KernelStack())
	if c.ID() == 0 {
		s.Schedule(c, s.reaper.t)
	}
	c.EnableInterrupts()
	return idle
}

func (s *Scheduler) Cores() int {
	return len(s.slots)
}

// Current returns the thread active on c.
func (s *Scheduler) Current(c arch.CPU) *TCB {
	was := c.DisableInterrupts()
	t := s.slots[c.ID()].active.Load()
	c.RestoreInterrupts(was)
	return t
}

func (s *Scheduler) Idle(c arch.CPU) *TCB {
	return s.slots[c.ID()].idle
}

// Schedule makes t runnable. Idle threads are never queued.
func (s *Scheduler) Schedule(c arch.CPU, t *TCB) {
	if !t.isIdle {
		s.ready.Add(c, t)
	}
}

// Block gives up the core me runs on. cleanup runs exactly once on the
// stack of whichever thread runs next, with interrupts disabled, and gets
// me as prev. It must not block. With CanReturn and an empty ready queue
// Block returns at once without calling cleanup.
func (s *Scheduler) Block(me *TCB, opt BlockOption, cleanup func(c arch.CPU, prev *TCB)) {
	c := me.CPU()
	was := c.DisableInterrupts()
	id := c.ID()
	kprintf.Assert(s.slots[id].active.Load() == me, "tcb %d blocking on core %d it does not own", me.id, id)
	me.sa.NoPreempt.Store(1)
	c.RestoreInterrupts(was)

	var next *TCB
	for {
		s.ready.monitorAdd()
		next = s.ready.Remove(c)
		if next != nil {
			break
		}
		if opt == CanReturn {
			me.sa.NoPreempt.Store(0)
			arch.Pause()
			return
		}
		if !me.isIdle {
			next = s.slots[id].idle
			break
		}
		kprintf.Assert(!c.InterruptsDisabled(), "core %d idling with interrupts off", id)
		if s.halted.Load() {
			me.sa.NoPreempt.Store(0)
			return
		}
		arch.Mwait()
	}

	next.sa.NoPreempt.Store(1)
	s.slots[id].active.Store(next)

	if pd := next.pcb.PTBR(); c.PTBR() != pd {
		c.SetPTBR(pd)
	}
	c.SetKernelStack(next.pcb.KernelStack())

	arch.ContextSwitch(c, me.sa, next.sa, func(c arch.CPU, prev *arch.SaveArea) {
		t := prev.Owner.(*TCB)
		if h := testHookBeforeCleanup.Load(); h != nil {
			(*h)(c, t)
		}
		if cleanup != nil {
			cleanup(c, t)
		}
	})
}

// testHookBeforeCleanup, when set, runs on the next thread just before a
// block's cleanup.
var testHookBeforeCleanup atomic.Pointer[func(c arch.CPU, prev *TCB)]

// Yield lets every thread that became ready before it run first.
func (s *Scheduler) Yield(me *TCB) {
	s.Block(me, CanReturn, func(c arch.CPU, prev *TCB) {
		s.Schedule(c, prev)
	})
}

// Stop ends the calling thread. A worker first unwinds its stack, so its
// deferred calls run while it still owns its core, and the reaper frees
// it afterwards. For an idle thread Stop only returns once the machine is
// halted and nothing is ready.
func (s *Scheduler) Stop(me *TCB) {
	if !me.isIdle {
		panic(stopping{})
	}
	s.stop(me)
}

func (s *Scheduler) stop(me *TCB) {
	for {
		s.Block(me, MustBlock, func(c arch.CPU, prev *TCB) {
			switch {
			case prev.isIdle:
			case prev == s.reaper.t:
				s.reaper.retire(c)
			default:
				s.reaper.put(c, prev)
			}
		})
		kprintf.Assert(me.isIdle, "stopped tcb %d resumed", me.id)
		if s.halted.Load() {
			return
		}
	}
}

func (s *Scheduler) newTCB(p *pcb.PCB, work func(me *TCB)) *TCB {
	stack := s.stacks.AllocStack()
	esp := stack + StackBytes - 8
	t := &TCB{id: s.nextID.Add(1) - 1, pcb: p, stack: stack, work: work, sched: s}
	t.sa = arch.NewSaveArea(t, esp, t.entry)
	p.SetKernelStack(esp)
	return t
}

// Thread runs work on a new thread in the address space of p, which gets
// a reference for the thread's lifetime.
func (s *Scheduler) Thread(c arch.CPU, p *pcb.PCB, work func(me *TCB)) *TCB {
	t := s.newTCB(p.Get(), work)
	s.workers.Add(1)
	s.Schedule(c, t)
	return t
}

// KernelThread runs work on a new thread in the kernel address space.
func (s *Scheduler) KernelThread(c arch.CPU, work func(me *TCB)) *TCB {
	return s.Thread(c, s.kproc, work)
}

// Tick is the timer interrupt. Core 0 keeps time; every core preempts
// its active thread unless it is idle or has its guard set.
func (s *Scheduler) Tick(c arch.CPU) {
	if c.ID() == 0 {
		s.jiffies.Add(1)
	}
	t := s.slots[c.ID()].active.Load()
	if t == nil || t.isIdle || t.NoPreempt() {
		return
	}
	s.Yield(t)
}

func (s *Scheduler) Jiffies() uint64 {
	return s.jiffies.Load()
}

// Halt asks every core to stop once the ready queue drains. The reaper
// exits after the last thread is reaped and frees itself.
func (s *Scheduler) Halt(c arch.CPU) {
	s.halted.Store(true)
	s.reaper.wake(c)
}

func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// Reaped is the number of threads the reaper has destroyed.
func (s *Scheduler) Reaped() uint64 {
	return s.reaper.reaped.Load()
}
