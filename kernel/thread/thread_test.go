package thread

import (
	"context"
	"sync/atomic"
	"testing"

	"kcore/kernel/arch"
	"kcore/kernel/config"
	"kcore/kernel/lock"
	"kcore/kernel/pcb"
	"kcore/kernel/physmem"
	"kcore/kernel/sim"
)

type rig struct {
	m     *sim.Machine
	phys  *physmem.Allocator
	kproc *pcb.PCB
	s     *Scheduler
}

func newRig(cores int) *rig {
	cfg := config.Default()
	cfg.Cores = cores
	cfg.MemSize = 4 << 20
	cfg.FrameStart = 1 << 20
	m := sim.New(cfg, nil)
	r := &rig{m: m, phys: physmem.New(m, cfg.FrameStart, cfg.FrameSize())}
	r.kproc = pcb.New(0, nil)
	r.s = New(m.CPUs(), r.kproc, r.phys)
	return r
}

// run boots every core and runs main on a kernel thread; the machine
// halts when main returns.
func (r *rig) run(t *testing.T, main func(me *TCB)) {
	t.Helper()
	err := r.m.Run(context.Background(), func(ctx context.Context, c *sim.CPU) error {
		idle := r.s.Boot(c)
		if c.ID() == 0 {
			r.s.KernelThread(c, func(me *TCB) {
				main(me)
				r.s.Halt(me.CPU())
			})
		}
		r.s.Stop(idle)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

// poll is what the timer interrupt entry does at a safe point.
func poll(s *Scheduler, me *TCB) {
	c := me.CPU()
	was := c.DisableInterrupts()
	if !was && c.TimerPending() {
		s.Tick(c)
	}
	me.CPU().RestoreInterrupts(was)
}

func TestQueue(t *testing.T) {
	m := sim.New(config.Default(), nil)
	c := m.CPU(0)
	q := newQueue(&lock.InterruptSafeLock{})
	a, b, d := &TCB{id: 1}, &TCB{id: 2}, &TCB{id: 3}
	if q.Remove(c) != nil {
		t.Fatalf("empty queue")
	}
	q.Add(c, a)
	q.Add(c, b)
	q.Add(c, d)
	if got := q.Remove(c); got != a {
		t.Fatalf("got %d", got.id)
	}
	q.Add(c, a)
	var ids []uint32
	for it := q.RemoveAll(c); it != nil; it = it.next {
		ids = append(ids, it.id)
	}
	if len(ids) != 3 || ids[0] != 2 || ids[1] != 3 || ids[2] != 1 {
		t.Fatalf("order %v", ids)
	}
	if q.Remove(c) != nil || a.queued || b.queued || d.queued {
		t.Fatalf("RemoveAll left state behind")
	}
}

func TestQueueTwice(t *testing.T) {
	m := sim.New(config.Default(), nil)
	c := m.CPU(0)
	q := newQueue(lock.NoLock{})
	a := &TCB{id: 1}
	q.Add(c, a)
	defer func() {
		if recover() == nil {
			t.Fatalf("second Add of a queued tcb")
		}
	}()
	q.Add(c, a)
}

func TestIdleNotQueued(t *testing.T) {
	r := newRig(2)
	c := r.m.CPU(1)
	r.s.Schedule(c, r.s.Idle(c))
	if n := r.s.ready.len(); n != 0 {
		t.Fatalf("ready queue holds %d", n)
	}
	if r.s.Current(c) != r.s.Idle(c) {
		t.Fatalf("core starts on its idle thread")
	}
}

func TestFIFO(t *testing.T) {
	r := newRig(1)
	var order []uint32
	var ids []uint32
	r.run(t, func(me *TCB) {
		done := NewSemaphore(r.s, 0)
		for i := 0; i < 3; i++ {
			tcb := r.s.KernelThread(me.CPU(), func(me *TCB) {
				order = append(order, me.ID())
				done.Up(me.CPU())
			})
			ids = append(ids, tcb.ID())
		}
		for i := 0; i < 3; i++ {
			done.Down(me)
		}
	})
	if len(order) != 3 {
		t.Fatalf("ran %d threads", len(order))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("completion order %v, scheduled %v", order, ids)
		}
	}
}

func TestYieldCanReturn(t *testing.T) {
	r := newRig(1)
	var ran atomic.Bool
	r.run(t, func(me *TCB) {
		r.s.Block(me, CanReturn, func(c arch.CPU, prev *TCB) {
			r.s.Schedule(c, prev)
		})
		ran.Store(true)
		if me.NoPreempt() {
			t.Errorf("guard left set after a block that returned")
		}
	})
	if !ran.Load() {
		t.Fatalf("main did not finish")
	}
}

func downs(t *testing.T, cores int) {
	r := newRig(cores)
	var passed atomic.Int32
	var count uint64
	var waiting int
	r.run(t, func(me *TCB) {
		sem := NewSemaphore(r.s, 1)
		for i := 0; i < 2; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				sem.Down(me)
				passed.Add(1)
			})
		}
		for {
			count, waiting = sem.Count(me.CPU())
			if passed.Load() == 1 && waiting == 1 {
				break
			}
			r.s.Yield(me)
		}
		if p := passed.Load(); p != 1 {
			t.Errorf("%d downs passed on a count of 1", p)
		}
		sem.Up(me.CPU())
		for passed.Load() != 2 {
			r.s.Yield(me)
		}
	})
	if count != 0 || waiting != 1 {
		t.Fatalf("count %d waiting %d", count, waiting)
	}
}

func TestTwoDowns(t *testing.T) {
	downs(t, 1)
}

func TestTwoDownsSMP(t *testing.T) {
	downs(t, 2)
}

func TestSemaphoreBound(t *testing.T) {
	const initial, producers, consumers, ups = 3, 4, 8, 100
	r := newRig(4)
	var upsDone, downsDone atomic.Int64
	var broken atomic.Bool
	r.run(t, func(me *TCB) {
		sem := NewSemaphore(r.s, initial)
		done := NewSemaphore(r.s, 0)
		for i := 0; i < consumers; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				for j := 0; j < producers*ups/consumers; j++ {
					sem.Down(me)
					if downsDone.Add(1) > initial+upsDone.Load() {
						broken.Store(true)
					}
				}
				done.Up(me.CPU())
			})
		}
		for i := 0; i < producers; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				for j := 0; j < ups; j++ {
					upsDone.Add(1)
					sem.Up(me.CPU())
					if j%10 == 0 {
						r.s.Yield(me)
					}
				}
				done.Up(me.CPU())
			})
		}
		for i := 0; i < producers+consumers; i++ {
			done.Down(me)
		}
		if n, w := sem.Count(me.CPU()); n != initial || w != 0 {
			t.Errorf("final count %d waiting %d", n, w)
		}
	})
	if broken.Load() {
		t.Fatalf("more downs completed than units available")
	}
	if downsDone.Load() != producers*ups {
		t.Fatalf("downs %d", downsDone.Load())
	}
}

func TestConditionHoldsLock(t *testing.T) {
	const waiters = 4
	r := newRig(2)
	var l lock.InterruptSafeLock
	var ready bool
	var woke atomic.Int32
	var lost atomic.Bool
	// owner is who is inside the critical section; it must be empty on
	// the way in and still be us on the way out
	var owner atomic.Pointer[TCB]
	enter := func(me *TCB) {
		if !owner.CompareAndSwap(nil, me) {
			lost.Store(true)
		}
	}
	leave := func(me *TCB) {
		if !owner.CompareAndSwap(me, nil) {
			lost.Store(true)
		}
	}
	r.run(t, func(me *TCB) {
		cv := NewCondition(r.s, &l)
		done := NewSemaphore(r.s, 0)
		for i := 0; i < waiters; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				l.Lock(me.CPU())
				enter(me)
				for !ready {
					leave(me)
					cv.Wait(me)
					enter(me)
				}
				leave(me)
				l.Unlock()
				woke.Add(1)
				done.Up(me.CPU())
			})
		}
		r.s.Yield(me)
		l.Lock(me.CPU())
		enter(me)
		ready = true
		cv.NotifyAll(me.CPU())
		leave(me)
		l.Unlock()
		for i := 0; i < waiters; i++ {
			done.Down(me)
		}
	})
	if lost.Load() {
		t.Fatalf("lock not held after wait or notify")
	}
	if woke.Load() != waiters {
		t.Fatalf("%d waiters finished", woke.Load())
	}
}

func TestNotifyLimit(t *testing.T) {
	r := newRig(1)
	var l lock.InterruptSafeLock
	var afterOne, afterAll int
	r.run(t, func(me *TCB) {
		cv := NewCondition(r.s, &l)
		stop := false
		for i := 0; i < 3; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				l.Lock(me.CPU())
				for !stop {
					cv.Wait(me)
				}
				l.Unlock()
			})
		}
		for {
			l.Lock(me.CPU())
			if cv.Waiters() == 3 {
				break
			}
			l.Unlock()
			r.s.Yield(me)
		}
		cv.NotifyOne(me.CPU())
		afterOne = cv.Waiters()
		stop = true
		cv.NotifyAll(me.CPU())
		afterAll = cv.Waiters()
		l.Unlock()
	})
	if afterOne != 2 || afterAll != 0 {
		t.Fatalf("waiters after notifyOne %d, after notifyAll %d", afterOne, afterAll)
	}
}

func TestReaper(t *testing.T) {
	const n = 5
	r := newRig(2)
	var baseRefs, refs int
	var baseUse, use int
	r.run(t, func(me *TCB) {
		baseRefs = r.kproc.Refs()
		baseUse = r.phys.Stats().InUse
		for i := 0; i < n; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {})
		}
		for r.s.Reaped() < n {
			r.s.Yield(me)
		}
		refs = r.kproc.Refs()
		use = r.phys.Stats().InUse
	})
	if refs != baseRefs {
		t.Fatalf("kernel pcb refs %d, started with %d", refs, baseRefs)
	}
	if use != baseUse {
		t.Fatalf("frames in use %d, started with %d", use, baseUse)
	}
}

func TestAddressSpaceSwitch(t *testing.T) {
	r := newRig(1)
	user := pcb.New(0x5000, nil)
	var reloads uint64
	var inUser uint32
	var esp0, want uint32
	r.run(t, func(me *TCB) {
		c := r.m.CPU(0)
		before := c.Reloads()
		done := NewSemaphore(r.s, 0)
		for i := 0; i < 2; i++ {
			r.s.Thread(me.CPU(), user, func(me *TCB) {
				inUser = me.CPU().PTBR()
				esp0 = me.CPU().(*sim.CPU).KernelStack()
				want = me.PCB().KernelStack()
				done.Up(me.CPU())
			})
		}
		done.Down(me)
		done.Down(me)
		reloads = c.Reloads() - before
	})
	if inUser != 0x5000 {
		t.Fatalf("user thread ran with ptbr %#x", inUser)
	}
	if esp0 != want {
		t.Fatalf("esp0 %#x, pcb says %#x", esp0, want)
	}
	if reloads != 2 {
		t.Fatalf("%d page table reloads, want one in and one out", reloads)
	}
	if user.Refs() != 1 {
		t.Fatalf("user pcb refs %d after both threads were reaped", user.Refs())
	}
}

func TestPreempt(t *testing.T) {
	r := newRig(1)
	var stop atomic.Bool
	var spins int
	r.run(t, func(me *TCB) {
		done := NewSemaphore(r.s, 0)
		r.s.KernelThread(me.CPU(), func(me *TCB) {
			for !stop.Load() {
				spins++
				if spins%100 == 0 {
					r.m.CPU(0).RaiseTimer()
				}
				poll(r.s, me)
			}
			done.Up(me.CPU())
		})
		r.s.KernelThread(me.CPU(), func(me *TCB) {
			stop.Store(true)
			done.Up(me.CPU())
		})
		done.Down(me)
		done.Down(me)
	})
	if spins == 0 {
		t.Fatalf("spinner never ran")
	}
	if r.s.Jiffies() == 0 {
		t.Fatalf("no ticks counted")
	}
}

func TestManyThreads(t *testing.T) {
	const n = 40
	r := newRig(4)
	var l lock.InterruptSafeLock
	counter := 0
	r.run(t, func(me *TCB) {
		done := NewSemaphore(r.s, 0)
		for i := 0; i < n; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				for j := 0; j < 10; j++ {
					l.Lock(me.CPU())
					counter++
					l.Unlock()
					r.s.Yield(me)
				}
				done.Up(me.CPU())
			})
		}
		for i := 0; i < n; i++ {
			done.Down(me)
		}
	})
	if counter != n*10 {
		t.Fatalf("counter %d", counter)
	}
}

// hookCleanup installs f ahead of every block cleanup for the rest of the
// test.
func hookCleanup(t *testing.T, f func(c arch.CPU, prev *TCB)) {
	testHookBeforeCleanup.Store(&f)
	t.Cleanup(func() { testHookBeforeCleanup.Store(nil) })
}

func TestDownRacesUp(t *testing.T) {
	r := newRig(1)
	var waiter atomic.Pointer[TCB]
	var fired, passed bool
	var count uint64
	var waiting int
	r.run(t, func(me *TCB) {
		sem := NewSemaphore(r.s, 0)
		// the up lands after Down saw a zero count but before it queued
		hookCleanup(t, func(c arch.CPU, prev *TCB) {
			if prev == waiter.Load() && !fired {
				fired = true
				sem.Up(c)
			}
		})
		waiter.Store(r.s.KernelThread(me.CPU(), func(me *TCB) {
			sem.Down(me)
			passed = true
		}))
		for i := 0; i < 10 && !passed; i++ {
			r.s.Yield(me)
		}
		count, waiting = sem.Count(me.CPU())
		if waiting != 0 {
			sem.Up(me.CPU())
		}
	})
	if !fired {
		t.Fatalf("waiter never blocked")
	}
	if !passed || count != 0 || waiting != 0 {
		t.Fatalf("up lost: passed %v count %d waiting %d", passed, count, waiting)
	}
}

func TestWaitRacesNotify(t *testing.T) {
	r := newRig(1)
	var l lock.InterruptSafeLock
	var waiter atomic.Pointer[TCB]
	var fired, returned bool
	var queued int
	r.run(t, func(me *TCB) {
		cv := NewCondition(r.s, &l)
		// the notify lands after Wait dropped the lock but before it queued
		hookCleanup(t, func(c arch.CPU, prev *TCB) {
			if prev == waiter.Load() && !fired {
				fired = true
				l.Lock(c)
				cv.NotifyOne(c)
				l.Unlock()
			}
		})
		waiter.Store(r.s.KernelThread(me.CPU(), func(me *TCB) {
			l.Lock(me.CPU())
			cv.Wait(me)
			returned = true
			l.Unlock()
		}))
		for i := 0; i < 10 && !returned; i++ {
			r.s.Yield(me)
		}
		l.Lock(me.CPU())
		queued = cv.Waiters()
		cv.NotifyAll(me.CPU())
		l.Unlock()
	})
	if !fired {
		t.Fatalf("waiter never blocked")
	}
	if !returned || queued != 0 {
		t.Fatalf("notify lost: returned %v queued %d", returned, queued)
	}
}

func TestStopUnwinds(t *testing.T) {
	r := newRig(2)
	var unwound, owned, after atomic.Bool
	r.run(t, func(me *TCB) {
		done := NewSemaphore(r.s, 0)
		r.s.KernelThread(me.CPU(), func(me *TCB) {
			defer func() {
				unwound.Store(true)
				owned.Store(r.s.Current(me.CPU()) == me)
				done.Up(me.CPU())
			}()
			func() {
				r.s.Stop(me)
				after.Store(true)
			}()
			after.Store(true)
		})
		done.Down(me)
	})
	if !unwound.Load() || !owned.Load() {
		t.Fatalf("deferred calls ran %v, on the thread's own core %v", unwound.Load(), owned.Load())
	}
	if after.Load() {
		t.Fatalf("stopped thread kept running")
	}
	if n := r.s.Reaped(); n != 2 {
		t.Fatalf("reaped %d threads", n)
	}
}

func TestShutdownFreesEverything(t *testing.T) {
	const cores = 2
	r := newRig(cores)
	r.run(t, func(me *TCB) {
		for i := 0; i < 3; i++ {
			r.s.KernelThread(me.CPU(), func(me *TCB) {
				r.s.Yield(me)
			})
		}
	})
	if n := r.phys.Stats().InUse; n != 0 {
		t.Fatalf("%d stacks left after shutdown", n)
	}
	// the pcb itself and one reference per idle thread
	if n := r.kproc.Refs(); n != 1+cores {
		t.Fatalf("kernel pcb refs %d", n)
	}
}
