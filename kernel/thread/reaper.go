package thread

import (
	"sync/atomic"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
)

// reaper is the only code that destroys threads. A thread cannot free the
// stack it is running on, so Stop hands it over here.
type reaper struct {
	s       *Scheduler
	t       *TCB
	mu      lock.InterruptSafeLock
	cv      *Condition
	zombies Queue
	reaped  atomic.Uint64
}

func newReaper(s *Scheduler) *reaper {
	r := &reaper{s: s}
	r.cv = NewCondition(s, &r.mu)
	r.zombies = newQueue(lock.NoLock{})
	r.t = s.newTCB(s.kproc.Get(), r.run)
	return r
}

func (r *reaper) put(c arch.CPU, t *TCB) {
	r.mu.Lock(c)
	r.zombies.Add(c, t)
	r.cv.NotifyOne(c)
	r.mu.Unlock()
}

func (r *reaper) wake(c arch.CPU) {
	r.mu.Lock(c)
	r.cv.NotifyAll(c)
	r.mu.Unlock()
}

func (r *reaper) run(me *TCB) {
	kprintf.Printf("| starting reaper\n")
	for {
		r.mu.Lock(me.CPU())
		var t *TCB
		for {
			t = r.zombies.Remove(me.CPU())
			if t != nil || r.done() {
				break
			}
			r.cv.Wait(me)
		}
		r.mu.Unlock()
		if t == nil {
			return
		}
		r.destroy(me.CPU(), t)
	}
}

func (r *reaper) done() bool {
	return r.s.halted.Load() && r.s.workers.Load() == 0
}

func (r *reaper) destroy(c arch.CPU, t *TCB) {
	kprintf.Assert(!t.isIdle, "reaping idle tcb %d", t.id)
	r.s.stacks.FreeStack(t.stack)
	t.sa.Destroy()
	p := t.pcb
	t.pcb = nil
	p.Put(c)
	r.reaped.Add(1)
	r.s.workers.Add(-1)
}

// retire frees the reaper itself. It runs as the cleanup of the reaper's
// last switch, so the reaper is no longer on its stack.
func (r *reaper) retire(c arch.CPU) {
	t := r.t
	r.s.stacks.FreeStack(t.stack)
	t.sa.Destroy()
	p := t.pcb
	t.pcb = nil
	p.Put(c)
}
