package thread

import (
	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
)

// Semaphore is a counting semaphore. Up hands its unit directly to a
// waiter when there is one.
type Semaphore struct {
	s       *Scheduler
	count   uint64
	lock    lock.InterruptSafeLock
	waiting Queue
}

func NewSemaphore(s *Scheduler, count uint64) *Semaphore {
	sem := &Semaphore{s: s, count: count}
	sem.waiting = newQueue(lock.NoLock{})
	return sem
}

func (sem *Semaphore) Down(me *TCB) {
	sem.lock.Lock(me.CPU())
	if sem.count > 0 {
		sem.count--
		sem.lock.Unlock()
		return
	}
	// not held across the switch; the cleanup looks again
	sem.lock.Unlock()

	sem.s.Block(me, MustBlock, func(c arch.CPU, prev *TCB) {
		kprintf.Assert(!prev.isIdle, "idle thread waiting on a semaphore")
		sem.lock.Lock(c)
		if sem.count > 0 {
			sem.count--
			sem.lock.Unlock()
			sem.s.Schedule(c, prev)
			return
		}
		sem.waiting.Add(c, prev)
		sem.lock.Unlock()
	})
}

func (sem *Semaphore) Up(c arch.CPU) {
	sem.lock.Lock(c)
	next := sem.waiting.Remove(c)
	if next == nil {
		sem.count++
	}
	sem.lock.Unlock()
	if next != nil {
		sem.s.Schedule(c, next)
	}
}

// Count returns the available units and the number of queued waiters.
func (sem *Semaphore) Count(c arch.CPU) (count uint64, waiting int) {
	sem.lock.Lock(c)
	defer sem.lock.Unlock()
	return sem.count, sem.waiting.len()
}
