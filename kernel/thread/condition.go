package thread

import (
	"math"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
)

// Condition is a Mesa-style condition variable bound to one lock. The
// lock is not handed to the woken thread, so Wait can return before the
// awaited state holds, or after it stopped holding: callers always wait
// in a loop that re-tests their predicate.
type Condition struct {
	s     *Scheduler
	lock  *lock.InterruptSafeLock
	queue Queue
	// bumped by every notify, under lock
	epoch uint64
}

func NewCondition(s *Scheduler, l *lock.InterruptSafeLock) *Condition {
	return &Condition{s: s, lock: l, queue: newQueue(lock.NoLock{})}
}

// Wait must be called holding the lock and returns holding it. No notify
// issued after Wait released the lock is missed.
func (cv *Condition) Wait(me *TCB) {
	kprintf.Assert(cv.lock.IsMine(), "condition wait without its lock")

	old := cv.epoch
	// an interrupt-safe lock is never held across a switch
	cv.lock.Unlock()

	cv.s.Block(me, CanReturn, func(c arch.CPU, prev *TCB) {
		kprintf.Assert(!prev.isIdle, "idle thread waiting on a condition")
		cv.lock.Lock(c)
		now := cv.epoch
		kprintf.Assert(now >= old, "condition epoch went backwards")
		if now == old {
			cv.queue.Add(c, prev)
			cv.lock.Unlock()
		} else {
			cv.lock.Unlock()
			cv.s.Schedule(c, prev)
		}
	})

	cv.lock.Lock(me.CPU())
	kprintf.Assert(cv.lock.IsMine(), "condition wait returned without its lock")
}

// Notify wakes up to limit waiters. It never releases the lock.
func (cv *Condition) Notify(c arch.CPU, limit uint64) {
	kprintf.Assert(cv.lock.IsMine(), "condition notify without its lock")
	cv.epoch++
	for i := uint64(0); i < limit; i++ {
		next := cv.queue.Remove(c)
		if next == nil {
			break
		}
		cv.s.Schedule(c, next)
	}
}

func (cv *Condition) NotifyOne(c arch.CPU) {
	cv.Notify(c, 1)
}

func (cv *Condition) NotifyAll(c arch.CPU) {
	cv.Notify(c, math.MaxUint64)
}

// Waiters is the number of threads queued. The caller holds the lock.
func (cv *Condition) Waiters() int {
	return cv.queue.len()
}
