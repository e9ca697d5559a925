// Package ksync has blocking synchronization built on the scheduler's
// semaphores and condition variables.
package ksync

import (
	"sync/atomic"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
	"kcore/kernel/thread"
)

// BlockingLock is a mutex whose waiters give up their core. Unlike the
// spin locks it may be held across blocking calls.
type BlockingLock struct {
	mut   *thread.Semaphore
	owner atomic.Pointer[thread.TCB]
}

func NewBlockingLock(s *thread.Scheduler) *BlockingLock {
	return &BlockingLock{mut: thread.NewSemaphore(s, 1)}
}

func (l *BlockingLock) Lock(me *thread.TCB) {
	l.mut.Down(me)
	l.owner.Store(me)
}

func (l *BlockingLock) Unlock(me *thread.TCB) {
	kprintf.Assert(l.owner.Load() == me, "tcb %d unlocking a lock it does not hold", me.ID())
	l.owner.Store(nil)
	l.mut.Up(me.CPU())
}

func (l *BlockingLock) IsMine(me *thread.TCB) bool {
	return l.owner.Load() == me
}

// Barrier releases everybody once n threads have called Sync. It is
// good for one use.
type Barrier struct {
	mu    lock.InterruptSafeLock
	cv    *thread.Condition
	count uint32
}

func NewBarrier(s *thread.Scheduler, n uint32) *Barrier {
	b := &Barrier{count: n}
	b.cv = thread.NewCondition(s, &b.mu)
	return b
}

func (b *Barrier) Sync(me *thread.TCB) {
	b.mu.Lock(me.CPU())
	defer b.mu.Unlock()
	kprintf.Assert(b.count > 0, "barrier used more times than its count")
	b.count--
	if b.count == 0 {
		b.cv.NotifyAll(me.CPU())
		return
	}
	for b.count != 0 {
		b.cv.Wait(me)
	}
}

// ReusableBarrier is a barrier that can be used round after round. mut
// stays down from the moment the last thread arrives until the last one
// leaves, so a fast thread cannot lap the others.
type ReusableBarrier struct {
	mut   *thread.Semaphore
	gate  *thread.Semaphore
	count uint32
	limit uint32
}

func NewReusableBarrier(s *thread.Scheduler, n uint32) *ReusableBarrier {
	return &ReusableBarrier{
		mut:   thread.NewSemaphore(s, 1),
		gate:  thread.NewSemaphore(s, 0),
		limit: n,
	}
}

func (b *ReusableBarrier) Sync(me *thread.TCB) {
	b.mut.Down(me)
	b.count++
	if b.count == b.limit {
		b.gate.Up(me.CPU())
	} else {
		b.mut.Up(me.CPU())
	}

	b.gate.Down(me)
	b.count--
	if b.count == 0 {
		b.mut.Up(me.CPU())
	} else {
		b.gate.Up(me.CPU())
	}
}

// Future is a value that is set once and read by any number of threads.
type Future[T any] struct {
	sem   *thread.Semaphore
	set   atomic.Bool
	value T
}

func NewFuture[T any](s *thread.Scheduler) *Future[T] {
	return &Future[T]{sem: thread.NewSemaphore(s, 0)}
}

func (f *Future[T]) Set(c arch.CPU, v T) {
	kprintf.Assert(!f.set.Swap(true), "future set twice")
	f.value = v
	f.sem.Up(c)
}

// Get blocks until the value is set.
func (f *Future[T]) Get(me *thread.TCB) T {
	f.sem.Down(me)
	f.sem.Up(me.CPU())
	return f.value
}

// Go runs work on a new kernel thread and returns its result as a future.
func Go[T any](c arch.CPU, s *thread.Scheduler, work func(me *thread.TCB) T) *Future[T] {
	f := NewFuture[T](s)
	s.KernelThread(c, func(me *thread.TCB) {
		f.Set(me.CPU(), work(me))
	})
	return f
}
