// Package lock provides the kernel's busy-waiting locks. None of them ever
// suspends the caller.
package lock

import (
	"sync/atomic"
	"unsafe"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
)

// Locker guards queues. Lock takes the core the caller runs on.
type Locker interface {
	Lock(c arch.CPU)
	Unlock()
}

type SpinLock struct {
	taken atomic.Bool
}

// IsMine may return false positives, never false negatives.
func (l *SpinLock) IsMine() bool {
	return l.taken.Load()
}

func (l *SpinLock) Lock() {
	arch.Monitor(unsafe.Pointer(&l.taken))
	for l.taken.Swap(true) {
		arch.Relax(true)
		arch.Monitor(unsafe.Pointer(&l.taken))
	}
}

func (l *SpinLock) Unlock() {
	l.taken.Store(false)
}

// InterruptSafeLock also disables interrupts on the holder's core and
// restores the previous state on Unlock. It is not reentrant and must not
// be held across a context switch.
type InterruptSafeLock struct {
	taken atomic.Bool
	was   bool
	cpu   arch.CPU
}

func (l *InterruptSafeLock) IsMine() bool {
	return l.taken.Load()
}

func (l *InterruptSafeLock) Lock(c arch.CPU) {
	for {
		arch.Monitor(unsafe.Pointer(&l.taken))
		wasDisabled := c.DisableInterrupts()
		if !l.taken.Swap(true) {
			l.was = wasDisabled
			l.cpu = c
			return
		}
		c.RestoreInterrupts(wasDisabled)
		arch.Relax(true)
	}
}

func (l *InterruptSafeLock) Unlock() {
	kprintf.Assert(l.taken.Load(), "unlock of a free interrupt-safe lock")
	c, was := l.cpu, l.was
	l.cpu = nil
	l.taken.Store(false)
	c.RestoreInterrupts(was)
}

// NoLock is for queues already serialized by some other lock.
type NoLock struct{}

func (NoLock) Lock(arch.CPU) {}
func (NoLock) Unlock()       {}
