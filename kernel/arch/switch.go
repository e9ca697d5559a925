package arch

import (
	"runtime"
	"sync/atomic"
)

// SaveArea holds what ContextSwitch keeps for a thread that is not running.
// Each thread is backed by a goroutine that only executes while it owns a
// core; the saved register file is that goroutine's stack.
type SaveArea struct {
	ESP       uint32
	NoPreempt atomic.Uint32

	// Owner points back at the thread control block.
	Owner any

	// interrupt flag at the time of the switch (the saved eflags.IF)
	wasDisabled bool
	cpu         CPU
	resume      chan handoff
}

type handoff struct {
	cpu  CPU
	prev *SaveArea
	f    func(CPU, *SaveArea)
}

// NewSaveArea prepares a thread that starts in entry the first time
// something switches to it. It starts with interrupts enabled.
func NewSaveArea(owner any, esp uint32, entry func()) *SaveArea {
	sa := &SaveArea{ESP: esp, Owner: owner, resume: make(chan handoff, 1)}
	go func() {
		h, ok := <-sa.resume
		if !ok {
			return
		}
		sa.land(h)
		entry()
	}()
	return sa
}

// BootSaveArea adopts the calling goroutine, which is already running on
// c, as a thread.
func BootSaveArea(owner any, c CPU) *SaveArea {
	return &SaveArea{Owner: owner, cpu: c, resume: make(chan handoff, 1)}
}

// CPU is the core the thread last resumed on. Only meaningful when called
// by the thread itself.
func (sa *SaveArea) CPU() CPU {
	return sa.cpu
}

// Destroy releases a thread that is not running and never will again.
func (sa *SaveArea) Destroy() {
	close(sa.resume)
}

// ContextSwitch saves the caller into from, resumes to on c and calls
// f(c, from) on to's stack with interrupts disabled. It returns when some
// core switches back to from.
func ContextSwitch(c CPU, from, to *SaveArea, f func(CPU, *SaveArea)) {
	from.wasDisabled = c.DisableInterrupts()
	to.resume <- handoff{cpu: c, prev: from, f: f}
	h, ok := <-from.resume
	if !ok {
		runtime.Goexit()
	}
	from.land(h)
}

func (sa *SaveArea) land(h handoff) {
	sa.cpu = h.cpu
	// a thread becomes preemptible again as soon as it owns a core; the
	// cleanup below still runs with interrupts off
	sa.NoPreempt.Store(0)
	if h.f != nil {
		h.f(h.cpu, h.prev)
	}
	h.cpu.RestoreInterrupts(sa.wasDisabled)
}
