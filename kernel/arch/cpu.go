package arch

import (
	"runtime"
	"unsafe"
)

// CPU is one core. Every method acts on that core only.
type CPU interface {
	ID() int

	// DisableInterrupts clears the interrupt flag and reports whether it
	// was already clear. RestoreInterrupts undoes it.
	DisableInterrupts() (wasDisabled bool)
	RestoreInterrupts(wasDisabled bool)
	EnableInterrupts()
	InterruptsDisabled() bool

	// TimerPending consumes a pending timer interrupt, if any.
	TimerPending() bool

	// PTBR is the page table base register (cr3). Loading it flushes the
	// non-global TLB entries.
	PTBR() uint32
	SetPTBR(pd uint32)
	Invlpg(va uint32)

	// SetKernelStack sets the stack used on a privilege transition (esp0).
	SetKernelStack(esp0 uint32)

	// Translate runs the MMU for an access to va. On failure it returns
	// the page fault error code.
	Translate(va uint32, write, user bool) (pa uint32, ecode uint32, ok bool)
}

// Memory is physical memory.
type Memory interface {
	Size() uint32
	Bytes(pa, n uint32) []byte
	Words(pa, n uint32) []uint32
}

// Pause is the spin-loop hint.
func Pause() {
	runtime.Gosched()
}

// Monitor arms address monitoring for a following Mwait.
func Monitor(addr unsafe.Pointer) {}

// Mwait waits for a write to the monitored address or an interrupt.
func Mwait() {
	runtime.Gosched()
}

// Relax is called by code that spins in a loop.
func Relax(useMwait bool) {
	if useMwait {
		Mwait()
	} else {
		Pause()
	}
}

// Table views the page directory or page table at pa.
func Table(m Memory, pa uint32) []PTE {
	w := m.Words(pa, PAGES_PER_TABLE)
	return unsafe.Slice((*PTE)(unsafe.Pointer(&w[0])), len(w))
}
