package sim

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"kcore/kernel/arch"
)

type tlbent struct {
	pa     uint32
	w, u   bool
	global bool
}

type CPU struct {
	_ cpu.CacheLinePad

	id int
	m  *Machine

	enabled atomic.Bool
	timer   atomic.Bool
	ptbr    atomic.Uint32
	esp0    atomic.Uint32

	reloads atomic.Uint64
	invlpgs atomic.Uint64

	tlbmu sync.Mutex
	tlb   map[uint32]tlbent

	_ cpu.CacheLinePad
}

func newCPU(id int, m *Machine) *CPU {
	return &CPU{id: id, m: m, tlb: make(map[uint32]tlbent)}
}

func (c *CPU) ID() int {
	return c.id
}

func (c *CPU) DisableInterrupts() bool {
	return !c.enabled.Swap(false)
}

func (c *CPU) RestoreInterrupts(wasDisabled bool) {
	if !wasDisabled {
		c.enabled.Store(true)
	}
}

func (c *CPU) EnableInterrupts() {
	c.enabled.Store(true)
}

func (c *CPU) InterruptsDisabled() bool {
	return !c.enabled.Load()
}

func (c *CPU) RaiseTimer() {
	c.timer.Store(true)
}

func (c *CPU) TimerPending() bool {
	return c.timer.Swap(false)
}

func (c *CPU) PTBR() uint32 {
	return c.ptbr.Load()
}

func (c *CPU) SetPTBR(pd uint32) {
	c.ptbr.Store(pd)
	c.reloads.Add(1)
	c.tlbmu.Lock()
	for va, e := range c.tlb {
		if !e.global {
			delete(c.tlb, va)
		}
	}
	c.tlbmu.Unlock()
}

// Reloads counts writes to the page table base register.
func (c *CPU) Reloads() uint64 {
	return c.reloads.Load()
}

func (c *CPU) Invlpg(va uint32) {
	c.invlpgs.Add(1)
	c.tlbmu.Lock()
	delete(c.tlb, arch.PGROUNDDOWN(va))
	c.tlbmu.Unlock()
}

func (c *CPU) Invlpgs() uint64 {
	return c.invlpgs.Load()
}

func (c *CPU) SetKernelStack(esp0 uint32) {
	c.esp0.Store(esp0)
}

func (c *CPU) KernelStack() uint32 {
	return c.esp0.Load()
}

// Translate walks the two-level tables rooted at the PTBR, going through
// the TLB first. Writes need the W bit at both levels even in kernel mode.
func (c *CPU) Translate(va uint32, write, user bool) (uint32, uint32, bool) {
	page := arch.PGROUNDDOWN(va)
	off := arch.PGOFFSET(va)

	c.tlbmu.Lock()
	e, hit := c.tlb[page]
	c.tlbmu.Unlock()
	if hit && (!write || e.w) && (!user || e.u) {
		return e.pa | off, 0, true
	}

	var ecode uint32
	if write {
		ecode |= arch.FEC_W
	}
	if user {
		ecode |= arch.FEC_U
	}
	pd := arch.Table(c.m, c.ptbr.Load())
	pde := pd[arch.PDX(va)]
	if !pde.Present() {
		return 0, ecode, false
	}
	pte := arch.Table(c.m, pde.Addr())[arch.PTX(va)]
	if !pte.Present() {
		return 0, ecode, false
	}
	e = tlbent{
		pa:     pte.Addr(),
		w:      pde.Writable() && pte.Writable(),
		u:      pde.User() && pte.User(),
		global: pte.Global(),
	}
	if (write && !e.w) || (user && !e.u) {
		return 0, ecode | arch.FEC_P, false
	}
	c.tlbmu.Lock()
	c.tlb[page] = e
	c.tlbmu.Unlock()
	return e.pa | off, 0, true
}

// Load8 and Store8 perform an access through the MMU.
func (c *CPU) Load8(va uint32, user bool) (byte, uint32, bool) {
	pa, ecode, ok := c.Translate(va, false, user)
	if !ok {
		return 0, ecode, false
	}
	return c.m.Bytes(pa, 1)[0], 0, true
}

func (c *CPU) Store8(va uint32, v byte, user bool) (uint32, bool) {
	pa, ecode, ok := c.Translate(va, true, user)
	if !ok {
		return ecode, false
	}
	c.m.Bytes(pa, 1)[0] = v
	return 0, true
}
