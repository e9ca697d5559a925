// Package vmm manages page directories and page tables: the kernel's
// identity map, copy-on-write duplication of address spaces, their
// teardown and the page fault policy.
//
// An entry with PTE_NG set owns a reference to the frame it points to.
// Entries without it (the kernel's global mappings) are shared by value.
package vmm

import (
	"kcore/kernel/arch"
	"kcore/kernel/config"
	"kcore/kernel/kprintf"
	"kcore/kernel/physmem"
)

const kflags = arch.PTE_G | arch.PTE_W | arch.PTE_P

// UserBase is the lowest user virtual address.
const UserBase = uint32(0x80000000)

type VMM struct {
	mem  arch.Memory
	phys *physmem.Allocator
	kpd  uint32
}

// New builds the kernel page directory: all of physical memory mapped 1:1
// except the null page, plus the APIC pages.
func New(phys *physmem.Allocator, cfg config.Config) *VMM {
	v := &VMM{mem: phys.Memory(), phys: phys}
	v.kpd = phys.UnsafeAllocFrame()
	kpd := v.table(v.kpd)

	full := cfg.MemSize >> 22
	for pdi := uint32(0); pdi < full; pdi++ {
		pt := phys.UnsafeAllocFrame()
		ptes := v.table(pt)
		for pti := uint32(0); pti < arch.PAGES_PER_TABLE; pti++ {
			ptes[pti] = arch.PTE(pdi<<22|pti<<arch.PGSHIFT) | kflags
		}
		kpd[pdi] = arch.PTE(pt) | kflags
	}

	if va := full << 22; va < cfg.MemSize {
		kpd[arch.PDX(va)] = arch.PTE(phys.UnsafeAllocFrame()) | kflags
		for ; va < cfg.MemSize; va += arch.PGSIZE {
			v.Map(v.kpd, va, va, kflags)
		}
	}

	// catch null pointers
	v.table(kpd[0].Addr())[0] = 0

	v.Map(v.kpd, cfg.LocalAPIC, cfg.LocalAPIC, kflags)
	v.Map(v.kpd, cfg.IOAPIC, cfg.IOAPIC, kflags)
	kprintf.Printf("| kernel page directory at %#x\n", v.kpd)
	return v
}

func (v *VMM) table(pa uint32) []arch.PTE {
	return arch.Table(v.mem, pa)
}

func (v *VMM) KernelPD() uint32 {
	return v.kpd
}

// PerCoreInit turns on paging on c with the kernel page directory.
func (v *VMM) PerCoreInit(c arch.CPU) {
	kprintf.Assert(v.kpd != 0, "vmm used before New")
	c.SetPTBR(v.kpd)
}

// CopyKPD returns a new page directory holding just the kernel mappings.
func (v *VMM) CopyKPD() uint32 {
	pd := v.phys.AllocFrame()
	arch.Memcpy(v.mem, pd, v.kpd, arch.PGSIZE)
	return pd
}

func (v *VMM) copyPage(pg uint32) uint32 {
	n := v.phys.AllocFrame()
	arch.Memcpy(v.mem, n, pg, arch.PGSIZE)
	return n
}

func (v *VMM) copyPT(pt uint32) uint32 {
	n := v.phys.AllocFrame()
	src, dst := v.table(pt), v.table(n)
	for i, pte := range src {
		switch {
		case !pte.Present():
		case pte.Global():
			kprintf.Assert(pte&arch.PTE_NG == 0, "pte %#x is global and owned", pte)
			dst[i] = pte
		case !pte.Writable():
			// shared until someone writes
			dst[i] = pte
			v.phys.Incref(pte.Addr())
		default:
			dst[i] = arch.PTE(v.copyPage(pte.Addr())) | pte.Flags()
		}
	}
	return n
}

// CopyPD duplicates an address space. Global tables and read-only tables
// are shared; writable tables are copied.
func (v *VMM) CopyPD(pd uint32) uint32 {
	n := v.phys.AllocFrame()
	src, dst := v.table(pd), v.table(n)
	for i, pde := range src {
		switch {
		case !pde.Present():
		case pde&arch.PTE_NG == 0:
			dst[i] = pde
		case !pde.Writable():
			dst[i] = pde
			v.phys.Incref(pde.Addr())
		default:
			dst[i] = arch.PTE(v.copyPT(pde.Addr())) | pde.Flags()
		}
	}
	return n
}

// WriteProtect makes every owned writable mapping of pd read-only in
// place, so that the next write to it faults and gets its own copy. A
// table keeps its W bit while it still holds a writable global entry.
func (v *VMM) WriteProtect(c arch.CPU, pd uint32) {
	const owned = arch.PTE_NG | arch.PTE_W | arch.PTE_P
	dir := v.table(pd)
	for pdi := range dir {
		if dir[pdi]&owned != owned {
			continue
		}
		dir[pdi] &^= arch.PTE_W
		pt := v.table(dir[pdi].Addr())
		for pti := range pt {
			switch pt[pti] & owned {
			case owned:
				pt[pti] &^= arch.PTE_W
				c.Invlpg(uint32(pdi)<<22 | uint32(pti)<<arch.PGSHIFT)
			case arch.PTE_W | arch.PTE_P:
				dir[pdi] |= arch.PTE_W
			}
		}
	}
}

func (v *VMM) destroyPT(pt uint32) {
	for _, pte := range v.table(pt) {
		if pte.Present() && pte&arch.PTE_NG != 0 {
			v.phys.Decref(pte.Addr(), nil)
		}
	}
}

func (v *VMM) destroyPD(pd uint32) {
	for _, pde := range v.table(pd) {
		if pde.Present() && pde&arch.PTE_NG != 0 {
			v.phys.Decref(pde.Addr(), v.destroyPT)
		}
	}
}

// DestroyPD drops the reference to pd. When it was the last one, every
// table and page it owns is released the same way.
func (v *VMM) DestroyPD(c arch.CPU, pd uint32) {
	kprintf.Assert(pd != c.PTBR(), "destroying the active page directory %#x", pd)
	v.phys.Decref(pd, v.destroyPD)
}

func (v *VMM) clearPT(pt uint32) {
	ptes := v.table(pt)
	for i, pte := range ptes {
		if pte.Present() && pte&arch.PTE_NG != 0 {
			v.phys.Decref(pte.Addr(), nil)
			ptes[i] = 0
		}
	}
}

// ClearPD drops every user mapping of pd, leaving the kernel's.
func (v *VMM) ClearPD(c arch.CPU, pd uint32) {
	dir := v.table(pd)
	for i, pde := range dir {
		if !pde.Present() || pde&arch.PTE_NG == 0 {
			continue
		}
		if !pde.Global() {
			v.phys.Decref(pde.Addr(), v.destroyPT)
			dir[i] = 0
			continue
		}
		v.clearPT(pde.Addr())
	}
	if c.PTBR() == pd {
		c.SetPTBR(pd)
	}
}

// pt returns the table that maps va, allocating it or making a private
// copy of it when the directory entry is missing flags.
func (v *VMM) pt(pd, va uint32, flags arch.PTE) []arch.PTE {
	kprintf.Assert(flags.Present(), "mapping %#x without PTE_P", va)
	dir := v.table(pd)
	pdi := arch.PDX(va)
	pde := dir[pdi]
	switch {
	case !pde.Present():
		dir[pdi] = arch.PTE(v.phys.AllocFrame()) | flags
	case pde&flags != flags:
		dir[pdi] = arch.PTE(v.copyPT(pde.Addr())) | pde.Flags() | flags
		if pde&arch.PTE_NG != 0 {
			v.phys.Decref(pde.Addr(), v.destroyPT)
		}
	}
	return v.table(dir[pdi].Addr())
}

// Map points va at pa. The reference to pa passes to pd.
func (v *VMM) Map(pd, va, pa uint32, flags arch.PTE) {
	v.pt(pd, va, flags)[arch.PTX(va)] = arch.PTE(pa) | flags
}

// MapCopy is Map for a copy-on-write fault: whatever read-only page va
// maps is copied into pa and released. It fails if the page was already
// writable, since then the fault was not a copy-on-write one.
func (v *VMM) MapCopy(pd, va, pa uint32, flags arch.PTE) error {
	pt := v.pt(pd, va, flags)
	pti := arch.PTX(va)
	if old := pt[pti]; old.Present() {
		if old.Writable() {
			return &FaultError{VA: va, Kind: FaultFatal, Reason: "write fault on a writable page"}
		}
		arch.Memcpy(v.mem, pa, old.Addr(), arch.PGSIZE)
		if old&arch.PTE_NG != 0 {
			v.phys.Decref(old.Addr(), nil)
		}
	}
	pt[pti] = arch.PTE(pa) | flags
	return nil
}

// Lookup returns the directory and table entries for va.
func (v *VMM) Lookup(pd, va uint32) (pde, pte arch.PTE) {
	pde = v.table(pd)[arch.PDX(va)]
	if !pde.Present() {
		return pde, 0
	}
	return pde, v.table(pde.Addr())[arch.PTX(va)]
}

// Dump prints the tables and pages pd owns.
func (v *VMM) Dump(pd uint32) {
	for _, pde := range v.table(pd) {
		if !pde.Present() || pde&arch.PTE_NG == 0 {
			continue
		}
		kprintf.Printf("page table at %#x\n", pde.Addr())
		for _, pte := range v.table(pde.Addr()) {
			if pte.Present() && pte&arch.PTE_NG != 0 {
				kprintf.Printf("page at %#x\n", pte.Addr())
			}
		}
	}
}
