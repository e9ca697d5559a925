// Package arch describes the machine the kernel runs on: the 32-bit x86
// paging layout and the handful of primitives (interrupt flag, page table
// base, TLB, context switch) that everything above is built from.
package arch

const PGSIZE = uint32(4096)
const PGSHIFT = 12
const PAGES_PER_TABLE = 1024

// Paging entry bits. PTE_NG is a software bit: the entry is owned by a
// process, reference counted, and eligible for copy-on-write.
const (
	PTE_P  PTE = 1 << 0  // Present
	PTE_W  PTE = 1 << 1  // Writable
	PTE_U  PTE = 1 << 2  // User
	PTE_G  PTE = 1 << 8  // Global
	PTE_NG PTE = 1 << 10 // Non-global

	PTE_FLAGS PTE = 0xfff
	PTE_ADDR  PTE = ^PTE_FLAGS
)

// Page fault error code bits.
const (
	FEC_P = uint32(1 << 0) // fault on a present page
	FEC_W = uint32(1 << 1) // caused by a write
	FEC_U = uint32(1 << 2) // raised in user mode
)

// PTE is a page directory or page table entry.
type PTE uint32

func (p PTE) Present() bool  { return p&PTE_P != 0 }
func (p PTE) Writable() bool { return p&PTE_W != 0 }
func (p PTE) User() bool     { return p&PTE_U != 0 }
func (p PTE) Global() bool   { return p&PTE_G != 0 }
func (p PTE) Addr() uint32   { return uint32(p & PTE_ADDR) }
func (p PTE) Flags() PTE     { return p & PTE_FLAGS }

func PDX(va uint32) uint32 { return va >> 22 }
func PTX(va uint32) uint32 { return (va >> PGSHIFT) & 0x3ff }

func PGROUNDDOWN(a uint32) uint32 { return a &^ (PGSIZE - 1) }
func PGROUNDUP(a uint32) uint32   { return PGROUNDDOWN(a + PGSIZE - 1) }
func PGOFFSET(a uint32) uint32    { return a & (PGSIZE - 1) }
