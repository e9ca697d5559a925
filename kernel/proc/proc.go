// Package proc ties user processes to the scheduler and the VMM: each
// process is a PCB with its own page directory, run by one thread.
package proc

import (
	"sync/atomic"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/ksync"
	"kcore/kernel/pcb"
	"kcore/kernel/thread"
	"kcore/kernel/vmm"
)

type Manager struct {
	s    *thread.Scheduler
	vmm  *vmm.VMM
	live atomic.Int32
}

func NewManager(s *thread.Scheduler, v *vmm.VMM) *Manager {
	return &Manager{s: s, vmm: v}
}

type Process struct {
	m    *Manager
	pcb  *pcb.PCB
	exit *ksync.Future[int]
}

func (m *Manager) newProcess(pd uint32) *Process {
	p := &Process{m: m, exit: ksync.NewFuture[int](m.s)}
	p.pcb = pcb.New(pd, m.release)
	p.pcb.Proc = p
	m.live.Add(1)
	return p
}

// release runs when the last thread of a process is gone.
func (m *Manager) release(c arch.CPU, p *pcb.PCB) {
	m.vmm.DestroyPD(c, p.PTBR())
	m.live.Add(-1)
}

// Live counts processes whose address space still exists.
func (m *Manager) Live() int {
	return int(m.live.Load())
}

func (m *Manager) start(c arch.CPU, p *Process, work func(me *thread.TCB)) {
	m.s.Thread(c, p.pcb, func(me *thread.TCB) {
		work(me)
		m.Exit(me, 0)
	})
	// the thread holds the address space from here on
	p.pcb.Put(c)
}

// Spawn starts work as a new process with an empty user address space.
func (m *Manager) Spawn(c arch.CPU, work func(me *thread.TCB)) *Process {
	p := m.newProcess(m.vmm.CopyKPD())
	m.start(c, p, work)
	return p
}

// Fork starts work as a child of the calling process. The two share every
// page until one of them writes to it.
func (m *Manager) Fork(me *thread.TCB, work func(me *thread.TCB)) *Process {
	parent := Current(me)
	kprintf.Assert(parent != nil, "fork from a kernel thread")
	c := me.CPU()
	pd := parent.pcb.PTBR()
	kprintf.Assert(pd == c.PTBR(), "fork of an inactive address space %#x", pd)
	m.vmm.WriteProtect(c, pd)
	child := m.newProcess(m.vmm.CopyPD(pd))
	m.start(c, child, work)
	return child
}

// Exit publishes status and ends the calling thread.
func (m *Manager) Exit(me *thread.TCB, status int) {
	p := Current(me)
	kprintf.Assert(p != nil, "exit from a kernel thread")
	p.exit.Set(me.CPU(), status)
	m.s.Stop(me)
}

// Current is the process me runs for, nil for kernel threads.
func Current(me *thread.TCB) *Process {
	p, _ := me.PCB().Proc.(*Process)
	return p
}

func (p *Process) ID() uint32 {
	return p.pcb.ID()
}

func (p *Process) PCB() *pcb.PCB {
	return p.pcb
}

// Wait blocks until p exits and returns its status.
func (p *Process) Wait(me *thread.TCB) int {
	return p.exit.Get(me)
}

// Reset drops all of p's user memory. p must be the caller's process.
func (p *Process) Reset(me *thread.TCB) {
	kprintf.Assert(Current(me) == p, "reset of another process")
	p.m.vmm.ClearPD(me.CPU(), p.pcb.PTBR())
}
