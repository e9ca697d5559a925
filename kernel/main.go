package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"kcore/kernel/arch"
	"kcore/kernel/config"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
	"kcore/kernel/memviz"
	"kcore/kernel/pcb"
	"kcore/kernel/physmem"
	"kcore/kernel/proc"
	"kcore/kernel/sim"
	"kcore/kernel/thread"
	"kcore/kernel/trap"
	"kcore/kernel/vmm"
)

type kernel struct {
	m     *sim.Machine
	phys  *physmem.Allocator
	vmm   *vmm.VMM
	s     *thread.Scheduler
	procs *proc.Manager
	trap  *trap.Trap

	count   int
	countMu lock.SpinLock
	ok      bool
}

// KMain brings up the kernel on m, runs the boot tests on a kernel thread
// and returns once every core has stopped.
func KMain(ctx context.Context, m *sim.Machine) (*kernel, error) {
	kprintf.SetConsole(m.Console())
	cfg := m.Config()
	k := &kernel{m: m}

	kprintf.Printf("kmeminit...  ")
	k.phys = physmem.New(m, cfg.FrameStart, cfg.FrameSize())
	kprintf.Printf("OK\n")

	kprintf.Printf("kvminit...  ")
	k.vmm = vmm.New(k.phys, cfg)
	kprintf.Printf("OK\n")

	kprintf.Printf("threadsinit...  ")
	kproc := pcb.New(k.vmm.KernelPD(), nil)
	k.s = thread.New(m.CPUs(), kproc, k.phys)
	k.procs = proc.NewManager(k.s, k.vmm)
	k.trap = trap.New(m, k.s, k.vmm, k.procs)
	kprintf.Printf("OK\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.StartTimer(ctx, cfg.TimerHz)

	err := m.Run(ctx, func(ctx context.Context, c *sim.CPU) error {
		k.vmm.PerCoreInit(c)
		idle := k.s.Boot(c)
		kprintf.Printf("| core %d up\n", c.ID())
		if c.ID() == 0 {
			k.s.KernelThread(c, k.kmain)
		}
		k.s.Stop(idle)
		return nil
	})
	return k, err
}

func (k *kernel) kmain(me *thread.TCB) {
	spin := k.spinlockTest(me)
	kalloc := k.kallocTest(me)
	cow := k.cowTest(me)
	k.ok = spin && kalloc && cow
	st := k.phys.Stats()
	kprintf.Printf("| %d frames in use, %d free, %d reaped threads\n", st.InUse, st.Free, k.s.Reaped())
	k.s.Halt(me.CPU())
}

func (k *kernel) spinlockTest(me *thread.TCB) bool {
	kprintf.Printf("--- spinlock test ---\n")
	done := thread.NewSemaphore(k.s, 0)
	for i := 0; i < 2; i++ {
		k.s.KernelThread(me.CPU(), func(me *thread.TCB) {
			for j := 0; j < 1000; j++ {
				k.countMu.Lock()
				k.count++
				k.countMu.Unlock()
				if j%100 == 0 {
					k.s.Yield(me)
				}
			}
			done.Up(me.CPU())
		})
	}
	done.Down(me)
	done.Down(me)
	k.countMu.Lock()
	n := k.count
	k.countMu.Unlock()
	kprintf.Printf("Expected Count: 2000, Real Count: %d\n", n)
	return n == 2000
}

func (k *kernel) kallocTest(me *thread.TCB) bool {
	kprintf.Printf("--- kalloc test ---\n")
	before := k.phys.Stats().InUse
	frames := make([]uint32, 0, 64)
	for i := 0; i < cap(frames); i++ {
		frames = append(frames, k.phys.AllocFrame())
	}
	kprintf.Printf("allocate %d KB memory\n", len(frames)*int(arch.PGSIZE)/1024)
	for _, p := range frames {
		k.phys.Decref(p, nil)
	}
	after := k.phys.Stats().InUse
	if after != before {
		kprintf.Printf("leaked %d frames\n", after-before)
		return false
	}
	return true
}

func (k *kernel) cowTest(me *thread.TCB) bool {
	kprintf.Printf("--- copy-on-write test ---\n")
	va := vmm.UserBase + 0x1000
	var parent, child byte
	p := k.procs.Spawn(me.CPU(), func(me *thread.TCB) {
		wrote := thread.NewSemaphore(k.s, 0)
		k.trap.Store8(me, va, 'x')
		c := k.procs.Fork(me, func(me *thread.TCB) {
			wrote.Down(me)
			child = k.trap.Load8(me, va)
		})
		k.trap.Store8(me, va, 'y')
		wrote.Up(me.CPU())
		parent = k.trap.Load8(me, va)
		c.Wait(me)
	})
	status := p.Wait(me)
	for k.procs.Live() != 0 {
		k.s.Yield(me)
	}
	kprintf.Printf("parent %c child %c status %d\n", parent, child, status)
	return parent == 'y' && child == 'x' && status == 0
}

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cfg.Bind(fs)
	png := fs.String("memviz", "", "write the frame map to this PNG file at shutdown")
	fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	k, err := KMain(context.Background(), sim.New(cfg, os.Stdout))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *png != "" {
		if err := memviz.SavePNG(k.phys, 4, *png); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if !k.ok {
		os.Exit(1)
	}
}
