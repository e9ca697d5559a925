// Package sim is a software model of a small x86 multiprocessor: physical
// memory, cores with an interrupt flag, a page table base register and a
// TLB, and a console UART.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"kcore/kernel/arch"
	"kcore/kernel/config"
)

type Machine struct {
	cfg     config.Config
	words   []uint32
	mem     []byte
	cpus    []*CPU
	console *UART
}

func New(cfg config.Config, console io.Writer) *Machine {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	m := &Machine{cfg: cfg, console: &UART{w: console}}
	m.words = make([]uint32, cfg.MemSize/4)
	m.mem = unsafe.Slice((*byte)(unsafe.Pointer(&m.words[0])), cfg.MemSize)
	m.cpus = make([]*CPU, cfg.Cores)
	for i := range m.cpus {
		m.cpus[i] = newCPU(i, m)
	}
	return m
}

func (m *Machine) Config() config.Config {
	return m.cfg
}

func (m *Machine) Console() *UART {
	return m.console
}

func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

func (m *Machine) CPUs() []arch.CPU {
	ret := make([]arch.CPU, len(m.cpus))
	for i, c := range m.cpus {
		ret[i] = c
	}
	return ret
}

func (m *Machine) Size() uint32 {
	return uint32(len(m.mem))
}

func (m *Machine) Bytes(pa, n uint32) []byte {
	if uint64(pa)+uint64(n) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("physical access %#x+%#x beyond %#x", pa, n, len(m.mem)))
	}
	return m.mem[pa : pa+n : pa+n]
}

func (m *Machine) Words(pa, n uint32) []uint32 {
	if pa%4 != 0 {
		panic(fmt.Sprintf("unaligned word access %#x", pa))
	}
	if uint64(pa)+4*uint64(n) > uint64(len(m.mem)) {
		panic(fmt.Sprintf("physical access %#x+%#x beyond %#x", pa, 4*n, len(m.mem)))
	}
	i := pa / 4
	return m.words[i : i+n : i+n]
}

// Run powers on every core; boot runs on each of them and the machine stops
// once all have returned.
func (m *Machine) Run(ctx context.Context, boot func(ctx context.Context, c *CPU) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.cpus {
		g.Go(func() error {
			return boot(ctx, c)
		})
	}
	return g.Wait()
}

// StartTimer raises a timer interrupt on every core hz times a second until
// ctx is done.
func (m *Machine) StartTimer(ctx context.Context, hz int) {
	if hz <= 0 {
		return
	}
	tk := time.NewTicker(time.Second / time.Duration(hz))
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				for _, c := range m.cpus {
					c.RaiseTimer()
				}
			}
		}
	}()
}

// UART serializes console output from all cores.
type UART struct {
	mu sync.Mutex
	w  io.Writer
}

func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.w == nil {
		return len(p), nil
	}
	return u.w.Write(p)
}
