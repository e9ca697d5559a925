// Package config holds the machine and kernel parameters chosen at boot.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
)

type Config struct {
	Cores   int
	MemSize uint32

	// physical frames in [FrameStart, MemSize) belong to the frame allocator
	FrameStart uint32

	LocalAPIC uint32
	IOAPIC    uint32
	TimerHz   int
}

func Default() Config {
	return Config{
		Cores:      4,
		MemSize:    16 << 20,
		FrameStart: 4 << 20,
		LocalAPIC:  0xfee00000,
		IOAPIC:     0xfec00000,
		TimerHz:    1000,
	}
}

// FrameSize is the number of bytes managed by the frame allocator.
func (c Config) FrameSize() uint32 {
	return c.MemSize - c.FrameStart
}

func (c Config) Validate() error {
	const pg = 4096
	switch {
	case c.Cores < 1:
		return errors.New("config: need at least one core")
	case c.MemSize%pg != 0 || c.FrameStart%pg != 0:
		return errors.New("config: memory bounds must be page aligned")
	case c.FrameStart == 0:
		return errors.New("config: frame 0 cannot be managed")
	case c.FrameStart >= c.MemSize:
		return fmt.Errorf("config: frame range %#x-%#x is empty", c.FrameStart, c.MemSize)
	case c.MemSize > c.IOAPIC || c.MemSize > c.LocalAPIC:
		return errors.New("config: physical memory overlaps the APIC pages")
	case c.TimerHz < 0:
		return errors.New("config: negative timer frequency")
	}
	return nil
}

func (c *Config) Bind(fs *flag.FlagSet) {
	fs.IntVar(&c.Cores, "cores", c.Cores, "number of cores")
	fs.Var((*hex32)(&c.MemSize), "mem", "physical memory size in bytes")
	fs.Var((*hex32)(&c.FrameStart), "frames", "first physical address handed to the frame allocator")
	fs.Var((*hex32)(&c.LocalAPIC), "lapic", "local APIC address")
	fs.Var((*hex32)(&c.IOAPIC), "ioapic", "I/O APIC address")
	fs.IntVar(&c.TimerHz, "hz", c.TimerHz, "timer interrupt frequency, 0 disables it")
}

// hex32 accepts decimal, 0x hex or octal.
type hex32 uint32

func (h *hex32) String() string {
	return fmt.Sprintf("%#x", uint32(*h))
}

func (h *hex32) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*h = hex32(v)
	return nil
}
