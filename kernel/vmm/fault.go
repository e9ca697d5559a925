package vmm

import (
	"errors"
	"fmt"

	"kcore/kernel/arch"
)

// Fault is what a page fault calls for.
type Fault int

const (
	// FaultFatal: the access was illegal; the process dies.
	FaultFatal Fault = iota
	// FaultCOW: a write to a shared read-only page; copy it.
	FaultCOW
	// FaultLazy: first touch of a user page; map a zero frame.
	FaultLazy
)

func (f Fault) String() string {
	switch f {
	case FaultFatal:
		return "fatal"
	case FaultCOW:
		return "copy-on-write"
	case FaultLazy:
		return "lazy"
	}
	return fmt.Sprintf("Fault(%d)", int(f))
}

// ErrFatalFault is matched by every error HandleFault returns.
var ErrFatalFault = errors.New("fatal page fault")

type FaultError struct {
	VA     uint32
	Code   uint32
	Kind   Fault
	Reason string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("page fault at %#x (error code %#x): %s", e.VA, e.Code, e.Reason)
}

func (e *FaultError) Unwrap() error {
	return ErrFatalFault
}

func decode(va, ecode uint32) (Fault, string) {
	switch {
	case va == 0:
		return FaultFatal, "null pointer"
	case ecode&(arch.FEC_P|arch.FEC_W|arch.FEC_U) == arch.FEC_P|arch.FEC_U:
		return FaultFatal, "read of a protected page"
	case va < UserBase:
		return FaultFatal, "kernel address"
	case ecode&(arch.FEC_P|arch.FEC_W) == arch.FEC_P|arch.FEC_W:
		return FaultCOW, ""
	case ecode&arch.FEC_P != 0:
		return FaultFatal, "protection violation"
	}
	return FaultLazy, ""
}

// Decode classifies a fault on va with the given error code.
func Decode(va, ecode uint32) Fault {
	f, _ := decode(va, ecode)
	return f
}

// HandleFault resolves a page fault in the address space active on c.
// A nil return means the access can be retried.
func (v *VMM) HandleFault(c arch.CPU, va, ecode uint32) error {
	kind, reason := decode(va, ecode)
	pd := c.PTBR()
	page := arch.PGROUNDDOWN(va)
	const flags = arch.PTE_NG | arch.PTE_W | arch.PTE_U | arch.PTE_P

	switch kind {
	case FaultCOW:
		pa := v.phys.AllocFrame()
		if err := v.MapCopy(pd, page, pa, flags); err != nil {
			v.phys.Decref(pa, nil)
			var fe *FaultError
			if errors.As(err, &fe) {
				fe.VA, fe.Code = va, ecode
			}
			return err
		}
		c.Invlpg(va)
	case FaultLazy:
		v.Map(pd, page, v.phys.AllocFrame(), flags)
	default:
		return &FaultError{VA: va, Code: ecode, Kind: kind, Reason: reason}
	}
	return nil
}
