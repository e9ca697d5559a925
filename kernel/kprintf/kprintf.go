// Package kprintf is the kernel console: formatted output, assertions and
// panics.
package kprintf

import (
	"fmt"
	"io"
	"sync/atomic"
)

type sink struct {
	w io.Writer
}

var console atomic.Pointer[sink]

// SetConsole directs kernel output to w. Output is dropped until it is
// called.
func SetConsole(w io.Writer) {
	if w == nil {
		console.Store(nil)
		return
	}
	console.Store(&sink{w})
}

func Printf(format string, args ...any) {
	s := console.Load()
	if s == nil {
		return
	}
	// one write per message so lines from different cores don't interleave
	io.WriteString(s.w, fmt.Sprintf(format, args...))
}

// Panic reports a broken kernel invariant and stops the kernel.
func Panic(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	Printf("*** panic: %s\n", msg)
	panic(msg)
}

func Assert(cond bool, format string, args ...any) {
	if !cond {
		Panic("assertion failed: "+format, args...)
	}
}
