package kprintf

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintfAndPanic(t *testing.T) {
	var buf bytes.Buffer
	SetConsole(&buf)
	defer SetConsole(nil)

	Printf("| frames %d-%d\n", 1, 2)
	Assert(true, "never printed")

	func() {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("Assert(false) must panic")
			}
			if !strings.Contains(r.(string), "queued twice") {
				t.Fatalf("panic value %q", r)
			}
		}()
		Assert(false, "tcb %d queued twice", 3)
	}()

	want := "| frames 1-2\n*** panic: assertion failed: tcb 3 queued twice\n"
	if buf.String() != want {
		t.Fatalf("console %q", buf.String())
	}
}
