package thread

import (
	"unsafe"

	"kcore/kernel/arch"
	"kcore/kernel/kprintf"
	"kcore/kernel/lock"
)

// Queue is an intrusive FIFO of TCBs linked through TCB.next. A TCB is on
// at most one queue at a time.
type Queue struct {
	first *TCB
	last  *TCB
	lock  lock.Locker
}

func newQueue(l lock.Locker) Queue {
	return Queue{lock: l}
}

func (q *Queue) monitorAdd() {
	arch.Monitor(unsafe.Pointer(&q.last))
}

func (q *Queue) Add(c arch.CPU, t *TCB) {
	q.lock.Lock(c)
	defer q.lock.Unlock()
	kprintf.Assert(!t.queued, "tcb %d queued twice", t.id)
	t.queued = true
	t.next = nil
	if q.first == nil {
		q.first = t
	} else {
		q.last.next = t
	}
	q.last = t
}

func (q *Queue) Remove(c arch.CPU) *TCB {
	q.lock.Lock(c)
	defer q.lock.Unlock()
	if q.first == nil {
		return nil
	}
	it := q.first
	q.first = it.next
	if q.first == nil {
		q.last = nil
	}
	it.next = nil
	it.queued = false
	return it
}

// RemoveAll detaches the whole list and returns its head.
func (q *Queue) RemoveAll(c arch.CPU) *TCB {
	q.lock.Lock(c)
	defer q.lock.Unlock()
	it := q.first
	q.first = nil
	q.last = nil
	for t := it; t != nil; t = t.next {
		t.queued = false
	}
	return it
}

func (q *Queue) len() int {
	n := 0
	for t := q.first; t != nil; t = t.next {
		n++
	}
	return n
}
