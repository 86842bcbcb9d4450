// Package task implements the thread and process manager: thread control
// blocks with their kernel stacks, process control blocks with their address
// spaces and file tables, the round-robin scheduler and the context-switch
// primitive that moves the CPU between threads.
package task

import "github.com/ytret/os/kernel/gate"

// ThreadState describes where a thread currently is in its lifecycle.
type ThreadState uint8

const (
	// ThreadReady means the thread sits in the run queue waiting for the
	// CPU.
	ThreadReady ThreadState = iota

	// ThreadRunning means the thread owns the CPU. At most one thread is
	// in this state.
	ThreadRunning

	// ThreadBlocked means the thread waits for an event or a wakeup tick
	// and is not schedulable.
	ThreadBlocked

	// ThreadTerminated means the thread is dead. Its id is never reused;
	// its kernel stack is reclaimed once the CPU has moved off it.
	ThreadTerminated
)

// Event identifies a condition that blocked threads wait for. The zero value
// is reserved; it marks a control block as not blocked.
type Event uint32

// IRQEvent returns the event signaled when the given IRQ line completes.
func IRQEvent(irq uint8) Event {
	return Event(0x100 + uint32(irq))
}

// Thread is one schedulable kernel-visible execution context.
type Thread struct {
	id    uint32
	proc  *Process
	state ThreadState

	// kstack is the thread's kernel stack; sp holds the saved stack
	// pointer while the thread is switched out. The stack is dropped on
	// reclamation, after the CPU has left it.
	kstack *Stack
	sp     uint32

	tls uint32

	// userRegs is the thread's user-mode register image. It is nil for
	// pure kernel threads and set once by the first usermode transition
	// or by fork.
	userRegs *gate.Registers

	blockedOn Event
	wakeTick  uint64
}

// ID returns the thread's unique identifier. Identifiers are allocated
// monotonically and never reused.
func (t *Thread) ID() uint32 {
	return t.id
}

// Process returns the process that owns the thread.
func (t *Thread) Process() *Process {
	return t.proc
}

// State returns the thread's lifecycle state.
func (t *Thread) State() ThreadState {
	return t.state
}

// TLS returns the thread-local storage base address.
func (t *Thread) TLS() uint32 {
	return t.tls
}

// UserRegs returns the thread's user-mode register image, or nil for a pure
// kernel thread.
func (t *Thread) UserRegs() *gate.Registers {
	return t.userRegs
}
