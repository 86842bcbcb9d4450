package task

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/mm"
)

const (
	// kernelStackPages is the size of each thread's kernel stack.
	kernelStackPages = 4

	stackBytes = kernelStackPages * mm.PageSize
	stackWords = stackBytes / 4
)

var (
	errStackOverflow  = &kernel.Error{Module: "task", Message: "kernel stack overflow"}
	errStackUnderflow = &kernel.Error{Module: "task", Message: "kernel stack underflow"}
)

// Stack is a thread's kernel stack: a fixed array of 32-bit words that grows
// downwards from its top address. The word slots model the stack memory; the
// top address anchors it in the kernel's address space so the stack pointer
// and the re-entry pointer in the task state segment are real addresses.
type Stack struct {
	words   [stackWords]uint32
	spIndex uint32
	topAddr uint32
}

// newStack returns an empty stack anchored at topAddr, with the pointer
// parked one slot past the last word as on a descending stack with nothing
// pushed.
func newStack(topAddr uint32) *Stack {
	return &Stack{spIndex: stackWords, topAddr: topAddr}
}

// newFilledStack returns a stack prepared for a thread's very first entry:
// the unwind path that the switch restores must find the entry address on
// top of a zeroed callee-saved register area, with a zero frame pointer
// terminating stack walks.
func newFilledStack(topAddr, entryAddr uint32) *Stack {
	s := newStack(topAddr)

	s.Push(entryAddr)
	// Frame pointer sentinel.
	s.Push(0)
	// Callee-saved registers observed by the first restore.
	s.Push(0)
	s.Push(0)
	s.Push(0)
	return s
}

// Push stores a word at the next lower slot.
func (s *Stack) Push(word uint32) *kernel.Error {
	if s.spIndex == 0 {
		return errStackOverflow
	}
	s.spIndex--
	s.words[s.spIndex] = word
	return nil
}

// Pop removes and returns the most recently pushed word.
func (s *Stack) Pop() (uint32, *kernel.Error) {
	if s.spIndex == stackWords {
		return 0, errStackUnderflow
	}
	word := s.words[s.spIndex]
	s.spIndex++
	return word, nil
}

// Depth returns the number of pushed words.
func (s *Stack) Depth() uint32 {
	return stackWords - s.spIndex
}

// TopAddress returns the address one byte past the highest word slot. This
// is the value loaded into the task state segment for kernel re-entry.
func (s *Stack) TopAddress() uint32 {
	return s.topAddr
}

// SPAddress returns the address of the most recently pushed word.
func (s *Stack) SPAddress() uint32 {
	return s.topAddr - 4*s.Depth()
}
