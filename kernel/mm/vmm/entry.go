package vmm

import "github.com/ytret/os/kernel/mm"

// EntryFlag describes an attribute bit in a page directory or page table
// entry.
type EntryFlag uint32

const (
	// FlagPresent marks an entry as backed by a frame. Accesses through
	// entries lacking it raise a page fault.
	FlagPresent EntryFlag = 1 << 0

	// FlagRW permits write access through the entry.
	FlagRW EntryFlag = 1 << 1

	// FlagUserAccessible permits ring-3 access through the entry. Kernel
	// mappings never carry it.
	FlagUserAccessible EntryFlag = 1 << 2
)

const flagMask = mm.PageSize - 1

// pageTableEntry holds a frame address in its upper bits and attribute flags
// in the low 12 bits.
type pageTableEntry uint32

func (e pageTableEntry) HasFlags(flags EntryFlag) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

func (e *pageTableEntry) SetFlags(flags EntryFlag) {
	*e = pageTableEntry(uint32(*e) | uint32(flags))
}

func (e *pageTableEntry) ClearFlags(flags EntryFlag) {
	*e = pageTableEntry(uint32(*e) &^ uint32(flags))
}

// Frame returns the physical frame that this entry points to.
func (e pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uint32(e) &^ flagMask)
}

// SetFrame updates the entry to point to the given frame.
func (e *pageTableEntry) SetFrame(frame mm.Frame) {
	*e = pageTableEntry(uint32(*e)&flagMask | frame.Address())
}
