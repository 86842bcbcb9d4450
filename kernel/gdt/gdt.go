// Package gdt defines the segment selectors installed by the boot code and
// the task state segment consulted by the context-switch primitive. The GDT
// bring-up itself happens outside the core; the core only needs the selector
// values and write access to the TSS fields that steer kernel re-entry.
package gdt

// Selector values for the fixed GDT layout set up during boot. Usermode
// selectors carry requested privilege level 3 in their low bits.
const (
	KernelCodeSeg = uint16(0x08)
	KernelDataSeg = uint16(0x10)

	UsermodeCodeSeg = uint16(0x18 | 3)
	UsermodeDataSeg = uint16(0x20 | 3)
	TlsSeg          = uint16(0x28 | 3)

	TssSeg = uint16(0x30)
)

// TaskStateSegment holds the fields of the hardware task state structure that
// the core reads or writes. ESP0/SS0 select the kernel stack that the CPU
// loads on a user-to-kernel transition; the context switch must keep ESP0
// pointing at the incoming thread's kernel stack at all times.
type TaskStateSegment struct {
	ESP0 uint32
	SS0  uint16
}

// TSS is the single task state segment of the single-CPU target. It is
// loaded into the task register once during scheduler bring-up.
var TSS TaskStateSegment

// IsUsermode reports whether a code segment selector belongs to ring 3. The
// trap dispatch layer uses it to classify the origin of a fault.
func IsUsermode(cs uint16) bool {
	return cs&3 == 3
}
