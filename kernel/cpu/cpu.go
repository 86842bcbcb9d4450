// Package cpu models the privileged CPU state that the core manipulates: the
// interrupt flag, the page-table root register, the fault address register
// and the port I/O bus. Every operation that would be a privileged
// instruction on real hardware is routed through this package so the rest of
// the kernel can be exercised without the hardware present.
package cpu

// state holds the modeled per-CPU register state. The target is single-CPU
// so a single package-level instance suffices.
var state struct {
	intsEnabled bool
	halted      bool
	sp          uint32
	cr2         uint32
	pdtRoot     uint32
	bus         PortBus
}

// PortBus provides byte-wide access to the I/O port space. Device models
// (interrupt controller, timer) register themselves on the bus; reads from
// unclaimed ports float high.
type PortBus interface {
	ReadByte(port uint16) uint8
	WriteByte(port uint16, val uint8)
}

// Reset restores the modeled CPU to its power-on state: interrupts disabled,
// not halted, no active page table and an empty port bus.
func Reset() {
	state.intsEnabled = false
	state.halted = false
	state.sp = 0
	state.cr2 = 0
	state.pdtRoot = 0
	state.bus = nil
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { state.intsEnabled = true }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { state.intsEnabled = false }

// InterruptsEnabled returns true while the interrupt flag is set.
func InterruptsEnabled() bool { return state.intsEnabled }

// Halt stops instruction execution until the next interrupt wakes the CPU.
func Halt() { state.halted = true }

// Resume clears the halted flag. It is invoked by the trap dispatch code when
// an interrupt is delivered to a halted CPU.
func Resume() { state.halted = false }

// Halted returns true while the CPU is stopped waiting for an interrupt.
func Halted() bool { return state.halted }

// SetStackPointer loads the stack pointer register. The context switch uses
// it to resume the incoming thread's saved continuation.
func SetStackPointer(sp uint32) { state.sp = sp }

// StackPointer returns the stack pointer register.
func StackPointer() uint32 { return state.sp }

// ReadCR2 returns the linear address that triggered the last page fault.
func ReadCR2() uint32 { return state.cr2 }

// SetCR2 latches the faulting address before a page-fault trap is delivered.
func SetCR2(addr uint32) { state.cr2 = addr }

// SwitchPDT sets the root page table register to the supplied physical
// address. On real hardware this reloads CR3 and flushes the TLB.
func SwitchPDT(pdtPhysAddr uint32) { state.pdtRoot = pdtPhysAddr }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uint32 { return state.pdtRoot }

// FlushTLBEntry flushes the translation cache entry for a particular virtual
// address. The modeled CPU performs no caching so this is a no-op; it exists
// so callers flush at the architecturally required points.
func FlushTLBEntry(virtAddr uint32) {}

// SetPortBus registers the device bus that serves port I/O.
func SetPortBus(bus PortBus) { state.bus = bus }

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8 {
	if state.bus == nil {
		return 0xff
	}
	return state.bus.ReadByte(port)
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) {
	if state.bus != nil {
		state.bus.WriteByte(port, val)
	}
}
