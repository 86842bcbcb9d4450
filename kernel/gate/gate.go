// Package gate implements the trap dispatch layer: the fixed vector table
// that hardware enters on CPU exceptions, device IRQs and the syscall trap,
// and the normalization of every entry into one uniform register snapshot so
// all handlers can be written against a single calling convention.
package gate

import (
	"io"

	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. The shape is identical for every trap: entries
// whose trap does not push a hardware error code observe a synthesized zero
// in Info.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint32

	// The return frame used by IRET. ESP/SS hold the interrupted stack
	// only when the trap crossed a privilege boundary.
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an interrupt/exception/trap vector slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow check fails (e.g. INTO with the
	// overflow flag set).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked
	// with an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when an FPU instruction executes while
	// FPU support is disabled or absent.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when stack base/limit checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory or page table entry
	// is not present or when a privilege and/or RW protection check
	// fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs when an unmasked FP exception is
	// pending while invoking an FP instruction.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	// numExceptions is the number of vector slots reserved for CPU
	// exceptions.
	numExceptions = 32

	// IRQBase is the vector that hardware IRQ 0 is remapped to. The
	// interrupt controller is programmed with this offset during boot so
	// device interrupts never collide with exception vectors.
	IRQBase = InterruptNumber(32)

	// Fixed IRQ lines routed by the core.
	TimerIRQ        = uint8(0)
	KeyboardIRQ     = uint8(1)
	PrimaryAtaIRQ   = uint8(14)
	SecondaryAtaIRQ = uint8(15)

	// SyscallVector is the software vector reserved exclusively for
	// user-to-kernel syscalls.
	SyscallVector = InterruptNumber(0x88)
)

// Vector slots 8, 10-14 and 17 receive a hardware-pushed error code; every
// other exception entry synthesizes a zero so the dispatched frame shape is
// uniform.
func pushesErrorCode(num InterruptNumber) bool {
	switch num {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck:
		return true
	}
	return false
}

// InterruptHandler is a function that handles a trap routed through the
// dispatch layer. Modifications to the supplied Registers are propagated
// back to the location where the trap occurred.
type InterruptHandler func(*Registers)

var (
	handlers [256]InterruptHandler

	// irqAckFn acknowledges a serviced IRQ on the interrupt controller.
	// It is registered by the controller driver; until then IRQ delivery
	// is not possible and the ack is a no-op.
	irqAckFn = func(irq uint8) {}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errUnexpectedTrap = &kernel.Error{Module: "gate", Message: "unexpected trap with no registered handler"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs.
func HandleInterrupt(intNumber InterruptNumber, handler InterruptHandler) {
	handlers[intNumber] = handler
}

// SetIRQAck registers the interrupt-controller acknowledgment function used
// to signal end-of-interrupt for serviced IRQs.
func SetIRQAck(ackFn func(irq uint8)) {
	irqAckFn = ackFn
}

// Dispatch is the common entry point invoked for every trap. Interrupts stay
// masked from entry until the machine is back in a consistent state; the
// interrupted context's flag state is restored on exit. Exceptions without a
// registered handler are fatal: the machine state is unknown, so the full
// context is dumped and the kernel halts rather than risk silent corruption.
func Dispatch(intNumber InterruptNumber, regs *Registers) {
	wasEnabled := cpu.InterruptsEnabled()
	cpu.DisableInterrupts()
	cpu.Resume()

	switch {
	case intNumber < numExceptions:
		if !pushesErrorCode(intNumber) {
			regs.Info = 0
		}
	case intNumber == SyscallVector:
		regs.Info = regs.EAX
	default:
		regs.Info = uint32(intNumber - IRQBase)
	}

	handler := handlers[intNumber]
	switch {
	case handler != nil:
		handler(regs)
	case intNumber < numExceptions:
		unhandledException(intNumber, regs)
	default:
		kfmt.Printf("[gate] ignoring trap %d with no registered handler\n", uint8(intNumber))
	}

	// The controller must see the EOI before the return sequence or the
	// IRQ line is never raised again.
	if intNumber >= IRQBase && intNumber < IRQBase+16 {
		irqAckFn(uint8(intNumber - IRQBase))
	}

	if wasEnabled {
		cpu.EnableInterrupts()
	}
}

func unhandledException(intNumber InterruptNumber, regs *Registers) {
	kfmt.Printf("\nunhandled exception %d; error code %x\n\nRegisters:\n", uint8(intNumber), regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errUnexpectedTrap)
}
