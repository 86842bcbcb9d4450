package gate

import (
	"testing"

	"github.com/ytret/os/kernel/cpu"
)

func TestDispatchInfoNormalization(t *testing.T) {
	defer func() {
		handlers = [256]InterruptHandler{}
		cpu.Reset()
	}()

	specs := []struct {
		intNumber InterruptNumber
		regs      Registers
		expInfo   uint32
	}{
		// Exception without a HW error code gets a synthesized zero.
		{DivideByZero, Registers{Info: 0xbadf00d}, 0},
		// Exception with a HW error code keeps it.
		{PageFaultException, Registers{Info: 0xdeadc0de}, 0xdeadc0de},
		{GPFException, Registers{Info: 42}, 42},
		// IRQ entries observe the IRQ number.
		{IRQBase + InterruptNumber(TimerIRQ), Registers{Info: 0xffffffff}, 0},
		{IRQBase + InterruptNumber(KeyboardIRQ), Registers{}, 1},
		// Syscall entries observe the syscall number from EAX.
		{SyscallVector, Registers{EAX: 13}, 13},
	}

	for specIndex, spec := range specs {
		var gotInfo uint32
		HandleInterrupt(spec.intNumber, func(regs *Registers) {
			gotInfo = regs.Info
		})

		Dispatch(spec.intNumber, &spec.regs)
		if gotInfo != spec.expInfo {
			t.Errorf("[spec %d] expected handler to observe info %x; got %x", specIndex, spec.expInfo, gotInfo)
		}
	}
}

func TestDispatchInterruptFlagHandling(t *testing.T) {
	defer func() {
		handlers = [256]InterruptHandler{}
		cpu.Reset()
	}()

	HandleInterrupt(IRQBase, func(regs *Registers) {
		if cpu.InterruptsEnabled() {
			t.Error("expected interrupts to be masked while the handler runs")
		}
	})

	cpu.EnableInterrupts()
	Dispatch(IRQBase, &Registers{})
	if !cpu.InterruptsEnabled() {
		t.Error("expected the interrupt flag to be restored after dispatch")
	}

	cpu.DisableInterrupts()
	Dispatch(IRQBase, &Registers{})
	if cpu.InterruptsEnabled() {
		t.Error("expected the interrupt flag to remain clear after dispatch")
	}
}

func TestDispatchResumesHaltedCPU(t *testing.T) {
	defer func() {
		handlers = [256]InterruptHandler{}
		cpu.Reset()
	}()

	HandleInterrupt(IRQBase, func(regs *Registers) {})

	cpu.EnableInterrupts()
	cpu.Halt()
	if !cpu.Halted() {
		t.Fatal("expected the CPU to report a halted state")
	}

	Dispatch(IRQBase, &Registers{})
	if cpu.Halted() {
		t.Error("expected dispatch to resume a halted CPU")
	}
}

func TestDispatchAcksServicedIRQs(t *testing.T) {
	defer func() {
		handlers = [256]InterruptHandler{}
		irqAckFn = func(irq uint8) {}
		cpu.Reset()
	}()

	var (
		ackedIRQ     = uint8(0xff)
		handlerRuns  int
		ackAfterCall bool
	)
	SetIRQAck(func(irq uint8) {
		ackedIRQ = irq
		ackAfterCall = handlerRuns == 1
	})
	HandleInterrupt(IRQBase+InterruptNumber(PrimaryAtaIRQ), func(regs *Registers) {
		handlerRuns++
	})

	Dispatch(IRQBase+InterruptNumber(PrimaryAtaIRQ), &Registers{})
	if handlerRuns != 1 {
		t.Fatalf("expected the handler to run once; got %d", handlerRuns)
	}
	if ackedIRQ != PrimaryAtaIRQ {
		t.Errorf("expected IRQ %d to be acked; got %d", PrimaryAtaIRQ, ackedIRQ)
	}
	if !ackAfterCall {
		t.Error("expected the ack to happen after the handler returned")
	}

	// Exceptions and syscalls must not be acked on the controller.
	ackedIRQ = 0xff
	HandleInterrupt(SyscallVector, func(regs *Registers) {})
	Dispatch(SyscallVector, &Registers{})
	if ackedIRQ != 0xff {
		t.Errorf("expected no ack for a syscall trap; got IRQ %d", ackedIRQ)
	}
}

func TestDispatchUnhandledException(t *testing.T) {
	defer func() {
		handlers = [256]InterruptHandler{}
		panicFn = origPanicFn
		cpu.Reset()
	}()

	var panicked bool
	panicFn = func(e interface{}) {
		panicked = true
	}

	Dispatch(InvalidOpcode, &Registers{EIP: 0xbadc0de})
	if !panicked {
		t.Error("expected an unhandled exception to trigger a kernel panic")
	}

	// Unhandled vectors outside the exception range are ignored.
	panicked = false
	Dispatch(IRQBase+InterruptNumber(SecondaryAtaIRQ), &Registers{})
	if panicked {
		t.Error("expected an unhandled IRQ to be ignored")
	}
}

var origPanicFn = panicFn
