// Package kmain glues the kernel subsystems together: physical memory, the
// kernel address space, trap dispatch, the interrupt controller and timer,
// the thread manager and the syscall table, in that order. Each subsystem is
// initialized exactly once.
package kmain

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/dev/pic"
	"github.com/ytret/os/kernel/dev/pit"
	"github.com/ytret/os/kernel/fs"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/gdt"
	"github.com/ytret/os/kernel/kfmt"
	"github.com/ytret/os/kernel/mm"
	"github.com/ytret/os/kernel/mm/pmm"
	"github.com/ytret/os/kernel/mm/vmm"
	"github.com/ytret/os/kernel/syscall"
	"github.com/ytret/os/kernel/task"
)

// Config carries the boot parameters that the loader discovers before the
// kernel proper takes over.
type Config struct {
	// MemRegions lists the usable physical memory and KernelRegion the
	// addresses occupied by the kernel image itself.
	MemRegions   []mm.Region
	KernelRegion mm.Region

	// TimerHz is the tick frequency; TickThreshold the number of ticks a
	// thread keeps the CPU. Zero values select 100 Hz and preemption on
	// every tick.
	TimerHz       uint32
	TickThreshold uint64

	// Filesystem serves the open syscall. A nil filesystem makes every
	// open fail with a clean error.
	Filesystem fs.Filesystem

	// InitEntry, when non-zero, is the entry point of the initial user
	// process spawned after bring-up.
	InitEntry uint32
}

var errKernelException = &kernel.Error{Module: "kmain", Message: "unrecoverable kernel-mode exception"}

// Main performs the one-time kernel bring-up and returns with interrupts
// enabled and the scheduler armed. The caller (the boot stub) halts; from
// here on the timer drives everything.
func Main(cfg *Config) *kernel.Error {
	timerHz := cfg.TimerHz
	if timerHz == 0 {
		timerHz = 100
	}

	pmm.Init(cfg.MemRegions, cfg.KernelRegion)

	kernelSpace, err := vmm.NewKernelSpace(cfg.KernelRegion)
	if err != nil {
		return err
	}
	kernelSpace.Activate()
	vmm.Init()

	installExceptionHandlers()

	pic.Init(uint8(gate.IRQBase))
	if err := pit.Init(timerHz); err != nil {
		return err
	}
	pit.OnTick(task.Tick)

	if err := task.Init(cfg.TickThreshold); err != nil {
		return err
	}
	syscall.Init(cfg.Filesystem)

	if cfg.InitEntry != 0 {
		if err := spawnInit(cfg.InitEntry); err != nil {
			return err
		}
	}

	cpu.EnableInterrupts()
	kfmt.Printf("[kmain] bring-up complete; scheduler armed\n")
	return nil
}

// installExceptionHandlers hooks the exceptions that user programs can
// cause. A user-origin instance kills the offending process; a kernel-origin
// one is a kernel bug and halts the machine with full context.
func installExceptionHandlers() {
	for _, intNumber := range []gate.InterruptNumber{
		gate.DivideByZero,
		gate.InvalidOpcode,
		gate.GPFException,
	} {
		gate.HandleInterrupt(intNumber, fatalExceptionHandler)
	}
}

func fatalExceptionHandler(regs *gate.Registers) {
	if gdt.IsUsermode(uint16(regs.CS)) {
		proc := task.CurrentProcess()
		kfmt.Printf("[kmain] killing process %d: fatal exception at eip %x\n",
			proc.ID(), regs.EIP)
		task.ExitProcess(-1)
		return
	}

	kfmt.Printf("\nfatal kernel-mode exception; error code %x\n\nRegisters:\n", regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	kfmt.Panic(errKernelException)
}

// spawnInit creates the initial user process with one thread at the given
// entry point.
func spawnInit(entryAddr uint32) *kernel.Error {
	proc, err := task.CreateProcess(nil)
	if err != nil {
		return err
	}
	if _, err := task.CreateThread(proc, entryAddr, 0); err != nil {
		return err
	}

	kfmt.Printf("[kmain] init process %d ready at entry %x\n", proc.ID(), entryAddr)
	return nil
}
