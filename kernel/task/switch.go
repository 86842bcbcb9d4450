package task

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/gdt"
)

// eflagsInterruptEnable is the interrupt flag bit in the flags image pushed
// for usermode entry: user code always runs with interrupts on.
const eflagsInterruptEnable = uint32(1 << 9)

// Switch moves the CPU from one thread to another. Switching a thread onto
// itself changes nothing. The outgoing thread's stack pointer is saved in
// its control block and the incoming thread's saved pointer is loaded into
// the stack pointer register; the task state segment is pointed at the
// incoming thread's kernel stack so the next user-to-kernel transition lands
// there; the address space is switched only when the incoming thread lives
// under a different translation root, since a reload flushes the whole TLB.
func Switch(from, to *Thread, tss *gdt.TaskStateSegment) {
	if from == to {
		return
	}

	if from != nil && from.kstack != nil {
		from.sp = from.kstack.SPAddress()
	}
	cpu.SetStackPointer(to.sp)

	tss.ESP0 = to.kstack.TopAddress()
	tss.SS0 = gdt.KernelDataSeg

	if to.proc != nil && to.proc.space != nil &&
		cpu.ActivePDT() != to.proc.space.PgdirAddress() {
		to.proc.space.Activate()
	}
}

// EnterUsermode performs the running thread's one-way transition to ring 3:
// it builds the thread's user register image around the entry point and the
// user stack, points kernel re-entry at the thread's kernel stack and drops
// privilege. A thread that already has a user image cannot transition again.
func EnterUsermode(entryAddr, userStackTop uint32) *kernel.Error {
	t := state.current
	if t == nil {
		return errNoCurrentThread
	}
	if t.userRegs != nil {
		return errAlreadyUsermode
	}

	t.userRegs = &gate.Registers{
		EIP:    entryAddr,
		CS:     uint32(gdt.UsermodeCodeSeg),
		EFlags: eflagsInterruptEnable,
		ESP:    userStackTop,
		SS:     uint32(gdt.UsermodeDataSeg),
	}

	gdt.TSS.ESP0 = t.kstack.TopAddress()
	gdt.TSS.SS0 = gdt.KernelDataSeg
	if t.proc != nil && t.proc.space != nil {
		t.proc.space.Activate()
	}
	cpu.SetStackPointer(userStackTop)
	cpu.EnableInterrupts()
	return nil
}
