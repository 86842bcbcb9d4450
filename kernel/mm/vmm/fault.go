package vmm

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/gdt"
	"github.com/ytret/os/kernel/kfmt"
	"github.com/ytret/os/kernel/mm"
)

// Bit 0 of a page fault's error code distinguishes a protection violation on
// a present page from an access to a non-present one. Only the latter can be
// satisfied by a demand region.
const faultFlagPresent = 1 << 0

var (
	errKernelFault = &kernel.Error{Module: "vmm", Message: "unrecoverable kernel-mode page fault"}

	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	// processFatalFn reports a user-mode fault that cannot be satisfied.
	// The thread manager registers the real handler; until then an
	// unexplained user fault is as fatal as a kernel one.
	processFatalFn = func(regs *gate.Registers, faultAddr uint32) {
		panicFn(errKernelFault)
	}
)

// Init hooks the page fault vector. It must run after the kernel address
// space is built.
func Init() {
	gate.HandleInterrupt(gate.PageFaultException, pageFaultHandler)
}

// SetProcessFatalHandler registers the function invoked when a user-mode
// fault cannot be explained by any demand reservation. The handler is
// expected to terminate the faulting process.
func SetProcessFatalHandler(fn func(regs *gate.Registers, faultAddr uint32)) {
	processFatalFn = fn
}

// pageFaultHandler resolves demand faults and delegates everything else.
// A fault is explainable only if it hit a non-present page inside a demand
// reservation of the active space; it is then backed by a zeroed frame and
// the faulting access retries. Every other fault is either process-fatal
// (user origin) or a kernel bug (kernel origin).
func pageFaultHandler(regs *gate.Registers) {
	faultAddr := readCR2Fn()

	if regs.Info&faultFlagPresent == 0 {
		if spc := activeSpace(); spc != nil {
			if err := spc.resolveDemandFault(faultAddr); err == nil {
				return
			}
		}
	}

	if !gdt.IsUsermode(uint16(regs.CS)) {
		kfmt.Printf("\nunrecoverable page fault at address %x; error code %x\n\nRegisters:\n", faultAddr, regs.Info)
		regs.DumpTo(kfmt.GetOutputSink())
		panicFn(errKernelFault)
		return
	}

	processFatalFn(regs, faultAddr)
}

// resolveDemandFault backs the faulting page with a zeroed frame if the
// address falls inside a demand reservation.
func (spc *AddressSpace) resolveDemandFault(faultAddr uint32) *kernel.Error {
	for _, reservation := range spc.demand {
		if !reservation.region.Contains(faultAddr) {
			continue
		}

		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		if err = spc.Map(mm.PageFromAddress(faultAddr), frame, reservation.flags); err != nil {
			mm.FreeFrame(frame)
			return err
		}
		return nil
	}

	return errNoDemandMapping
}
