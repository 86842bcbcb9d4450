package task

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/gate"
)

// ForkCurrent clones the running thread's process: the address space is
// deep-copied, the descriptor table is duplicated with the open files shared
// by reference and the offsets copied, and the child gets a single thread
// resuming from the same trap frame with EAX cleared so both sides can tell
// each other apart.
func ForkCurrent(regs *gate.Registers) (*Process, *kernel.Error) {
	parentThread := state.current
	if parentThread == nil || parentThread.proc == nil || parentThread == state.idle {
		return nil, errNoCurrentThread
	}
	parent := parentThread.proc

	space, err := parent.space.Clone()
	if err != nil {
		return nil, err
	}

	child, err := adoptSpace(space, parent)
	if err != nil {
		space.Destroy()
		return nil, err
	}

	for fd, desc := range parent.files {
		if desc != nil {
			desc.shared.refs++
			child.files[fd] = &Descriptor{shared: desc.shared, offset: desc.offset}
		}
	}

	childThread, err := CreateThread(child, regs.EIP, parentThread.tls)
	if err != nil {
		destroyProcess(child)
		return nil, err
	}

	childRegs := *regs
	childRegs.EAX = 0
	childThread.userRegs = &childRegs

	return child, nil
}
