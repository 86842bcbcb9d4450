package syscall

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/mm"
	"github.com/ytret/os/kernel/mm/vmm"
)

var (
	errNoActiveSpace = &kernel.Error{Module: "syscall", Message: "no active address space"}

	frameBytesFn = mm.FrameBytes
)

// copyFromUser copies length bytes starting at the caller's virtual address
// into a kernel buffer, walking the active translations one page at a time.
// Any unmapped page fails the whole transfer. The range is validated before
// the buffer is sized so an unbacked caller-supplied length never drives a
// kernel allocation.
func copyFromUser(virtAddr, length uint32) ([]byte, *kernel.Error) {
	if err := walkUserPages(virtAddr, length, func(mm.Frame, uint32, uint32) {}); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, length)
	walkUserPages(virtAddr, length, func(frame mm.Frame, off, chunk uint32) {
		buf = append(buf, frameBytesFn(frame)[off:off+chunk]...)
	})
	return buf, nil
}

// copyToUser copies a kernel buffer out to the caller's virtual address.
func copyToUser(virtAddr uint32, data []byte) *kernel.Error {
	copied := uint32(0)
	return walkUserPages(virtAddr, uint32(len(data)), func(frame mm.Frame, off, chunk uint32) {
		copy(frameBytesFn(frame)[off:off+chunk], data[copied:copied+chunk])
		copied += chunk
	})
}

// walkUserPages resolves the page runs covering [virtAddr, virtAddr+length)
// and feeds each physical extent to visit.
func walkUserPages(virtAddr, length uint32, visit func(frame mm.Frame, off, chunk uint32)) *kernel.Error {
	spc := vmm.ActiveSpace()
	if spc == nil {
		return errNoActiveSpace
	}

	for done := uint32(0); done < length; {
		physAddr, err := spc.Translate(virtAddr + done)
		if err != nil {
			return err
		}

		off := physAddr & (mm.PageSize - 1)
		chunk := mm.PageSize - off
		if chunk > length-done {
			chunk = length - done
		}

		visit(mm.FrameFromAddress(physAddr), off, chunk)
		done += chunk
	}
	return nil
}
