// Package pmm implements the physical frame allocator: a bounded LIFO pool of
// free frame addresses covering the available physical memory at page
// granularity.
package pmm

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/kfmt"
	"github.com/ytret/os/kernel/mm"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when every frame in the
	// pool has been handed out.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrDoubleFree is returned by FreeFrame for a frame that is already
	// in the free pool.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already in the free pool"}

	// ErrUnknownFrame is returned by FreeFrame for a frame that was never
	// part of the pool.
	ErrUnknownFrame = &kernel.Error{Module: "pmm", Message: "frame does not belong to the pool"}

	// frameAllocator is the standard allocator used by the kernel. It is
	// registered with the mm package by Init.
	frameAllocator StackAllocator
)

// StackAllocator tracks free physical frames as a fixed-capacity stack of
// frame addresses. Popping allocates the most recently freed frame first;
// a member bitmap guards against a frame entering the pool twice.
type StackAllocator struct {
	// free holds the current free pool. Its capacity is fixed at Init
	// time and covers every managed frame.
	free []mm.Frame

	// inPool flags, for each managed frame, whether it currently sits in
	// the free pool. Frames outside the managed set have no entry.
	inPool map[mm.Frame]bool

	// contents backs the modeled physical memory of managed and reserved
	// frames. Contents are dropped when a frame is freed, so every
	// allocation observes a zeroed frame.
	contents map[mm.Frame][]byte

	totalFrames    uint32
	reservedFrames uint32
}

// Init populates the free pool with every page-aligned frame inside the
// supplied memory regions, skipping the frames that overlap the kernel image.
func (a *StackAllocator) Init(memRegions []mm.Region, kernelRegion mm.Region) {
	total := uint32(0)
	for _, reg := range memRegions {
		start := (reg.Start + mm.PageSize - 1) & ^(mm.PageSize - 1)
		end := reg.End & ^(mm.PageSize - 1)
		if start >= end {
			// The region is too small.
			continue
		}
		total += (end - start) >> mm.PageShift
	}

	a.free = make([]mm.Frame, 0, total)
	a.inPool = make(map[mm.Frame]bool, total)
	a.contents = make(map[mm.Frame][]byte)
	a.totalFrames = 0
	a.reservedFrames = 0

	kernelFrames := kernelRegion.PageAlign()
	for _, reg := range memRegions {
		start := (reg.Start + mm.PageSize - 1) & ^(mm.PageSize - 1)
		end := reg.End & ^(mm.PageSize - 1)
		for addr := start; addr < end; addr += mm.PageSize {
			if kernelFrames.Contains(addr) {
				continue
			}
			a.push(mm.FrameFromAddress(addr))
			a.totalFrames++
		}
	}
}

func (a *StackAllocator) push(frame mm.Frame) {
	if a.inPool[frame] {
		kfmt.Panic(ErrDoubleFree)
	}
	a.free = append(a.free, frame)
	a.inPool[frame] = true
}

// AllocFrame reserves and returns the frame at the top of the free pool.
func (a *StackAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if len(a.free) == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.inPool[frame] = false
	a.reservedFrames++
	return frame, nil
}

// FreeFrame returns a frame to the pool. Returning a frame that is already
// free or that the pool never owned is an error; the pool is left untouched.
func (a *StackAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	member, known := a.inPool[frame]
	if !known {
		return ErrUnknownFrame
	}
	if member {
		return ErrDoubleFree
	}

	a.free = append(a.free, frame)
	a.inPool[frame] = true
	a.reservedFrames--

	// Frame contents do not survive a release; the next owner observes a
	// zeroed frame.
	delete(a.contents, frame)
	return nil
}

// FrameBytes exposes the modeled contents of a reserved or free frame.
func (a *StackAllocator) FrameBytes(frame mm.Frame) []byte {
	buf := a.contents[frame]
	if buf == nil {
		buf = make([]byte, mm.PageSize)
		a.contents[frame] = buf
	}
	return buf
}

// FreeCount returns the number of frames currently in the free pool.
func (a *StackAllocator) FreeCount() uint32 {
	return uint32(len(a.free))
}

// ReservedCount returns the number of frames currently handed out.
func (a *StackAllocator) ReservedCount() uint32 {
	return a.reservedFrames
}

// TotalCount returns the number of frames managed by the pool.
func (a *StackAllocator) TotalCount() uint32 {
	return a.totalFrames
}

// FreeFrames returns a snapshot of the frame addresses currently in the free
// pool. It is used by consistency checks and tests.
func (a *StackAllocator) FreeFrames() []mm.Frame {
	snapshot := make([]mm.Frame, len(a.free))
	copy(snapshot, a.free)
	return snapshot
}

// Init sets up the kernel physical memory allocation sub-system and registers
// it with the mm package.
func Init(memRegions []mm.Region, kernelRegion mm.Region) {
	frameAllocator.Init(memRegions, kernelRegion)
	mm.SetFrameAllocator(frameAllocator.AllocFrame, frameAllocator.FreeFrame)
	mm.SetFrameBytesFn(frameAllocator.FrameBytes)

	kfmt.Printf("[pmm] %d frames available (%d KiB)\n",
		frameAllocator.TotalCount(),
		frameAllocator.TotalCount()*(mm.PageSize>>10),
	)
}

// Allocator returns the kernel's frame allocator singleton.
func Allocator() *StackAllocator {
	return &frameAllocator
}
