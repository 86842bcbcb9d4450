// Package mm provides the memory types shared by the physical and virtual
// memory managers: typed frame and page numbers plus the registration points
// that let the vmm code allocate and release physical frames without a direct
// dependency on a particular allocator implementation.
package mm

import (
	"math"

	"github.com/ytret/os/kernel"
)

const (
	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = uint32(1 << PageShift)
)

// Frame describes a physical memory page index.
type Frame uint32

// InvalidFrame is returned by frame allocators when they fail to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint32)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uint32 {
	return uint32(p) << PageShift
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uint32) Page {
	return Page(virtAddr >> PageShift)
}

// AllocFrameFn is a function that can allocate physical frames.
type AllocFrameFn func() (Frame, *kernel.Error)

// FreeFrameFn is a function that releases a previously allocated frame back
// to its pool.
type FreeFrameFn func(Frame) *kernel.Error

// FrameBytesFn exposes the contents of a physical frame as a byte slice.
type FrameBytesFn func(Frame) []byte

var (
	frameAllocator AllocFrameFn
	frameReleaser  FreeFrameFn
	frameBytes     FrameBytesFn

	errNoAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the allocate/free functions that will be used
// by the vmm code when physical frames need to be allocated or released.
func SetFrameAllocator(allocFn AllocFrameFn, freeFn FreeFrameFn) {
	frameAllocator = allocFn
	frameReleaser = freeFn
}

// SetFrameBytesFn registers the accessor for physical frame contents.
func SetFrameBytesFn(fn FrameBytesFn) { frameBytes = fn }

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoAllocator
	}
	return frameAllocator()
}

// FreeFrame returns a physical frame to the currently registered allocator.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoAllocator
	}
	return frameReleaser(f)
}

// FrameBytes returns the contents of frame f as a PageSize-long byte slice,
// or nil if no physical memory store is registered.
func FrameBytes(f Frame) []byte {
	if frameBytes == nil {
		return nil
	}
	return frameBytes(f)
}
