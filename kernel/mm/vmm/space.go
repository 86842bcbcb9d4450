// Package vmm implements the virtual address space manager. Each address
// space is a two-level translation tree: a page directory of 1024 entries,
// each pointing to a page table of 1024 entries, each mapping one 4 KiB page
// to a physical frame. The kernel's identity premap is built once and shared
// by reference into every user space so the kernel stays mapped across
// switches.
package vmm

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/mm"
)

const tableEntries = 1024

var (
	errNoKernelSpace   = &kernel.Error{Module: "vmm", Message: "kernel address space has not been initialized"}
	errAlreadyMapped   = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errNotMapped       = &kernel.Error{Module: "vmm", Message: "page is not mapped"}
	errSharedTable     = &kernel.Error{Module: "vmm", Message: "mapping would modify a table shared with the kernel space"}
	errNotPageAligned  = &kernel.Error{Module: "vmm", Message: "region is not page-aligned"}
	errRegionOverlap   = &kernel.Error{Module: "vmm", Message: "region overlaps an existing reservation"}
	errSpaceActive     = &kernel.Error{Module: "vmm", Message: "address space is active and cannot be destroyed"}
	errKernelSpaceOp   = &kernel.Error{Module: "vmm", Message: "operation not permitted on the kernel address space"}
	errNoDemandMapping = &kernel.Error{Module: "vmm", Message: "fault address is outside any demand region"}
)

// pageTable is one leaf of the translation tree together with the frame that
// holds it.
type pageTable struct {
	frame   mm.Frame
	entries [tableEntries]pageTableEntry
}

// demandRegion is a reservation that gets backed by frames lazily, one page
// at a time, as faults inside it are taken.
type demandRegion struct {
	region mm.Region
	flags  EntryFlag
}

// AddressSpace is one two-level translation tree. The page directory frame
// doubles as the space's identity: loading its address into the page-table
// root register activates the space.
type AddressSpace struct {
	pgdir  mm.Frame
	tables [tableEntries]*pageTable

	// owned marks directory slots whose table belongs to this space.
	// Slots shared from the kernel premap are not owned and must never
	// be written through a user space.
	owned [tableEntries]bool

	demand []demandRegion
}

var (
	kernelSpace *AddressSpace

	// spaces indexes every live address space by page directory address
	// so the fault path can recover the active space from the CPU root
	// register.
	spaces = make(map[uint32]*AddressSpace)
)

// NewKernelSpace builds the kernel address space: an identity premap of the
// kernel region (every page maps to the equal-numbered frame) without user
// access. It must be built before any user space.
func NewKernelSpace(kernelRegion mm.Region) (*AddressSpace, *kernel.Error) {
	pgdir, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	spc := &AddressSpace{pgdir: pgdir}
	aligned := kernelRegion.PageAlign()
	for addr := aligned.Start; addr < aligned.End; addr += mm.PageSize {
		page := mm.PageFromAddress(addr)
		if err := spc.Map(page, mm.FrameFromAddress(addr), FlagRW); err != nil {
			return nil, err
		}
	}

	kernelSpace = spc
	spaces[pgdir.Address()] = spc
	return spc, nil
}

// NewUserSpace builds an empty user address space that shares the kernel
// premap by reference.
func NewUserSpace() (*AddressSpace, *kernel.Error) {
	if kernelSpace == nil {
		return nil, errNoKernelSpace
	}

	pgdir, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	spc := &AddressSpace{pgdir: pgdir}
	for dirIndex, table := range kernelSpace.tables {
		if table != nil {
			spc.tables[dirIndex] = table
		}
	}

	spaces[pgdir.Address()] = spc
	return spc, nil
}

// PgdirAddress returns the physical address of the space's page directory.
func (spc *AddressSpace) PgdirAddress() uint32 {
	return spc.pgdir.Address()
}

// Map establishes a translation from page to frame with the given flags. The
// frame stays owned by the caller until the page is unmapped. Mapping an
// already-mapped page is an error so no frame can be silently dropped.
func (spc *AddressSpace) Map(page mm.Page, frame mm.Frame, flags EntryFlag) *kernel.Error {
	dirIndex := uint32(page) >> 10
	tblIndex := uint32(page) & (tableEntries - 1)

	table := spc.tables[dirIndex]
	if table == nil {
		tblFrame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		table = &pageTable{frame: tblFrame}
		spc.tables[dirIndex] = table
		spc.owned[dirIndex] = true
	} else if spc != kernelSpace && !spc.owned[dirIndex] {
		return errSharedTable
	}

	entry := &table.entries[tblIndex]
	if entry.HasFlags(FlagPresent) {
		return errAlreadyMapped
	}
	entry.SetFrame(frame)
	entry.SetFlags(flags | FlagPresent)

	cpu.FlushTLBEntry(page.Address())
	return nil
}

// Unmap removes the translation for page and returns the frame it pointed
// to. The frame is not released; the caller decides whether it goes back to
// the allocator.
func (spc *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	dirIndex := uint32(page) >> 10
	tblIndex := uint32(page) & (tableEntries - 1)

	table := spc.tables[dirIndex]
	if table == nil || !table.entries[tblIndex].HasFlags(FlagPresent) {
		return mm.InvalidFrame, errNotMapped
	}
	if spc != kernelSpace && !spc.owned[dirIndex] {
		return mm.InvalidFrame, errSharedTable
	}

	entry := &table.entries[tblIndex]
	frame := entry.Frame()
	*entry = 0

	cpu.FlushTLBEntry(page.Address())
	return frame, nil
}

// MapRegion allocates a frame for every page in region and maps it with the
// given flags. The region must be page-aligned. On any failure the pages
// mapped so far are unwound and their frames released.
func (spc *AddressSpace) MapRegion(region mm.Region, flags EntryFlag) *kernel.Error {
	if region.PageAlign() != region {
		return errNotPageAligned
	}

	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		frame, err := mm.AllocFrame()
		if err == nil {
			err = spc.Map(mm.PageFromAddress(addr), frame, flags)
			if err != nil {
				mm.FreeFrame(frame)
			}
		}
		if err != nil {
			spc.UnmapRegion(mm.Region{Start: region.Start, End: addr})
			return err
		}
	}
	return nil
}

// UnmapRegion removes every present translation in region and returns the
// backing frames to the allocator. Pages in region that were never mapped
// are skipped.
func (spc *AddressSpace) UnmapRegion(region mm.Region) *kernel.Error {
	if region.PageAlign() != region {
		return errNotPageAligned
	}

	for addr := region.Start; addr < region.End; addr += mm.PageSize {
		frame, err := spc.Unmap(mm.PageFromAddress(addr))
		if err != nil {
			continue
		}
		if err = mm.FreeFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// ReserveDemand records a page-aligned region whose pages get backed lazily
// on first access. Overlapping an existing reservation is an error.
func (spc *AddressSpace) ReserveDemand(region mm.Region, flags EntryFlag) *kernel.Error {
	if region.PageAlign() != region {
		return errNotPageAligned
	}
	for _, existing := range spc.demand {
		if existing.region.Overlaps(region) {
			return errRegionOverlap
		}
	}

	spc.demand = append(spc.demand, demandRegion{region: region, flags: flags})
	return nil
}

// Translate resolves a virtual address to its physical counterpart.
func (spc *AddressSpace) Translate(virtAddr uint32) (uint32, *kernel.Error) {
	page := mm.PageFromAddress(virtAddr)
	dirIndex := uint32(page) >> 10
	tblIndex := uint32(page) & (tableEntries - 1)

	table := spc.tables[dirIndex]
	if table == nil || !table.entries[tblIndex].HasFlags(FlagPresent) {
		return 0, errNotMapped
	}

	return table.entries[tblIndex].Frame().Address() | (virtAddr & flagMask), nil
}

// Activate loads the space's page directory into the CPU's page-table root
// register, making its translations the active ones.
func (spc *AddressSpace) Activate() {
	cpu.SwitchPDT(spc.pgdir.Address())
}

// Clone builds a deep copy of a user space: owned mappings get fresh frames
// with the page contents copied, demand reservations are carried over and
// the kernel premap is shared as usual.
func (spc *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	if spc == kernelSpace {
		return nil, errKernelSpaceOp
	}

	clone, err := NewUserSpace()
	if err != nil {
		return nil, err
	}

	for dirIndex, table := range spc.tables {
		if table == nil || !spc.owned[dirIndex] {
			continue
		}
		for tblIndex := range table.entries {
			entry := table.entries[tblIndex]
			if !entry.HasFlags(FlagPresent) {
				continue
			}

			page := mm.Page(uint32(dirIndex)<<10 | uint32(tblIndex))
			frame, frameErr := mm.AllocFrame()
			if frameErr == nil {
				copy(mm.FrameBytes(frame), mm.FrameBytes(entry.Frame()))
				frameErr = clone.Map(page, frame, EntryFlag(uint32(entry)&flagMask)&^FlagPresent)
			}
			if frameErr != nil {
				clone.Destroy()
				return nil, frameErr
			}
		}
	}

	clone.demand = append([]demandRegion(nil), spc.demand...)
	return clone, nil
}

// Destroy releases every frame the space owns: mapped page frames, owned
// page tables and the page directory itself. The kernel space and the active
// space cannot be destroyed.
func (spc *AddressSpace) Destroy() *kernel.Error {
	if spc == kernelSpace {
		return nil
	}
	if cpu.ActivePDT() == spc.pgdir.Address() {
		return errSpaceActive
	}

	for dirIndex, table := range spc.tables {
		if table == nil || !spc.owned[dirIndex] {
			continue
		}
		for tblIndex := range table.entries {
			entry := table.entries[tblIndex]
			if entry.HasFlags(FlagPresent) {
				if err := mm.FreeFrame(entry.Frame()); err != nil {
					return err
				}
			}
		}
		if err := mm.FreeFrame(table.frame); err != nil {
			return err
		}
		spc.tables[dirIndex] = nil
		spc.owned[dirIndex] = false
	}

	delete(spaces, spc.pgdir.Address())
	return mm.FreeFrame(spc.pgdir)
}

// activeSpace returns the address space whose page directory is loaded in
// the CPU root register, or nil when translation is off.
func activeSpace() *AddressSpace {
	return spaces[cpu.ActivePDT()]
}

// ActiveSpace is the exported form of activeSpace for collaborators that
// need to translate through the current mappings.
func ActiveSpace() *AddressSpace {
	return activeSpace()
}

// KernelSpace returns the shared kernel address space.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// ResetForTest drops all package state. Tests build their own spaces on a
// fresh allocator and must not observe a previous test's premap.
func ResetForTest() {
	kernelSpace = nil
	spaces = make(map[uint32]*AddressSpace)
}
