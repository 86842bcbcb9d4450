package task

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/fs"
	"github.com/ytret/os/kernel/mm"
	"github.com/ytret/os/kernel/mm/vmm"
)

const (
	// MaxOpenFiles caps the per-process descriptor table.
	MaxOpenFiles = 32

	// User program images and mappings live in this window.
	UserProgramStart = uint32(128 << 20)
	UserProgramEnd   = uint32(3 << 30)

	// The initial usermode stack sits directly above the program window.
	UserStackBottom = uint32(3 << 30)
	UserStackTop    = UserStackBottom + mm.PageSize
)

var (
	errMaxFiles      = &kernel.Error{Module: "task", Message: "descriptor table is full"}
	errBadDescriptor = &kernel.Error{Module: "task", Message: "descriptor is not open"}
	errAlreadyExited = &kernel.Error{Module: "task", Message: "exit status is already set"}
	errMmapExhausted = &kernel.Error{Module: "task", Message: "user program window is exhausted"}
)

// openFile is the shared side of a descriptor: the file object and the
// number of descriptors referencing it across fork copies. The file is
// closed when the last reference drops.
type openFile struct {
	file fs.File
	refs uint32
}

// Descriptor is one open slot in a process file table. The position belongs
// to the descriptor so independent opens of the same file do not share it;
// the open file itself is shared with fork copies.
type Descriptor struct {
	shared *openFile
	offset uint32
}

// File returns the open file behind the descriptor.
func (d *Descriptor) File() fs.File {
	return d.shared.file
}

// Offset returns the descriptor's position.
func (d *Descriptor) Offset() uint32 {
	return d.offset
}

// SetOffset moves the descriptor's position.
func (d *Descriptor) SetOffset(off uint32) {
	d.offset = off
}

// Process is one protection domain: an address space, a set of threads and a
// descriptor table.
type Process struct {
	id uint32

	// parentID links to the creating process without keeping it alive;
	// zero means no parent.
	parentID uint32

	space   *vmm.AddressSpace
	threads map[uint32]*Thread

	files [MaxOpenFiles]*Descriptor

	// mmapNext is the bump pointer for anonymous mappings inside the
	// user program window.
	mmapNext uint32

	exited     bool
	exitStatus int32
}

// ID returns the process identifier. Identifiers are allocated monotonically
// and never reused.
func (p *Process) ID() uint32 {
	return p.id
}

// ParentID returns the creating process's id, or zero for the initial
// process.
func (p *Process) ParentID() uint32 {
	return p.parentID
}

// Space returns the process's address space.
func (p *Process) Space() *vmm.AddressSpace {
	return p.space
}

// ThreadCount returns the number of live threads in the process.
func (p *Process) ThreadCount() int {
	return len(p.threads)
}

// Threads returns the process's live threads.
func (p *Process) Threads() []*Thread {
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Exited reports whether the process has terminated, together with its exit
// status.
func (p *Process) Exited() (bool, int32) {
	return p.exited, p.exitStatus
}

// setExitStatus records the exit status. The first writer wins; later calls
// are rejected so the status cannot change once observable.
func (p *Process) setExitStatus(status int32) *kernel.Error {
	if p.exited {
		return errAlreadyExited
	}
	p.exited = true
	p.exitStatus = status
	return nil
}

// OpenFile installs the file in the lowest free descriptor slot and returns
// its number.
func (p *Process) OpenFile(file fs.File) (uint32, *kernel.Error) {
	for fd := range p.files {
		if p.files[fd] == nil {
			p.files[fd] = &Descriptor{shared: &openFile{file: file, refs: 1}}
			return uint32(fd), nil
		}
	}
	return 0, errMaxFiles
}

// FileDescriptor returns the descriptor behind fd.
func (p *Process) FileDescriptor(fd uint32) (*Descriptor, *kernel.Error) {
	if fd >= MaxOpenFiles || p.files[fd] == nil {
		return nil, errBadDescriptor
	}
	return p.files[fd], nil
}

// CloseFile releases the descriptor slot. The underlying file is closed only
// once no descriptor in any process references it.
func (p *Process) CloseFile(fd uint32) *kernel.Error {
	if fd >= MaxOpenFiles || p.files[fd] == nil {
		return errBadDescriptor
	}
	shared := p.files[fd].shared
	p.files[fd] = nil

	shared.refs--
	if shared.refs == 0 {
		return shared.file.Close()
	}
	return nil
}

// ReserveMmap carves the next length bytes out of the user program window as
// a demand region. The length is rounded up to whole pages.
func (p *Process) ReserveMmap(length uint32) (uint32, *kernel.Error) {
	pages := (length + mm.PageSize - 1) / mm.PageSize
	if pages == 0 {
		pages = 1
	}
	size := pages * mm.PageSize

	if p.mmapNext+size < p.mmapNext || p.mmapNext+size > UserProgramEnd {
		return 0, errMmapExhausted
	}

	region := mm.RegionFromStartLen(p.mmapNext, size)
	if err := p.space.ReserveDemand(region, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		return 0, err
	}
	p.mmapNext += size
	return region.Start, nil
}
