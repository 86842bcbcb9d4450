package syscall

import (
	"bytes"
	"testing"

	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/fs"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/gdt"
	"github.com/ytret/os/kernel/mm"
	"github.com/ytret/os/kernel/mm/vmm"
	"github.com/ytret/os/kernel/task"
)

// testFile is a fixed-size in-memory file.
type testFile struct {
	data   []byte
	closed bool
}

func (f *testFile) ReadAt(p []byte, off uint32) (uint32, *kernel.Error) {
	if off >= uint32(len(f.data)) {
		return 0, nil
	}
	return uint32(copy(p, f.data[off:])), nil
}

func (f *testFile) WriteAt(p []byte, off uint32) (uint32, *kernel.Error) {
	if off >= uint32(len(f.data)) {
		return 0, nil
	}
	return uint32(copy(f.data[off:], p)), nil
}

func (f *testFile) Size() uint32 {
	return uint32(len(f.data))
}

func (f *testFile) Close() *kernel.Error {
	f.closed = true
	return nil
}

// testTerminal is a testFile that reports itself as a terminal device.
type testTerminal struct {
	testFile
}

func (f *testTerminal) IsTerminal() bool {
	return true
}

type testFS struct {
	files map[string]*testFile
}

func (tfs *testFS) Open(path string) (fs.File, *kernel.Error) {
	file := tfs.files[path]
	if file == nil {
		return nil, &kernel.Error{Module: "syscall_test", Message: "no such file"}
	}
	return file, nil
}

type testFrames struct {
	nextFrame mm.Frame
	contents  map[mm.Frame][]byte
}

func (f *testFrames) alloc() (mm.Frame, *kernel.Error) {
	frame := f.nextFrame
	f.nextFrame++
	return frame, nil
}

func (f *testFrames) release(frame mm.Frame) *kernel.Error {
	delete(f.contents, frame)
	return nil
}

func (f *testFrames) bytes(frame mm.Frame) []byte {
	buf := f.contents[frame]
	if buf == nil {
		buf = make([]byte, mm.PageSize)
		f.contents[frame] = buf
	}
	return buf
}

// userBuffer is one mapped page of user memory inside the calling process,
// placed well above the start of the program window so mmap results never
// collide with it.
const userBuffer = task.UserProgramStart + (16 << 20)

// setup brings up memory, the manager and the call table, then schedules a
// process with one mapped page for its syscall buffers.
func setup(t *testing.T, filesystem fs.Filesystem) *task.Process {
	frames := &testFrames{
		nextFrame: mm.FrameFromAddress(16 << 20),
		contents:  make(map[mm.Frame][]byte),
	}
	mm.SetFrameAllocator(frames.alloc, frames.release)
	mm.SetFrameBytesFn(frames.bytes)

	t.Cleanup(func() {
		task.ResetForTest()
		vmm.ResetForTest()
		cpu.Reset()
		gdt.TSS = gdt.TaskStateSegment{}
	})

	if _, err := vmm.NewKernelSpace(mm.Region{Start: 0, End: 16 * 1024}); err != nil {
		t.Fatalf("expected kernel space creation to succeed; got %v", err)
	}
	vmm.KernelSpace().Activate()
	vmm.Init()
	if err := task.Init(1); err != nil {
		t.Fatalf("expected manager init to succeed; got %v", err)
	}
	Init(filesystem)

	proc, err := task.CreateProcess(nil)
	if err != nil {
		t.Fatalf("expected process creation to succeed; got %v", err)
	}
	if _, err := task.CreateThread(proc, userBuffer, 0); err != nil {
		t.Fatalf("expected thread creation to succeed; got %v", err)
	}
	task.Yield()
	if task.CurrentProcess() != proc {
		t.Fatal("expected the process to be scheduled")
	}

	region := mm.RegionFromStartLen(userBuffer, mm.PageSize)
	if err := proc.Space().MapRegion(region, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		t.Fatalf("expected the user buffer page to map; got %v", err)
	}
	return proc
}

// pokeUser writes data into the calling process's memory at virtAddr.
func pokeUser(t *testing.T, virtAddr uint32, data []byte) {
	if err := copyToUser(virtAddr, data); err != nil {
		t.Fatalf("expected the user write to succeed; got %v", err)
	}
}

// peekUser reads length bytes of the calling process's memory.
func peekUser(t *testing.T, virtAddr, length uint32) []byte {
	data, err := copyFromUser(virtAddr, length)
	if err != nil {
		t.Fatalf("expected the user read to succeed; got %v", err)
	}
	return data
}

// doSyscall raises the syscall trap the way user code does: number in EAX,
// arguments in EBX/ECX/EDX.
func doSyscall(num, ebx, ecx, edx uint32) int32 {
	regs := &gate.Registers{
		EAX: num, EBX: ebx, ECX: ecx, EDX: edx,
		CS: uint32(gdt.UsermodeCodeSeg),
	}
	gate.Dispatch(gate.SyscallVector, regs)
	return int32(regs.EAX)
}

func TestInvalidSyscallNumberReturnsENOSYS(t *testing.T) {
	proc := setup(t, &testFS{})

	for _, num := range []uint32{9999, numSyscalls, 7, 9} {
		if got := doSyscall(num, 0, 0, 0); got != ENOSYS {
			t.Errorf("expected syscall %d to return ENOSYS; got %d", num, got)
		}
	}

	// EAX carries the errno as its two's-complement image.
	regs := &gate.Registers{EAX: 9999, CS: uint32(gdt.UsermodeCodeSeg)}
	gate.Dispatch(gate.SyscallVector, regs)
	if regs.EAX != 0xfffffffa {
		t.Errorf("expected EAX to carry %x; got %x", uint32(0xfffffffa), regs.EAX)
	}

	// A bad call number is the caller's problem, not a kernel failure:
	// the process keeps running.
	if exited, _ := proc.Exited(); exited {
		t.Fatal("expected the process to survive an invalid syscall")
	}
	if task.CurrentProcess() != proc {
		t.Fatal("expected the process to keep the CPU")
	}
}

func TestOpenReadWriteSeek(t *testing.T) {
	motd := &testFile{data: []byte("hello from the kernel")}
	setup(t, &testFS{files: map[string]*testFile{"/etc/motd": motd}})

	pathAddr := uint32(userBuffer)
	pokeUser(t, pathAddr, []byte("/etc/motd"))

	fd := doSyscall(SysOpen, pathAddr, 9, 0)
	if fd != 0 {
		t.Fatalf("expected the first descriptor; got %d", fd)
	}

	// Read through the descriptor into user memory.
	bufAddr := uint32(userBuffer + 256)
	if n := doSyscall(SysRead, uint32(fd), bufAddr, 5); n != 5 {
		t.Fatalf("expected to read 5 bytes; got %d", n)
	}
	if got := peekUser(t, bufAddr, 5); !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("expected to read 'hello'; got %q", got)
	}

	// The position advanced; the next read continues.
	if n := doSyscall(SysRead, uint32(fd), bufAddr, 5); n != 5 {
		t.Fatalf("expected to read 5 more bytes; got %d", n)
	}
	if got := peekUser(t, bufAddr, 5); !bytes.Equal(got, []byte(" from")) {
		t.Fatalf("expected to read ' from'; got %q", got)
	}

	// Absolute seek back to the start, then overwrite.
	if got := doSyscall(SysSeekAbs, uint32(fd), 0, 0); got != 0 {
		t.Fatalf("expected seek to return 0; got %d", got)
	}
	pokeUser(t, bufAddr, []byte("HELLO"))
	if n := doSyscall(SysWrite, uint32(fd), bufAddr, 5); n != 5 {
		t.Fatalf("expected to write 5 bytes; got %d", n)
	}
	if !bytes.Equal(motd.data[:5], []byte("HELLO")) {
		t.Fatalf("expected the file to be overwritten; got %q", motd.data[:5])
	}

	// Relative seek, forwards and out of range.
	if got := doSyscall(SysSeekRel, uint32(fd), uint32(0xffffffff), 0); got != 4 {
		t.Fatalf("expected a -1 seek to land at 4; got %d", got)
	}
	if got := doSyscall(SysSeekRel, uint32(fd), uint32(0xffffff00), 0); got != EINVAL {
		t.Fatalf("expected an underflowing seek to fail; got %d", got)
	}
	if got := doSyscall(SysSeekAbs, uint32(fd), motd.Size()+1, 0); got != EINVAL {
		t.Fatalf("expected a seek past the end to fail; got %d", got)
	}

	// Unknown descriptors fail cleanly.
	if got := doSyscall(SysRead, 17, bufAddr, 1); got != EBADF {
		t.Fatalf("expected EBADF for an unopened descriptor; got %d", got)
	}
}

func TestOpenErrors(t *testing.T) {
	motd := &testFile{data: []byte("x")}
	proc := setup(t, &testFS{files: map[string]*testFile{"motd": motd}})

	pathAddr := uint32(userBuffer)
	pokeUser(t, pathAddr, []byte("motd"))

	// Zero-length and oversized paths.
	if got := doSyscall(SysOpen, pathAddr, 0, 0); got != EINVAL {
		t.Errorf("expected EINVAL for an empty path; got %d", got)
	}
	if got := doSyscall(SysOpen, pathAddr, maxPathLen+1, 0); got != EINVAL {
		t.Errorf("expected EINVAL for an oversized path; got %d", got)
	}

	// A path pointer into unmapped memory.
	if got := doSyscall(SysOpen, 0xdead0000, 4, 0); got != EINVAL {
		t.Errorf("expected EINVAL for a bad path pointer; got %d", got)
	}

	// A path that does not resolve.
	pokeUser(t, pathAddr, []byte("gone"))
	if got := doSyscall(SysOpen, pathAddr, 4, 0); got != ENOENT {
		t.Errorf("expected ENOENT for a missing file; got %d", got)
	}

	// A full descriptor table.
	for fileIndex := 0; fileIndex < task.MaxOpenFiles; fileIndex++ {
		if _, err := proc.OpenFile(motd); err != nil {
			t.Fatalf("expected open %d to succeed; got %v", fileIndex, err)
		}
	}
	pokeUser(t, pathAddr, []byte("motd"))
	if got := doSyscall(SysOpen, pathAddr, 4, 0); got != EMFILE {
		t.Errorf("expected EMFILE with a full table; got %d", got)
	}
}

func TestMmapBacksPagesOnDemand(t *testing.T) {
	proc := setup(t, &testFS{})

	length := 3 * mm.PageSize
	addr := doSyscall(SysMmap, length, 0, 0)
	if uint32(addr) != task.UserProgramStart {
		t.Fatalf("expected the mapping at the start of the program window; got %x", addr)
	}

	// Nothing is backed yet; the first touch faults the page in.
	if _, err := proc.Space().Translate(uint32(addr)); err == nil {
		t.Fatal("expected the mapping to start unbacked")
	}

	cpu.SetCR2(uint32(addr) + 8)
	gate.Dispatch(gate.PageFaultException, &gate.Registers{
		CS: uint32(gdt.UsermodeCodeSeg),
	})

	if exited, _ := proc.Exited(); exited {
		t.Fatal("expected the demand fault to be survivable")
	}
	if _, err := proc.Space().Translate(uint32(addr)); err != nil {
		t.Fatalf("expected the touched page to be backed; got %v", err)
	}
	if _, err := proc.Space().Translate(uint32(addr) + 2*mm.PageSize); err == nil {
		t.Fatal("expected untouched pages to stay unbacked")
	}
}

func TestGetpidAndExit(t *testing.T) {
	proc := setup(t, &testFS{})

	if got := doSyscall(SysGetpid, 0, 0, 0); got != int32(proc.ID()) {
		t.Fatalf("expected pid %d; got %d", proc.ID(), got)
	}

	doSyscall(SysExit, 7, 0, 0)
	if exited, status := proc.Exited(); !exited || status != 7 {
		t.Fatalf("expected exit status 7; got %v, %d", exited, status)
	}
	if task.CurrentProcess() == proc {
		t.Fatal("expected the CPU to leave the exited process")
	}
}

func TestForkDuplicatesTheCaller(t *testing.T) {
	motd := &testFile{data: []byte("shared")}
	proc := setup(t, &testFS{files: map[string]*testFile{"motd": motd}})

	fd, err := proc.OpenFile(motd)
	if err != nil {
		t.Fatalf("expected open to succeed; got %v", err)
	}
	desc, _ := proc.FileDescriptor(fd)
	desc.SetOffset(4)

	regs := &gate.Registers{
		EAX: SysFork,
		EBX: 0xb0, ECX: 0xc0, EDX: 0xd0,
		EIP: 0x08001234,
		CS:  uint32(gdt.UsermodeCodeSeg),
	}
	gate.Dispatch(gate.SyscallVector, regs)

	childID := int32(regs.EAX)
	if childID <= int32(proc.ID()) {
		t.Fatalf("expected a fresh child pid; got %d", childID)
	}

	child := task.ProcessByID(uint32(childID))
	if child == nil {
		t.Fatal("expected the child process to exist")
	}
	if child.ParentID() != proc.ID() {
		t.Errorf("expected parent id %d; got %d", proc.ID(), child.ParentID())
	}

	// The child resumes from the same trap frame with EAX cleared.
	threads := child.Threads()
	if len(threads) != 1 {
		t.Fatalf("expected one child thread; got %d", len(threads))
	}
	childRegs := threads[0].UserRegs()
	if childRegs == nil {
		t.Fatal("expected the child thread to carry a user register image")
	}
	if childRegs.EAX != 0 {
		t.Errorf("expected the child to observe 0; got %x", childRegs.EAX)
	}
	if childRegs.EIP != regs.EIP || childRegs.EBX != regs.EBX {
		t.Error("expected the child image to mirror the parent's trap frame")
	}

	// Descriptors are duplicated: same file, own offset.
	childDesc, err := child.FileDescriptor(fd)
	if err != nil {
		t.Fatalf("expected the child to inherit descriptor %d; got %v", fd, err)
	}
	if childDesc.File() != motd || childDesc.Offset() != 4 {
		t.Error("expected the inherited descriptor to share the file and copy the offset")
	}
	childDesc.SetOffset(0)
	if desc.Offset() != 4 {
		t.Error("expected the parent offset to be independent of the child's")
	}

	// The address spaces are distinct.
	if child.Space() == proc.Space() {
		t.Fatal("expected the child to own its own address space")
	}
	parentPhys, err := proc.Space().Translate(userBuffer)
	if err != nil {
		t.Fatalf("expected the parent buffer to stay mapped; got %v", err)
	}
	childPhys, err := child.Space().Translate(userBuffer)
	if err != nil {
		t.Fatalf("expected the child buffer to be mapped; got %v", err)
	}
	if parentPhys == childPhys {
		t.Error("expected the child pages to be backed by different frames")
	}
}

func TestReadLengthIsBoundedByTheFile(t *testing.T) {
	motd := &testFile{data: []byte("bounded")}
	proc := setup(t, &testFS{files: map[string]*testFile{"motd": motd}})

	fd, err := proc.OpenFile(motd)
	if err != nil {
		t.Fatalf("expected open to succeed; got %v", err)
	}

	// A huge caller length reads only what the file holds.
	bufAddr := uint32(userBuffer)
	if n := doSyscall(SysRead, fd, bufAddr, 0xffffffff); n != int32(motd.Size()) {
		t.Fatalf("expected the transfer to be capped at %d bytes; got %d", motd.Size(), n)
	}
	if got := peekUser(t, bufAddr, motd.Size()); !bytes.Equal(got, motd.data) {
		t.Fatalf("expected the file contents; got %q", got)
	}

	// At the end of the file nothing is left to transfer.
	if n := doSyscall(SysRead, fd, bufAddr, 0xffffffff); n != 0 {
		t.Fatalf("expected an exhausted descriptor to read 0 bytes; got %d", n)
	}

	// A huge write from an unbacked range fails before any transfer.
	if got := doSyscall(SysWrite, fd, 0xdead0000, 0xffffffff); got != EINVAL {
		t.Fatalf("expected EINVAL for an unbacked source range; got %d", got)
	}
}

func TestSetTLS(t *testing.T) {
	setup(t, &testFS{})

	if got := doSyscall(SysSetTLS, 0x12345678, 0, 0); got != 0 {
		t.Fatalf("expected the call to succeed; got %d", got)
	}
	if tls := task.CurrentThread().TLS(); tls != 0x12345678 {
		t.Errorf("expected the thread's tls base to be recorded; got %x", tls)
	}
}

func TestIsTTY(t *testing.T) {
	proc := setup(t, &testFS{})

	plainFD, err := proc.OpenFile(&testFile{data: []byte("x")})
	if err != nil {
		t.Fatalf("expected open to succeed; got %v", err)
	}
	termFD, err := proc.OpenFile(&testTerminal{})
	if err != nil {
		t.Fatalf("expected open to succeed; got %v", err)
	}

	if got := doSyscall(SysIsTTY, plainFD, 0, 0); got != ENOTTY {
		t.Errorf("expected ENOTTY for a regular file; got %d", got)
	}
	if got := doSyscall(SysIsTTY, termFD, 0, 0); got != 1 {
		t.Errorf("expected 1 for a terminal; got %d", got)
	}
	if got := doSyscall(SysIsTTY, 17, 0, 0); got != EBADF {
		t.Errorf("expected EBADF for an unopened descriptor; got %d", got)
	}
}

func TestForkedFileSurvivesChildExit(t *testing.T) {
	motd := &testFile{data: []byte("shared")}
	proc := setup(t, &testFS{})

	fd, err := proc.OpenFile(motd)
	if err != nil {
		t.Fatalf("expected open to succeed; got %v", err)
	}

	regs := &gate.Registers{
		EAX: SysFork,
		EIP: 0x08001234,
		CS:  uint32(gdt.UsermodeCodeSeg),
	}
	gate.Dispatch(gate.SyscallVector, regs)
	child := task.ProcessByID(regs.EAX)
	if child == nil {
		t.Fatal("expected the child process to exist")
	}

	// The child runs next and exits; the parent's descriptor must keep
	// working.
	task.Yield()
	if task.CurrentProcess() != child {
		t.Fatal("expected the child to be scheduled")
	}
	doSyscall(SysExit, 0, 0, 0)

	if task.CurrentProcess() != proc {
		t.Fatal("expected the parent to run again")
	}
	if motd.closed {
		t.Fatal("expected the shared file to stay open after the child exit")
	}
	bufAddr := uint32(userBuffer)
	if n := doSyscall(SysRead, fd, bufAddr, 6); n != 6 {
		t.Fatalf("expected the parent descriptor to still read; got %d", n)
	}

	// The last referencing process closes the file on exit.
	doSyscall(SysExit, 0, 0, 0)
	if !motd.closed {
		t.Error("expected the file to close with its last reference")
	}
}
