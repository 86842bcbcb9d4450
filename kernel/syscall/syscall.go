// Package syscall implements the syscall dispatcher: the fixed call table
// reached through the software trap vector, the errno values returned to
// user programs and the handlers that bridge user registers to the file,
// memory and process operations.
package syscall

import (
	"github.com/ytret/os/kernel/fs"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/kfmt"
	"github.com/ytret/os/kernel/task"
)

// Syscall numbers. The gaps are reserved by the ABI and never reassigned.
const (
	SysOpen    = 0
	SysWrite   = 1
	SysRead    = 2
	SysSeekAbs = 3
	SysSeekRel = 4
	SysMmap    = 5
	SysSetTLS  = 6
	SysExit    = 10
	SysIsTTY   = 11
	SysGetpid  = 12
	SysFork    = 13

	numSyscalls = 14
)

// Errno values returned to user programs in EAX. Success results are
// non-negative.
const (
	EBADF  = int32(-1)
	EINVAL = int32(-2)
	EMFILE = int32(-3)
	ENOENT = int32(-4)
	ENOTTY = int32(-5)
	ENOSYS = int32(-6)
)

// maxPathLen bounds the path argument of open.
const maxPathLen = 4096

type handlerFn func(*gate.Registers) int32

var (
	handlers [numSyscalls]handlerFn

	// rootFS serves path lookups. Registered at boot; until then every
	// open fails cleanly.
	rootFS fs.Filesystem
)

// Init wires the call table and hooks the syscall trap vector.
func Init(filesystem fs.Filesystem) {
	rootFS = filesystem

	handlers[SysOpen] = sysOpen
	handlers[SysWrite] = sysWrite
	handlers[SysRead] = sysRead
	handlers[SysSeekAbs] = sysSeekAbs
	handlers[SysSeekRel] = sysSeekRel
	handlers[SysMmap] = sysMmap
	handlers[SysSetTLS] = sysSetTLS
	handlers[SysExit] = sysExit
	handlers[SysIsTTY] = sysIsTTY
	handlers[SysGetpid] = sysGetpid
	handlers[SysFork] = sysFork

	gate.HandleInterrupt(gate.SyscallVector, dispatch)
	kfmt.Printf("[syscall] call table installed (%d slots)\n", numSyscalls)
}

// dispatch routes a syscall trap to its handler. The call number arrives in
// Info; the result goes back to the caller in EAX. Unknown numbers are the
// caller's error, never the kernel's: they report ENOSYS and the program
// keeps running.
func dispatch(regs *gate.Registers) {
	num := regs.Info
	if num >= numSyscalls || handlers[num] == nil {
		res := ENOSYS
		regs.EAX = uint32(res)
		return
	}
	regs.EAX = uint32(handlers[num](regs))
}

// sysOpen resolves the path at (EBX, len ECX) and installs the file in the
// lowest free descriptor slot.
func sysOpen(regs *gate.Registers) int32 {
	pathLen := regs.ECX
	if pathLen == 0 || pathLen > maxPathLen {
		return EINVAL
	}

	pathBytes, err := copyFromUser(regs.EBX, pathLen)
	if err != nil {
		return EINVAL
	}
	if rootFS == nil {
		return ENOENT
	}

	file, err := rootFS.Open(string(pathBytes))
	if err != nil {
		return ENOENT
	}

	fd, err := task.CurrentProcess().OpenFile(file)
	if err != nil {
		file.Close()
		return EMFILE
	}
	return int32(fd)
}

// sysWrite copies ECX..ECX+EDX from the caller and writes it at descriptor
// EBX's position.
func sysWrite(regs *gate.Registers) int32 {
	desc, err := task.CurrentProcess().FileDescriptor(regs.EBX)
	if err != nil {
		return EBADF
	}

	data, err := copyFromUser(regs.ECX, regs.EDX)
	if err != nil {
		return EINVAL
	}

	n, err := desc.File().WriteAt(data, desc.Offset())
	if err != nil {
		return EINVAL
	}
	desc.SetOffset(desc.Offset() + n)
	return int32(n)
}

// sysRead reads up to EDX bytes from descriptor EBX's position into the
// caller's buffer at ECX. The caller's length is untrusted; the transfer is
// bounded by what the file can still deliver before any kernel buffer is
// sized from it.
func sysRead(regs *gate.Registers) int32 {
	desc, err := task.CurrentProcess().FileDescriptor(regs.EBX)
	if err != nil {
		return EBADF
	}

	count := regs.EDX
	if remaining := remainingBytes(desc); count > remaining {
		count = remaining
	}

	buf := make([]byte, count)
	n, err := desc.File().ReadAt(buf, desc.Offset())
	if err != nil {
		return EINVAL
	}

	if err := copyToUser(regs.ECX, buf[:n]); err != nil {
		return EINVAL
	}
	desc.SetOffset(desc.Offset() + n)
	return int32(n)
}

// remainingBytes returns how many bytes are left between the descriptor's
// position and the end of its file.
func remainingBytes(desc *task.Descriptor) uint32 {
	size := desc.File().Size()
	if off := desc.Offset(); off < size {
		return size - off
	}
	return 0
}

// sysSeekAbs moves descriptor EBX's position to ECX.
func sysSeekAbs(regs *gate.Registers) int32 {
	desc, err := task.CurrentProcess().FileDescriptor(regs.EBX)
	if err != nil {
		return EBADF
	}
	if regs.ECX > desc.File().Size() {
		return EINVAL
	}
	desc.SetOffset(regs.ECX)
	return int32(regs.ECX)
}

// sysSeekRel moves descriptor EBX's position by the signed delta in ECX.
func sysSeekRel(regs *gate.Registers) int32 {
	desc, err := task.CurrentProcess().FileDescriptor(regs.EBX)
	if err != nil {
		return EBADF
	}

	newOffset := int64(desc.Offset()) + int64(int32(regs.ECX))
	if newOffset < 0 || newOffset > int64(desc.File().Size()) {
		return EINVAL
	}
	desc.SetOffset(uint32(newOffset))
	return int32(newOffset)
}

// sysMmap reserves EBX bytes of demand-backed memory in the caller's program
// window and returns its address.
func sysMmap(regs *gate.Registers) int32 {
	addr, err := task.CurrentProcess().ReserveMmap(regs.EBX)
	if err != nil {
		return EINVAL
	}
	return int32(addr)
}

// sysSetTLS records EBX as the calling thread's thread-local storage base.
func sysSetTLS(regs *gate.Registers) int32 {
	if err := task.SetTLS(regs.EBX); err != nil {
		return EINVAL
	}
	return 0
}

// sysIsTTY reports whether descriptor EBX is backed by a terminal device.
func sysIsTTY(regs *gate.Registers) int32 {
	desc, err := task.CurrentProcess().FileDescriptor(regs.EBX)
	if err != nil {
		return EBADF
	}
	if term, ok := desc.File().(fs.Terminal); ok && term.IsTerminal() {
		return 1
	}
	return ENOTTY
}

// sysExit terminates the calling process with the status in EBX.
func sysExit(regs *gate.Registers) int32 {
	task.ExitProcess(int32(regs.EBX))
	return 0
}

// sysGetpid returns the calling process's id.
func sysGetpid(regs *gate.Registers) int32 {
	return int32(task.CurrentProcess().ID())
}

// sysFork clones the calling process. The parent observes the child's id;
// the child's register image carries a zero in EAX.
func sysFork(regs *gate.Registers) int32 {
	child, err := task.ForkCurrent(regs)
	if err != nil {
		return EINVAL
	}
	return int32(child.ID())
}
