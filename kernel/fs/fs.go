// Package fs declares the narrow filesystem surface that the syscall layer
// consumes. The core does not implement a filesystem; a concrete one is
// registered at boot and everything above it speaks through these
// interfaces.
package fs

import "github.com/ytret/os/kernel"

// File is an open file exposed to user programs through a descriptor. The
// descriptor's position lives with the descriptor, not the file, so offsets
// are explicit on every transfer.
type File interface {
	ReadAt(p []byte, off uint32) (uint32, *kernel.Error)
	WriteAt(p []byte, off uint32) (uint32, *kernel.Error)
	Size() uint32
	Close() *kernel.Error
}

// Terminal is implemented by files backed by an interactive terminal
// device.
type Terminal interface {
	IsTerminal() bool
}

// Filesystem resolves paths to files.
type Filesystem interface {
	Open(path string) (File, *kernel.Error)
}
