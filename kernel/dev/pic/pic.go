// Package pic provides a driver for the 8259 programmable interrupt
// controller pair that routes device IRQ lines into the trap dispatch layer.
package pic

import (
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/kfmt"
)

const (
	primaryCmdPort    = uint16(0x20)
	primaryDataPort   = uint16(0x21)
	secondaryCmdPort  = uint16(0xa0)
	secondaryDataPort = uint16(0xa1)

	cmdInit = uint8(1 << 4)
	cmdEOI  = uint8(1 << 5)

	icw1NeedsICW4 = uint8(1 << 0)
	icw4Mode8086  = uint8(1 << 0)

	// The line on the primary controller that the secondary is cascaded
	// through.
	cascadeLine = uint8(2)
)

var (
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// Init remaps both controllers so that IRQ 0 is delivered at vectorBase and
// IRQ 8 at vectorBase+8, masks every line and registers the end-of-interrupt
// acknowledgment with the dispatch layer. The power-on mapping overlaps the
// CPU exception vectors and must never be used.
func Init(vectorBase uint8) {
	portWriteByteFn(primaryCmdPort, cmdInit|icw1NeedsICW4)
	portWriteByteFn(secondaryCmdPort, cmdInit|icw1NeedsICW4)
	portWriteByteFn(primaryDataPort, vectorBase)
	portWriteByteFn(secondaryDataPort, vectorBase+8)
	portWriteByteFn(primaryDataPort, 1<<cascadeLine)
	portWriteByteFn(secondaryDataPort, cascadeLine)
	portWriteByteFn(primaryDataPort, icw4Mode8086)
	portWriteByteFn(secondaryDataPort, icw4Mode8086)

	// All lines start masked; drivers unmask the ones they service.
	portWriteByteFn(primaryDataPort, 0xff)
	portWriteByteFn(secondaryDataPort, 0xff)

	gate.SetIRQAck(Ack)

	kfmt.Printf("[pic] remapped IRQ lines to vectors %d-%d\n", vectorBase, vectorBase+15)
}

// UnmaskIRQ enables delivery of the given IRQ line. Lines 8-15 live on the
// secondary controller, which is reached through the cascade line on the
// primary.
func UnmaskIRQ(irq uint8) {
	if irq >= 8 {
		UnmaskIRQ(cascadeLine)
		setMaskBit(secondaryDataPort, irq-8, false)
		return
	}
	setMaskBit(primaryDataPort, irq, false)
}

// MaskIRQ disables delivery of the given IRQ line.
func MaskIRQ(irq uint8) {
	if irq >= 8 {
		setMaskBit(secondaryDataPort, irq-8, true)
		return
	}
	setMaskBit(primaryDataPort, irq, true)
}

func setMaskBit(port uint16, bit uint8, masked bool) {
	mask := portReadByteFn(port)
	if masked {
		mask |= 1 << bit
	} else {
		mask &^= 1 << bit
	}
	portWriteByteFn(port, mask)
}

// Ack signals end-of-interrupt for a serviced IRQ. IRQs raised by the
// secondary controller must be acknowledged on both chips.
func Ack(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(secondaryCmdPort, cmdEOI)
	}
	portWriteByteFn(primaryCmdPort, cmdEOI)
}
