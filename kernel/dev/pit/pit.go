// Package pit provides a driver for the 8253/8254 programmable interval
// timer. Channel 0 is programmed in rate-generator mode to raise IRQ 0 at a
// fixed frequency; each tick advances the monotonic kernel clock and drives
// the scheduler.
package pit

import (
	"github.com/ytret/os/kernel"
	"github.com/ytret/os/kernel/cpu"
	"github.com/ytret/os/kernel/dev/pic"
	"github.com/ytret/os/kernel/gate"
	"github.com/ytret/os/kernel/kfmt"
)

const (
	dataPort = uint16(0x40)
	cmdPort  = uint16(0x43)

	// Select channel 0, lobyte/hibyte access, rate generator mode.
	cmdChannel0RateGen = uint8(0x34)

	// baseFrequency is the fixed input clock of the timer chip in Hz.
	baseFrequency = 1193182
)

var (
	errInvalidFrequency = &kernel.Error{Module: "pit", Message: "requested frequency is out of range"}

	portWriteByteFn = cpu.PortWriteByte

	// ticks is the number of timer interrupts serviced since boot.
	ticks uint64

	tickHandlers []func(uint64)
)

// Init programs channel 0 to fire freqHz times a second and hooks the timer
// IRQ vector. The 16-bit reload register bounds the usable range: the
// divisor must fit and must not be zero.
func Init(freqHz uint32) *kernel.Error {
	if freqHz == 0 {
		return errInvalidFrequency
	}

	divisor := uint32(baseFrequency) / freqHz
	if divisor == 0 || divisor > 0xffff {
		return errInvalidFrequency
	}

	portWriteByteFn(cmdPort, cmdChannel0RateGen)
	portWriteByteFn(dataPort, uint8(divisor))
	portWriteByteFn(dataPort, uint8(divisor>>8))

	gate.HandleInterrupt(gate.IRQBase+gate.InterruptNumber(gate.TimerIRQ), timerIRQHandler)
	pic.UnmaskIRQ(gate.TimerIRQ)

	kfmt.Printf("[pit] timer running at %d Hz (divisor %d)\n", freqHz, divisor)
	return nil
}

// OnTick registers a function invoked on every timer interrupt with the
// current tick count. Handlers run with interrupts masked and must not
// block.
func OnTick(handler func(uint64)) {
	tickHandlers = append(tickHandlers, handler)
}

// Ticks returns the number of timer interrupts serviced since boot.
func Ticks() uint64 {
	return ticks
}

func timerIRQHandler(regs *gate.Registers) {
	ticks++
	for _, handler := range tickHandlers {
		handler(ticks)
	}
}

// ResetForTest drops the tick count and registered handlers.
func ResetForTest() {
	ticks = 0
	tickHandlers = nil
}
