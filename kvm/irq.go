package kvm

import "unsafe"

// irqLevel sets the level of one IRQ line on the in-kernel interrupt
// controller (PIC/IOAPIC).
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises (level=1) or lowers (level=0) an IRQ line.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC/IOAPIC model for the VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}

// pitConfig configures the in-kernel programmable interval timer.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates the in-kernel PIT model for the VM.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: 0,
	}
	_, err := Ioctl(vmFd, IIOW(nrCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}
