// Package ioerr collects the sentinel error values shared across the VMM
// core, following the same per-package sentinel style as kvm.ErrUnexpectedExitReason
// and memory.errNoSlotsAvail, but exported so device and transport packages
// can classify and wrap them with fmt.Errorf("...: %w", ...).
package ioerr

import "errors"

var (
	// ErrHypervisorUnavailable means the host has no usable hypervisor service.
	ErrHypervisorUnavailable = errors.New("hypervisor unavailable")

	// ErrResourceExhausted means a memory allocation or handle creation failed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidSpec means the VM configuration is self-contradictory:
	// overlapping MMIO/PIO ranges, zero cpu_count, or a nonsensical memory size.
	ErrInvalidSpec = errors.New("invalid vm spec")

	// ErrGuestIO means a virtio backend's I/O failed. It surfaces to the
	// guest as a virtio IOERR status byte and is logged host-side; it
	// never stops the VM.
	ErrGuestIO = errors.New("guest io error")

	// ErrBus means the guest accessed an unmapped PIO/MMIO region while
	// the address space was constructed in strict mode.
	ErrBus = errors.New("bus error: unmapped access")

	// ErrHypervisorInternal is any hypervisor run() failure that isn't
	// otherwise classified.
	ErrHypervisorInternal = errors.New("hypervisor internal error")

	// ErrIPCFraming means a malformed header or truncated payload was
	// read from an IPC peer. The peer is disconnected; the VM keeps running.
	ErrIPCFraming = errors.New("ipc framing error")
)
