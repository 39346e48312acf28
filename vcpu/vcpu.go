// Package vcpu runs one guest virtual CPU: enter the hypervisor, dispatch
// the resulting vmexit to the registered PIO/MMIO handlers, and re-enter.
// This is machine.RunOnce generalized off kvm.Run's raw fd calls and onto
// hv.HypervisorAbi, with EXITIO's handling extended to EXITMMIO so the
// virtio-mmio device model can sit on the same dispatch loop as the legacy
// PIO devices (CMOS, PIC, PIT) the teacher already wires.
package vcpu

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/nkyriazis/gokvm-mmio/hv"
	"github.com/nkyriazis/gokvm-mmio/ioerr"
	"github.com/nkyriazis/gokvm-mmio/kvm"
	"github.com/nkyriazis/gokvm-mmio/memory"
)

// VCpu owns one hypervisor vCPU handle and the shared run page backing it.
type VCpu struct {
	id        int
	abi       hv.HypervisorAbi
	vm        hv.VmHandle
	handle    hv.VCpuHandle
	run       *kvm.RunData
	addrSpace *memory.AddressSpace

	traceMem   *memory.GuestMemory
	traceSkip  int
	traceCount int
}

// New creates vCPU number id within vm and wires it to addrSpace for PIO
// and MMIO dispatch. It does not set registers or start running; call
// SetRegisters then Loop.
func New(abi hv.HypervisorAbi, vm hv.VmHandle, id int, addrSpace *memory.AddressSpace) (*VCpu, error) {
	handle, run, err := abi.CreateVCPU(vm, id)
	if err != nil {
		return nil, fmt.Errorf("create vcpu %d: %w", id, err)
	}

	return &VCpu{
		id:        id,
		abi:       abi,
		vm:        vm,
		handle:    handle,
		run:       run,
		addrSpace: addrSpace,
	}, nil
}

// SetRegisters installs the initial register state, done once before Loop.
func (v *VCpu) SetRegisters(regs hv.Registers) error {
	return v.abi.SetRegisters(v.handle, regs)
}

// Registers reads back the vCPU's current register state, used to patch
// the reset state KVM hands a fresh vCPU rather than construct one from
// nothing, exactly as machine.initRegs and machine.initSregs do.
func (v *VCpu) Registers() (hv.Registers, error) {
	return v.abi.Registers(v.handle)
}

// Handle exposes the raw vCPU handle for capability calls New does not
// itself wrap, such as hv.HypervisorAbi.ConfigureCPUID.
func (v *VCpu) Handle() hv.VCpuHandle {
	return v.handle
}

// Cancel asks a running Loop to return at the next opportunity.
func (v *VCpu) Cancel() {
	v.abi.Cancel(v.handle)
}

// Loop runs the guest until EXITSHUTDOWN, a Cancel takes effect, or a
// dispatch error occurs; EXITHLT resumes the loop rather than ending it. It
// locks the calling goroutine to its OS thread for its whole lifetime,
// exactly as machine.RunOnce documents: vCPU fds are thread-affine once
// KVM_RUN has been issued once.
func (v *VCpu) Loop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		halt, err := v.RunOnce()
		if err != nil {
			return err
		}

		v.traceStep()

		if halt {
			return nil
		}
	}
}

// RunOnce executes a single vmexit/dispatch/re-entry cycle. It is exported
// separately from Loop so tests can drive one exit at a time without
// spinning up a dedicated OS thread.
func (v *VCpu) RunOnce() (bool, error) {
	reason, err := v.abi.Run(v.handle)
	if err != nil {
		return false, err
	}

	switch reason {
	case kvm.EXITHLT:
		// A halted guest is just waiting for the next interrupt, not
		// exiting: yield the thread once and re-enter KVM_RUN, which
		// wakes it on the next injected vector exactly as real hardware
		// resumes from HLT.
		runtime.Gosched()

		return false, nil
	case kvm.EXITSHUTDOWN:
		return true, nil
	case kvm.EXITIO:
		return false, v.handlePIO()
	case kvm.EXITMMIO:
		return false, v.handleMMIO()
	case kvm.EXITINTR:
		// A signal hit the thread hosting the vCPU; re-enter.
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", kvm.ErrUnexpectedExitReason, reason)
	}
}

func (v *VCpu) handlePIO() error {
	direction, size, port, count, offset := v.run.IO()
	data := v.runBytes(offset, int(size))

	for i := uint64(0); i < count; i++ {
		value := bytesToUint32(data)

		handled, err := v.addrSpace.DispatchPIO(uint16(port), int(size), pioDirection(direction), &value)
		if err != nil {
			return fmt.Errorf("%w: pio port %#x: %w", ioerr.ErrBus, port, err)
		}

		if direction == kvm.EXITIOIN && handled == memory.WasHandled {
			uint32ToBytes(data, value)
		}
	}

	return nil
}

func (v *VCpu) handleMMIO() error {
	physAddr, length, isWrite, offset := v.run.MMIO()
	data := v.runBytes(offset, length)

	dir := memory.In
	if isWrite {
		dir = memory.Out
	}

	value := bytesToUint64(data)

	handled, err := v.addrSpace.DispatchMMIO(physAddr, length, dir, &value)
	if err != nil {
		return fmt.Errorf("%w: mmio gpa %#x: %w", ioerr.ErrBus, physAddr, err)
	}

	if !isWrite && handled == memory.WasHandled {
		uint64ToBytes(data, value)
	}

	return nil
}

// runBytes returns a slice over the operand bytes living at offset within
// the shared run page, exactly as machine.RunOnce derived them with its own
// inline unsafe.Pointer arithmetic.
func (v *VCpu) runBytes(offset uint64, size int) []byte {
	base := uintptr(unsafe.Pointer(v.run))

	return (*(*[8]byte)(unsafe.Pointer(base + uintptr(offset))))[0:size]
}

func pioDirection(direction uint64) memory.Direction {
	if direction == kvm.EXITIOOUT {
		return memory.Out
	}

	return memory.In
}

func bytesToUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < len(b) && i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}

	return v
}

func uint32ToBytes(b []byte, v uint32) {
	for i := 0; i < len(b) && i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func bytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func uint64ToBytes(b []byte, v uint64) {
	for i := 0; i < len(b) && i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
