// Package hv isolates the host hypervisor API behind a small capability
// interface, so the vCPU execution loop and guest-memory wiring in vcpu/vm
// never import a concrete hypervisor package directly. The teacher talks to
// /dev/kvm everywhere inline; here that surface is named once and the
// concrete KVM backing lives in hv/kvmabi.
package hv

import "github.com/nkyriazis/gokvm-mmio/kvm"

// VmHandle and VCpuHandle are opaque handles a HypervisorAbi hands back;
// callers never interpret them, only pass them to later calls.
type VmHandle uintptr

// VCpuHandle identifies one vCPU within a VmHandle.
type VCpuHandle uintptr

// MemoryRegion describes one guest-physical-to-host-virtual mapping, the
// Go-level mirror of kvm.UserspaceMemoryRegion.
type MemoryRegion struct {
	Slot          uint32
	GuestPhysAddr uint64
	HostAddr      uintptr
	Size          uint64
	ReadOnly      bool
}

// Registers bundles the general-purpose and special register sets a
// GuestLoader needs to set before first Run.
type Registers struct {
	Regs  kvm.Regs
	Sregs kvm.Sregs
}

// InterruptRequest carries the platform interrupt controller's RTE-resolved
// fields for one pin, the vector-level request a concrete backing lowers to
// whatever primitive it actually has (a GSI assert/deassert, an MSI write,
// a local APIC injection).
type InterruptRequest struct {
	// Pin is the GSI this request routes through; concrete backings with
	// no vector concept of their own fall back to pulsing this line.
	Pin uint32

	Vector       uint8
	DeliveryMode uint8
	DestMode     bool
	TriggerMode  bool // true = level, false = edge
	Destination  uint8
}

// HypervisorAbi is the host-provided hardware virtualization service,
// treated as an opaque capability per the platform's own non-goals: VCpu
// and Vm only ever see this interface, never kvm's ioctls directly.
type HypervisorAbi interface {
	// CreateVM allocates one VM instance on the host hypervisor.
	CreateVM() (VmHandle, error)

	// MapMemory installs or updates a guest-physical memory region.
	MapMemory(vm VmHandle, region MemoryRegion) error

	// CreateVCPU creates vCPU number id within vm and returns both its
	// handle and the live exit-info page the hypervisor updates on Run.
	CreateVCPU(vm VmHandle, id int) (VCpuHandle, *kvm.RunData, error)

	// SetRegisters installs the initial register state for a vCPU, done
	// once by the GuestLoader before the first Run.
	SetRegisters(vcpu VCpuHandle, regs Registers) error

	// Registers reads back a vCPU's current register state, used by the
	// GuestLoader to patch the reset state KVM hands a fresh vCPU rather
	// than construct one from nothing, exactly as machine.initRegs and
	// machine.initSregs do.
	Registers(vcpu VCpuHandle) (Registers, error)

	// ConfigureCPUID installs the host's supported CPUID leaves on vcpu,
	// with the performance-monitoring leaf disabled and the KVM
	// hypervisor signature leaf set, mirroring machine.initCPUID.
	ConfigureCPUID(vcpu VCpuHandle) error

	// Run executes the guest on vcpu until the next vmexit and reports
	// why it exited. The RunData returned by CreateVCPU is updated in
	// place; callers read it after Run returns.
	Run(vcpu VCpuHandle) (kvm.ExitType, error)

	// RequestInterrupt asserts or deasserts the interrupt line described by
	// req on vm's in-kernel interrupt controller. req carries the
	// redirection-table-resolved vector and delivery fields; a backing
	// that only understands line pulses may use req.Pin and ignore the
	// rest.
	RequestInterrupt(vm VmHandle, req InterruptRequest, level uint32) error

	// Cancel asks a vCPU's Run loop to return at the next opportunity,
	// used to unwind a Vm during shutdown. Concrete backings that can't
	// interrupt an in-flight Run syscall honor it before the next call.
	Cancel(vcpu VCpuHandle)

	// Close releases every handle this HypervisorAbi has ever handed out.
	Close() error
}
