// Package kvmabi is the concrete hv.HypervisorAbi backed by Linux KVM,
// wrapping the kvm package's ioctls exactly as machine.New and
// machine.LoadLinux did, but behind the capability interface vcpu/vm use.
package kvmabi

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nkyriazis/gokvm-mmio/hv"
	"github.com/nkyriazis/gokvm-mmio/ioerr"
	"github.com/nkyriazis/gokvm-mmio/kvm"
)

// KVM is a HypervisorAbi backed by one /dev/kvm fd and the VMs/vCPUs
// created through it.
type KVM struct {
	mu      sync.Mutex
	dev     *os.File
	mmapLen int

	vms   map[hv.VmHandle]*vmState
	vcpus map[hv.VCpuHandle]*vcpuState
}

type vmState struct {
	fd uintptr
}

type vcpuState struct {
	fd        uintptr
	run       *kvm.RunData
	runMem    []byte
	cancelled atomic.Bool
}

// Open opens /dev/kvm and queries the per-vCPU mmap size; it performs no
// VM or vCPU creation yet.
func Open() (*KVM, error) {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %w", ioerr.ErrHypervisorUnavailable, err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(f.Fd())
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: get vcpu mmap size: %w", ioerr.ErrHypervisorUnavailable, err)
	}

	return &KVM{
		dev:     f,
		mmapLen: int(mmapSize),
		vms:     make(map[hv.VmHandle]*vmState),
		vcpus:   make(map[hv.VCpuHandle]*vcpuState),
	}, nil
}

// CreateVM implements hv.HypervisorAbi.
func (k *KVM) CreateVM() (hv.VmHandle, error) {
	fd, err := kvm.CreateVM(k.dev.Fd())
	if err != nil {
		return 0, fmt.Errorf("%w: create vm: %w", ioerr.ErrHypervisorInternal, err)
	}

	if err := kvm.SetTSSAddr(fd); err != nil {
		return 0, fmt.Errorf("%w: set tss addr: %w", ioerr.ErrHypervisorInternal, err)
	}

	if err := kvm.SetIdentityMapAddr(fd); err != nil {
		return 0, fmt.Errorf("%w: set identity map addr: %w", ioerr.ErrHypervisorInternal, err)
	}

	if err := kvm.CreateIRQChip(fd); err != nil {
		return 0, fmt.Errorf("%w: create irqchip: %w", ioerr.ErrHypervisorInternal, err)
	}

	if err := kvm.CreatePIT2(fd); err != nil {
		return 0, fmt.Errorf("%w: create pit2: %w", ioerr.ErrHypervisorInternal, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	handle := hv.VmHandle(fd)
	k.vms[handle] = &vmState{fd: fd}

	return handle, nil
}

// MapMemory implements hv.HypervisorAbi.
func (k *KVM) MapMemory(vm hv.VmHandle, region hv.MemoryRegion) error {
	k.mu.Lock()
	vs, ok := k.vms[vm]
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown vm handle", ioerr.ErrInvalidSpec)
	}

	kregion := kvm.UserspaceMemoryRegion{
		Slot:          region.Slot,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
		UserspaceAddr: uint64(region.HostAddr),
	}

	if region.ReadOnly {
		kregion.SetMemReadonly()
	}

	if err := kvm.SetUserMemoryRegion(vs.fd, &kregion); err != nil {
		return fmt.Errorf("%w: set user memory region: %w", ioerr.ErrHypervisorInternal, err)
	}

	return nil
}

// CreateVCPU implements hv.HypervisorAbi.
func (k *KVM) CreateVCPU(vm hv.VmHandle, id int) (hv.VCpuHandle, *kvm.RunData, error) {
	k.mu.Lock()
	vs, ok := k.vms[vm]
	k.mu.Unlock()

	if !ok {
		return 0, nil, fmt.Errorf("%w: unknown vm handle", ioerr.ErrInvalidSpec)
	}

	fd, err := kvm.CreateVCPU(vs.fd, id)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: create vcpu %d: %w", ioerr.ErrHypervisorInternal, id, err)
	}

	runMem, err := unix.Mmap(int(fd), 0, k.mmapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: mmap vcpu run page: %w", ioerr.ErrHypervisorInternal, err)
	}

	run := (*kvm.RunData)(unsafe.Pointer(&runMem[0]))

	k.mu.Lock()
	handle := hv.VCpuHandle(fd)
	k.vcpus[handle] = &vcpuState{fd: fd, run: run, runMem: runMem}
	k.mu.Unlock()

	return handle, run, nil
}

// SetRegisters implements hv.HypervisorAbi.
func (k *KVM) SetRegisters(vcpu hv.VCpuHandle, regs hv.Registers) error {
	vs, err := k.vcpu(vcpu)
	if err != nil {
		return err
	}

	if err := kvm.SetRegs(vs.fd, regs.Regs); err != nil {
		return fmt.Errorf("%w: set regs: %w", ioerr.ErrHypervisorInternal, err)
	}

	if err := kvm.SetSregs(vs.fd, regs.Sregs); err != nil {
		return fmt.Errorf("%w: set sregs: %w", ioerr.ErrHypervisorInternal, err)
	}

	return nil
}

// Registers implements hv.HypervisorAbi.
func (k *KVM) Registers(vcpu hv.VCpuHandle) (hv.Registers, error) {
	vs, err := k.vcpu(vcpu)
	if err != nil {
		return hv.Registers{}, err
	}

	regs, err := kvm.GetRegs(vs.fd)
	if err != nil {
		return hv.Registers{}, fmt.Errorf("%w: get regs: %w", ioerr.ErrHypervisorInternal, err)
	}

	sregs, err := kvm.GetSregs(vs.fd)
	if err != nil {
		return hv.Registers{}, fmt.Errorf("%w: get sregs: %w", ioerr.ErrHypervisorInternal, err)
	}

	return hv.Registers{Regs: regs, Sregs: sregs}, nil
}

// ConfigureCPUID implements hv.HypervisorAbi, applying the same patch
// machine.initCPUID did: disable the PMU leaf and stamp the KVM signature
// leaf, both read from the host's own supported-CPUID set first.
func (k *KVM) ConfigureCPUID(vcpu hv.VCpuHandle) error {
	vs, err := k.vcpu(vcpu)
	if err != nil {
		return err
	}

	cpuid := kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(k.dev.Fd(), &cpuid); err != nil {
		return fmt.Errorf("%w: get supported cpuid: %w", ioerr.ErrHypervisorInternal, err)
	}

	for i := 0; i < int(cpuid.Nent); i++ {
		switch cpuid.Entries[i].Function {
		case kvm.CPUIDFuncPerMon:
			cpuid.Entries[i].Eax = 0
		case kvm.CPUIDSignature:
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // "KVMK"
			cpuid.Entries[i].Ecx = 0x564b4d56 // "VMKV"
			cpuid.Entries[i].Edx = 0x4d       // "M"
		}
	}

	if err := kvm.SetCPUID2(vs.fd, &cpuid); err != nil {
		return fmt.Errorf("%w: set cpuid2: %w", ioerr.ErrHypervisorInternal, err)
	}

	return nil
}

// Run implements hv.HypervisorAbi. A Cancel observed just before entering
// the ioctl short-circuits it with EXITSHUTDOWN instead of re-entering the
// guest, since KVM has no portable way to abort an in-flight KVM_RUN from
// another goroutine without a real pthread signal.
func (k *KVM) Run(vcpu hv.VCpuHandle) (kvm.ExitType, error) {
	vs, err := k.vcpu(vcpu)
	if err != nil {
		return kvm.EXITUNKNOWN, err
	}

	if vs.cancelled.Load() {
		return kvm.EXITSHUTDOWN, nil
	}

	if err := kvm.Run(vs.fd); err != nil {
		return kvm.EXITUNKNOWN, fmt.Errorf("%w: run: %w", ioerr.ErrHypervisorInternal, err)
	}

	return kvm.ExitType(vs.run.ExitReason), nil
}

// RequestInterrupt implements hv.HypervisorAbi. KVM's in-kernel irqchip
// (created alongside the vm in CreateVM) has no vector-level injection
// ioctl, so req's RTE-resolved fields are lowered to a plain GSI pulse on
// req.Pin; they still matter to callers that resolve them, and to a future
// backing that can accept them directly.
func (k *KVM) RequestInterrupt(vm hv.VmHandle, req hv.InterruptRequest, level uint32) error {
	k.mu.Lock()
	vs, ok := k.vms[vm]
	k.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown vm handle", ioerr.ErrInvalidSpec)
	}

	if err := kvm.IRQLine(vs.fd, req.Pin, level); err != nil {
		return fmt.Errorf("%w: irq line %d: %w", ioerr.ErrHypervisorInternal, req.Pin, err)
	}

	return nil
}

// Cancel implements hv.HypervisorAbi.
func (k *KVM) Cancel(vcpu hv.VCpuHandle) {
	if vs, err := k.vcpu(vcpu); err == nil {
		vs.cancelled.Store(true)
	}
}

// Close implements hv.HypervisorAbi.
func (k *KVM) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, vs := range k.vcpus {
		unix.Munmap(vs.runMem)
		unix.Close(int(vs.fd))
	}

	for _, vs := range k.vms {
		unix.Close(int(vs.fd))
	}

	return k.dev.Close()
}

func (k *KVM) vcpu(handle hv.VCpuHandle) (*vcpuState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	vs, ok := k.vcpus[handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vcpu handle", ioerr.ErrInvalidSpec)
	}

	return vs, nil
}
