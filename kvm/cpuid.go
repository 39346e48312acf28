package kvm

import (
	"unsafe"
)

// CPUIDFeatures is the KVM paravirtual-features pseudo-CPUID leaf
// (KVM_CPUID_FEATURES), the leaf right after CPUIDSignature.
const CPUIDFeatures = 0x40000001

// CPUIDSignature is the CPUID function number (leaf 0x40000000) a guest
// reads to get the hypervisor vendor string back in Ebx/Ecx/Edx.
const CPUIDSignature = 0x40000000

// CPUIDFuncPerMon is the architectural performance monitoring leaf; it is
// disabled (Eax=0) because the host's PMU counters aren't exposed to guests
// here.
const CPUIDFuncPerMon = 0x0A

// CPUID is the set of CPUID entries exchanged with GetSupportedCPUID/SetCPUID2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf entry.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID gets all host-supported CPUID entries.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(nrGetSupportedCPUID, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets the CPUID entries a vcpu will report to the guest.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(nrSetCPUID2, unsafe.Sizeof(*kvmCPUID)),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
