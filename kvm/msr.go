package kvm

import (
	"unsafe"
)

// MSRList is the set of MSR indices returned by GetMSRIndexList/GetMSRFeatureIndexList.
type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest MSRs the host supports. The list varies
// by kernel version and host processor but is otherwise fixed.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// The request size must be computed from a bare NMSRs count, not the
	// full MSRList, or the kernel rejects it: only NMSRs is input, the
	// Indicies array is output-sized by the kernel itself.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(nrGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRFeatureIndexList returns the MSRs that can be passed to KVM_GET_MSRS
// at the system level, letting userspace probe host MSR-exposed features.
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(nrGetMSRFeatureIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}
