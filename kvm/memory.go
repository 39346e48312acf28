package kvm

import "unsafe"

// UserspaceMemoryRegion describes a slice of guest physical address space
// backed by host memory starting at UserspaceAddr.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks the region for dirty-page tracking.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory region on a VM.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(*region)), uintptr(unsafe.Pointer(region)))

	return err
}
