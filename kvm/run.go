package kvm

import "unsafe"

// RunData is the kernel/userspace shared vcpu run page, mmap'd over the fd
// returned by CreateVCPU using the size from GetVCPUMMmapSize.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the Data union for an EXITIO exit: direction (EXITIOIN/EXITIOOUT),
// operand size in bytes, port number, repeat count, and the byte offset
// within RunData itself where the operand data lives.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the Data union for an EXITMMIO exit: the guest physical
// address, the access length in bytes, whether it's a write, and the byte
// offset within RunData itself where the operand data lives. On a write the
// operand bytes are already present at that offset; on a read the handler
// must write the result there before the next Run.
func (r *RunData) MMIO() (physAddr uint64, length int, isWrite bool, offset uint64) {
	physAddr = r.Data[0]
	offset = uint64(unsafe.Offsetof(r.Data)) + 8 // past phys_addr, at mmio.data[8]
	lenAndWrite := r.Data[2]
	length = int(lenAndWrite & 0xFFFFFFFF)
	isWrite = (lenAndWrite>>32)&0xFF != 0

	return physAddr, length, isWrite, offset
}

// Run executes the guest until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}

// GetAPIVersion returns the KVM API version, which must be 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetAPIVersion), 0)
}

// CreateVM creates a VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrCreateVM), 0)
}

// CreateVCPU creates vcpu number cpuID within the VM and returns its fd.
func CreateVCPU(vmFd uintptr, cpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(cpuID))
}

// GetVCPUMMmapSize returns the size in bytes of the RunData mmap region.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(nrGetVCPUMMapSize), 0)
}

// SetTSSAddr reserves a 3-page region above guest memory for the VMX task
// state segment. Required by KVM on Intel hosts before the first CreateVCPU.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), 0xffffd000)

	return err
}

// SetIdentityMapAddr reserves a page for the VMX EPT identity map, also
// required on Intel hosts.
func SetIdentityMapAddr(vmFd uintptr) error {
	addr := uint64(0xffffc000)
	_, err := Ioctl(vmFd, IIOW(nrSetIdentityMapAddr, unsafe.Sizeof(addr)), uintptr(unsafe.Pointer(&addr)))

	return err
}
