package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

// ErrOutOfBounds is returned by Translate/ReadBytes/WriteBytes when a guest
// physical range straddles the MMIO gap or falls outside both RAM windows.
var ErrOutOfBounds = errors.New("guest memory: address out of bounds")

// GuestMemory owns a single contiguous host allocation and exposes it to the
// guest as two GPA ranges split around the MMIO gap: low [0, LowSize) and,
// when the requested size exceeds the gap, high [MmioGapEnd, MmioGapEnd+HighSize).
//
// It is immutable after New returns. Device models borrow from Translate to
// compose DMA; there is no internal locking, since guest-memory coherency is
// the guest's responsibility, exactly as on real hardware.
type GuestMemory struct {
	host     []byte
	allocSize int
	lowSize   int
	highSize  int
	highBase  uint64
}

// New commits allocSize bytes (rounded up to a page) of anonymous, zeroed
// host memory and exposes it to the guest split around the MMIO gap.
func New(allocSize int) (*GuestMemory, error) {
	if allocSize <= 0 {
		return nil, fmt.Errorf("%w: non-positive memory size", ioerr.ErrInvalidSpec)
	}

	pageSize := unix.Getpagesize()
	aligned := (allocSize + pageSize - 1) &^ (pageSize - 1)

	host, err := unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap guest ram: %w", ioerr.ErrResourceExhausted, err)
	}

	gm := &GuestMemory{
		host:      host,
		allocSize: aligned,
	}

	gm.lowSize = aligned
	if gm.lowSize > MmioGapStart {
		gm.lowSize = MmioGapStart
	}

	gm.highSize = 0
	if aligned > MmioGapStart {
		gm.highSize = aligned - MmioGapStart
		gm.highBase = MmioGapEnd
	}

	return gm, nil
}

// Close releases the host allocation. It must only be called after every
// vCPU thread that might still be dereferencing Translate results has joined.
func (gm *GuestMemory) Close() error {
	if gm.host == nil {
		return nil
	}

	err := unix.Munmap(gm.host)
	gm.host = nil

	return err
}

// LowSize is the size in bytes of the low RAM window, [0, LowSize).
func (gm *GuestMemory) LowSize() int { return gm.lowSize }

// HighSize is the size in bytes of the high RAM window, starting at HighGPABase.
func (gm *GuestMemory) HighSize() int { return gm.highSize }

// HighGPABase is MmioGapEnd when HighSize > 0, else 0.
func (gm *GuestMemory) HighGPABase() uint64 { return gm.highBase }

// hostOffset maps a guest physical address to an offset into the single
// contiguous host allocation, or ok=false if gpa is outside both RAM windows.
func (gm *GuestMemory) hostOffset(gpa uint64) (int, bool) {
	if gpa < uint64(gm.lowSize) {
		return int(gpa), true
	}

	if gm.highSize > 0 && gpa >= gm.highBase && gpa < gm.highBase+uint64(gm.highSize) {
		return gm.lowSize + int(gpa-gm.highBase), true
	}

	return 0, false
}

// Translate returns the host-memory slice backing [gpa, gpa+length), or
// ErrOutOfBounds if the range is not entirely within one of the two valid
// GPA windows (it never straddles the gap, by construction).
func (gm *GuestMemory) Translate(gpa uint64, length int) ([]byte, error) {
	if length < 0 {
		return nil, ErrOutOfBounds
	}

	off, ok := gm.hostOffset(gpa)
	if !ok {
		return nil, ErrOutOfBounds
	}

	// Reject straddling the gap or the end of the allocation: the last
	// byte of the range must translate to an offset that is exactly
	// length-1 past off, i.e. still in the same contiguous window.
	if off+length > len(gm.host) {
		return nil, ErrOutOfBounds
	}

	if gpa < uint64(gm.lowSize) && gpa+uint64(length) > uint64(gm.lowSize) {
		return nil, ErrOutOfBounds
	}

	return gm.host[off : off+length], nil
}

// ReadBytes copies len(buf) bytes starting at gpa into buf.
func (gm *GuestMemory) ReadBytes(gpa uint64, buf []byte) error {
	src, err := gm.Translate(gpa, len(buf))
	if err != nil {
		return err
	}

	copy(buf, src)

	return nil
}

// WriteBytes copies buf into guest memory starting at gpa.
func (gm *GuestMemory) WriteBytes(gpa uint64, buf []byte) error {
	dst, err := gm.Translate(gpa, len(buf))
	if err != nil {
		return err
	}

	copy(dst, buf)

	return nil
}

// HostBase returns the host virtual address of the start of the
// allocation, for handing to the hypervisor ABI's MapMemory.
func (gm *GuestMemory) HostBase() uintptr {
	if len(gm.host) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&gm.host[0]))
}
