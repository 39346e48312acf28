package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

// Direction is the access direction of a PIO/MMIO dispatch.
type Direction int

const (
	In Direction = iota
	Out
)

// PioDevice handles port I/O. Offset is relative to the device's registered
// base, exactly as PciDevice.IOInHandler/IOOutHandler do in the teacher.
type PioDevice interface {
	PioRead(offset uint16, size int, value *uint32) error
	PioWrite(offset uint16, size int, value uint32) error
}

// MmioDevice handles memory-mapped I/O, offset relative to the registered base.
type MmioDevice interface {
	MmioRead(offset uint64, size int, value *uint64) error
	MmioWrite(offset uint64, size int, value uint64) error
}

type pioRange struct {
	lo, hi uint16 // [lo, hi)
	dev    PioDevice
}

type mmioRange struct {
	lo, hi uint64 // [lo, hi)
	dev    MmioDevice
}

// AddressSpace routes guest PIO and MMIO accesses to registered device
// handlers by half-open range. Registration is O(n) and checked for overlap;
// dispatch is O(log n) via binary search over the sorted range slices.
type AddressSpace struct {
	mu     sync.RWMutex
	pio    []pioRange
	mmio   []mmioRange
	strict bool
}

// NewAddressSpace constructs an empty AddressSpace. In strict mode, accesses
// that hit no registered range return ErrBus instead of the
// Linux-boot-tolerant silent defaults (0 on read, dropped write).
func NewAddressSpace(strict bool) *AddressSpace {
	return &AddressSpace{strict: strict}
}

// RegisterPIO attaches dev to the port range [port, port+length). It is a
// construction-time error for the range to overlap any existing registration.
func (a *AddressSpace) RegisterPIO(port uint16, length uint16, dev PioDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	hi := uint32(port) + uint32(length)
	if hi > 0x10000 {
		return fmt.Errorf("%w: pio range [%#x,%#x) exceeds port space", ioerr.ErrInvalidSpec, port, hi)
	}

	nr := pioRange{lo: port, hi: uint16(hi), dev: dev}

	for _, r := range a.pio {
		if rangesOverlap(uint64(nr.lo), uint64(nr.hi), uint64(r.lo), uint64(r.hi)) {
			return fmt.Errorf("%w: pio range [%#x,%#x) overlaps [%#x,%#x)", ioerr.ErrInvalidSpec, nr.lo, nr.hi, r.lo, r.hi)
		}
	}

	a.pio = append(a.pio, nr)
	sort.Slice(a.pio, func(i, j int) bool { return a.pio[i].lo < a.pio[j].lo })

	return nil
}

// RegisterMMIO attaches dev to the GPA range [gpa, gpa+length).
func (a *AddressSpace) RegisterMMIO(gpa uint64, length uint64, dev MmioDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nr := mmioRange{lo: gpa, hi: gpa + length, dev: dev}

	for _, r := range a.mmio {
		if rangesOverlap(nr.lo, nr.hi, r.lo, r.hi) {
			return fmt.Errorf("%w: mmio range [%#x,%#x) overlaps [%#x,%#x)", ioerr.ErrInvalidSpec, nr.lo, nr.hi, r.lo, r.hi)
		}
	}

	a.mmio = append(a.mmio, nr)
	sort.Slice(a.mmio, func(i, j int) bool { return a.mmio[i].lo < a.mmio[j].lo })

	return nil
}

func rangesOverlap(aLo, aHi, bLo, bHi uint64) bool {
	return aLo < bHi && bLo < aHi
}

// Handled reports whether a dispatch reached a registered device.
type Handled bool

const (
	WasHandled   Handled = true
	WasUnhandled Handled = false
)

// DispatchPIO routes a port access of the given size (1, 2, or 4 bytes) to
// whichever device was registered over port, if any. On In, *value receives
// the device's result; on Out, *value is passed through unmodified.
// Unhandled reads return 0 and leave *value untouched for writes, matching
// Linux-boot tolerance, unless the address space was constructed in strict
// mode, in which case ErrBus is returned.
func (a *AddressSpace) DispatchPIO(port uint16, size int, dir Direction, value *uint32) (Handled, error) {
	a.mu.RLock()
	dev, base, ok := findPIO(a.pio, port)
	a.mu.RUnlock()

	if !ok {
		if dir == In {
			*value = 0
		}

		if a.strict {
			return WasUnhandled, fmt.Errorf("%w: pio port %#x", ioerr.ErrBus, port)
		}

		return WasUnhandled, nil
	}

	offset := port - base

	var err error
	if dir == In {
		err = dev.PioRead(offset, size, value)
	} else {
		err = dev.PioWrite(offset, size, *value)
	}

	return WasHandled, err
}

// DispatchMMIO routes an MMIO access of the given size (1, 2, 4, or 8 bytes).
func (a *AddressSpace) DispatchMMIO(gpa uint64, size int, dir Direction, value *uint64) (Handled, error) {
	a.mu.RLock()
	dev, base, ok := findMMIO(a.mmio, gpa)
	a.mu.RUnlock()

	if !ok {
		if dir == In {
			*value = 0
		}

		if a.strict {
			return WasUnhandled, fmt.Errorf("%w: mmio gpa %#x", ioerr.ErrBus, gpa)
		}

		return WasUnhandled, nil
	}

	offset := gpa - base

	var err error
	if dir == In {
		err = dev.MmioRead(offset, size, value)
	} else {
		err = dev.MmioWrite(offset, size, *value)
	}

	return WasHandled, err
}

func findPIO(ranges []pioRange, port uint16) (PioDevice, uint16, bool) {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].hi > port })
	if i < len(ranges) && ranges[i].lo <= port && port < ranges[i].hi {
		return ranges[i].dev, ranges[i].lo, true
	}

	return nil, 0, false
}

func findMMIO(ranges []mmioRange, gpa uint64) (MmioDevice, uint64, bool) {
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i].hi > gpa })
	if i < len(ranges) && ranges[i].lo <= gpa && gpa < ranges[i].hi {
		return ranges[i].dev, ranges[i].lo, true
	}

	return nil, 0, false
}
