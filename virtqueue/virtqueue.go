// Package virtqueue implements the virtio split-ring queue layout shared by
// every virtio-mmio device: a descriptor table, an available ring the
// driver writes, and a used ring the device writes.
package virtqueue

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

const (
	// DescSize is the size in bytes of one descriptor table entry.
	DescSize = 16

	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

// ErrChainTooLong guards against a driver-supplied descriptor chain that
// cycles back on itself instead of terminating, which would otherwise spin
// the device thread forever.
var ErrChainTooLong = errors.New("virtqueue: descriptor chain exceeds queue size")

// Desc is one descriptor table entry, decoded from guest memory.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Desc) hasNext() bool  { return d.Flags&descFNext != 0 }
func (d Desc) writable() bool { return d.Flags&descFWrite != 0 }

// Translator resolves a guest physical address range to host memory, the
// same contract memory.GuestMemory.Translate exposes.
type Translator interface {
	Translate(gpa uint64, length int) ([]byte, error)
}

// Queue is one split virtqueue: its three guest-memory tables plus the
// device-side cursor into the available ring.
type Queue struct {
	Size       uint32
	DescTable  uint64
	AvailRing  uint64
	UsedRing   uint64
	lastAvail  uint16
}

// NewQueue returns a queue of the given size with its ring addresses set.
// Size must already be validated against the device's queue_num_max.
func NewQueue(size uint32, descTable, availRing, usedRing uint64) *Queue {
	return &Queue{
		Size:      size,
		DescTable: descTable,
		AvailRing: availRing,
		UsedRing:  usedRing,
	}
}

// HasAvail reports whether the driver has published a descriptor chain this
// device hasn't consumed yet, by comparing the avail ring's idx field
// against the queue's own cursor.
func (q *Queue) HasAvail(mem Translator) (bool, error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return false, err
	}

	return idx != q.lastAvail, nil
}

func (q *Queue) availIdx(mem Translator) (uint16, error) {
	buf, err := mem.Translate(q.AvailRing+2, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: avail ring idx: %w", ioerr.ErrGuestIO, err)
	}

	return binary.LittleEndian.Uint16(buf), nil
}

// PopChain consumes the next available descriptor chain and returns its
// descriptors in order, resolving indirect descriptor tables transparently.
// The head descriptor index (needed for PushUsed) is returned alongside.
func (q *Queue) PopChain(mem Translator) (head uint16, chain []Desc, err error) {
	ringOffset := uint64(4) + uint64(q.lastAvail%uint16(q.Size))*2

	buf, err := mem.Translate(q.AvailRing+ringOffset, 2)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: avail ring entry: %w", ioerr.ErrGuestIO, err)
	}

	head = binary.LittleEndian.Uint16(buf)
	q.lastAvail++

	chain, err = q.readChain(mem, head)

	return head, chain, err
}

func (q *Queue) readChain(mem Translator, head uint16) ([]Desc, error) {
	var chain []Desc

	idx := head

	for i := uint32(0); i < q.Size+1; i++ {
		d, err := q.readDesc(mem, idx)
		if err != nil {
			return nil, err
		}

		if d.Flags&descFIndirect != 0 {
			indirect, err := q.readIndirectChain(mem, d)
			if err != nil {
				return nil, err
			}

			chain = append(chain, indirect...)
		} else {
			chain = append(chain, d)
		}

		if !d.hasNext() {
			return chain, nil
		}

		idx = d.Next
	}

	return nil, fmt.Errorf("%w: head=%d", ErrChainTooLong, head)
}

func (q *Queue) readIndirectChain(mem Translator, table Desc) ([]Desc, error) {
	count := table.Len / DescSize

	var chain []Desc

	for i := uint32(0); i < count; i++ {
		buf, err := mem.Translate(table.Addr+uint64(i)*DescSize, DescSize)
		if err != nil {
			return nil, fmt.Errorf("%w: indirect descriptor %d: %w", ioerr.ErrGuestIO, i, err)
		}

		chain = append(chain, decodeDesc(buf))
	}

	return chain, nil
}

func (q *Queue) readDesc(mem Translator, idx uint16) (Desc, error) {
	buf, err := mem.Translate(q.DescTable+uint64(idx)*DescSize, DescSize)
	if err != nil {
		return Desc{}, fmt.Errorf("%w: descriptor %d: %w", ioerr.ErrGuestIO, idx, err)
	}

	return decodeDesc(buf), nil
}

func decodeDesc(buf []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}
}

// PushUsed appends an entry to the used ring for the chain headed at
// descIdx, advances the used ring's idx, and returns the new idx so the
// caller can decide whether to notify the driver.
func (q *Queue) PushUsed(mem Translator, descIdx uint16, totalLen uint32) (uint16, error) {
	usedIdxBuf, err := mem.Translate(q.UsedRing+2, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: used ring idx: %w", ioerr.ErrGuestIO, err)
	}

	usedIdx := binary.LittleEndian.Uint16(usedIdxBuf)

	entryOffset := uint64(4) + uint64(usedIdx%uint16(q.Size))*8

	entry, err := mem.Translate(q.UsedRing+entryOffset, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: used ring entry: %w", ioerr.ErrGuestIO, err)
	}

	binary.LittleEndian.PutUint32(entry[0:4], uint32(descIdx))
	binary.LittleEndian.PutUint32(entry[4:8], totalLen)

	usedIdx++
	binary.LittleEndian.PutUint16(usedIdxBuf, usedIdx)

	return usedIdx, nil
}

// Bytes resolves a descriptor's guest memory for reading or writing. It
// does not look at the descriptor's write flag; see Writable for that.
func Bytes(mem Translator, d Desc) ([]byte, error) {
	buf, err := mem.Translate(d.Addr, int(d.Len))
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor data: %w", ioerr.ErrGuestIO, err)
	}

	return buf, nil
}

// Writable reports whether the device may write into this descriptor.
func Writable(d Desc) bool { return d.writable() }
