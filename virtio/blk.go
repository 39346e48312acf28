package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
	"github.com/nkyriazis/gokvm-mmio/virtqueue"
)

// BlkDeviceID is the virtio subsystem device id for a block device.
const BlkDeviceID = 2

const (
	blkSectorSize  = 512
	blkConfigBytes = 8 // capacity, a little-endian 64-bit sector count

	blkReqIn  = 0
	blkReqOut = 1

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2
)

// Notifier is how a virtio-mmio device tells its transport that a used
// buffer is ready, without importing virtiomm itself: virtiomm.Transport
// satisfies this by way of its own RaiseUsedBufferInterrupt method.
type Notifier interface {
	RaiseUsedBufferInterrupt()
}

// Blk is a virtio-mmio block device backed by a disk image file. It
// implements virtiomm.Device.
type Blk struct {
	mu       sync.Mutex
	file     *os.File
	capacity uint64 // sectors

	mem   virtqueue.Translator
	queue *virtqueue.Queue
	irq   Notifier

	kick chan struct{}
	done chan struct{}
}

// NewBlk opens path as the disk image backing the block device. mem
// resolves guest addresses inside descriptor chains; it's normally the
// same memory.GuestMemory the device's virtiomm.Transport was built with.
func NewBlk(path string, mem virtqueue.Translator) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open disk image: %w", ioerr.ErrInvalidSpec, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: stat disk image: %w", ioerr.ErrInvalidSpec, err)
	}

	return &Blk{
		file:     f,
		capacity: uint64(info.Size()) / blkSectorSize,
		mem:      mem,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// SetNotifier wires the transport that owns this device. Must be called
// once, after virtiomm.New(blk, ...) returns, before any guest notify can
// arrive.
func (v *Blk) SetNotifier(n Notifier) { v.irq = n }

func (v *Blk) DeviceID() uint32       { return BlkDeviceID }
func (v *Blk) Features() uint64       { return 0 }
func (v *Blk) QueueCount() int        { return 1 }
func (v *Blk) QueueNumMax(int) uint32 { return 256 }

func (v *Blk) OnFeaturesNegotiated(uint64) {}

func (v *Blk) OnQueueReady(_ int, queue *virtqueue.Queue) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.queue = queue
}

// OnNotify wakes IOThreadEntry; the actual descriptor-chain work happens
// off the calling vCPU thread.
func (v *Blk) OnNotify(int) {
	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// IOThreadEntry drains kicks and services the queue until Close stops it.
func (v *Blk) IOThreadEntry() {
	for {
		select {
		case <-v.kick:
			for v.serviceOne() {
			}
		case <-v.done:
			return
		}
	}
}

// serviceOne processes one available descriptor chain and reports
// whether there was one to process.
func (v *Blk) serviceOne() bool {
	v.mu.Lock()
	q := v.queue
	v.mu.Unlock()

	if q == nil {
		return false
	}

	has, err := q.HasAvail(v.mem)
	if err != nil || !has {
		return false
	}

	head, chain, err := q.PopChain(v.mem)
	if err != nil || len(chain) < 3 {
		return false
	}

	if err := v.handleChain(chain); err != nil {
		fmt.Printf("virtio-blk: request failed: %v\r\n", err)
	}

	totalLen := chain[len(chain)-1].Len

	if _, err := q.PushUsed(v.mem, head, totalLen); err != nil {
		return false
	}

	if v.irq != nil {
		v.irq.RaiseUsedBufferInterrupt()
	}

	return true
}

// handleChain expects the virtio-blk request layout: desc[0] is the
// request header (type, reserved, sector), desc[1] the data buffer,
// desc[last] the one-byte device-writable status.
func (v *Blk) handleChain(chain []virtqueue.Desc) error {
	hdr, err := virtqueue.Bytes(v.mem, chain[0])
	if err != nil || len(hdr) < 16 {
		return fmt.Errorf("%w: malformed request header", ioerr.ErrGuestIO)
	}

	reqType := binary.LittleEndian.Uint32(hdr[0:4])
	sector := binary.LittleEndian.Uint64(hdr[8:16])

	data, err := virtqueue.Bytes(v.mem, chain[1])
	if err != nil {
		return err
	}

	status, err := virtqueue.Bytes(v.mem, chain[len(chain)-1])
	if err != nil || len(status) < 1 {
		return fmt.Errorf("%w: malformed status descriptor", ioerr.ErrGuestIO)
	}

	status[0] = blkStatusOK
	offset := int64(sector) * blkSectorSize

	switch {
	case reqType != blkReqIn && reqType != blkReqOut:
		status[0] = blkStatusUnsupp
	case len(data)%blkSectorSize != 0:
		status[0] = blkStatusIOErr
	case reqType == blkReqIn:
		if _, err := v.file.ReadAt(data, offset); err != nil && err != io.EOF {
			status[0] = blkStatusIOErr
		}
	case reqType == blkReqOut:
		if _, err := v.file.WriteAt(data, offset); err != nil {
			status[0] = blkStatusIOErr
		}
	}

	return nil
}

// ReadConfig implements virtiomm.Device. The only config field is the
// 64-bit sector capacity at offset 0, read out byte by byte so 1/2/4/8
// byte accesses at any offset inside the field all work.
func (v *Blk) ReadConfig(offset uint64, size int, value *uint64) {
	var buf [blkConfigBytes]byte

	binary.LittleEndian.PutUint64(buf[:], v.capacity)

	*value = 0

	for i := 0; i < size && offset+uint64(i) < blkConfigBytes; i++ {
		*value |= uint64(buf[offset+uint64(i)]) << (8 * i)
	}
}

func (v *Blk) WriteConfig(uint64, int, uint64) {}

// Close stops the IO thread and closes the backing file. Safe to call
// more than once; the file's own second-close error surfaces to the caller.
func (v *Blk) Close() error {
	select {
	case <-v.done:
	default:
		close(v.done)
	}

	return v.file.Close()
}
