package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkyriazis/gokvm-mmio/tap"
	"github.com/nkyriazis/gokvm-mmio/virtqueue"
)

// NetDeviceID is the virtio subsystem device id for a network device.
const NetDeviceID = 1

const (
	netQueueRX = 0
	netQueueTX = 1

	netConfigBytes = 8 // 6 bytes MAC + 2 bytes status

	netStatusLinkUp = 1

	netHdrLen = 12 // virtio_net_hdr, no mergeable-buffers extension

	netPollInterval = 2 * time.Millisecond
)

// ErrNoBuffer means the RX side has a frame from the tap but the driver
// hasn't published any buffer to put it in; the frame is dropped.
var ErrNoBuffer = errors.New("virtio-net: no rx buffer available")

// Net is a virtio-mmio network device bridging a guest's RX/TX queues to a
// host tap interface. It implements virtiomm.Device.
type Net struct {
	mu  sync.Mutex
	mac [6]byte
	tap *tap.Tap
	mem virtqueue.Translator
	irq Notifier

	queues [2]*virtqueue.Queue

	kickTX chan struct{}
	done   chan struct{}

	linkUp atomic.Bool
}

// NewNet wires a virtio-net device to an already-open tap interface. The
// link starts up, matching a real NIC plugged in at boot.
func NewNet(t *tap.Tap, mac [6]byte, mem virtqueue.Translator) *Net {
	n := &Net{
		mac:    mac,
		tap:    t,
		mem:    mem,
		kickTX: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	n.linkUp.Store(true)

	return n
}

// SetLinkUp toggles the link-status bit a guest driver reads from its
// config space, used by runtime.update_network to simulate unplugging the
// host side of the link without tearing down the device.
func (v *Net) SetLinkUp(up bool) {
	v.linkUp.Store(up)
}

// SetNotifier wires the transport that owns this device, the same
// contract Blk.SetNotifier follows.
func (v *Net) SetNotifier(n Notifier) { v.irq = n }

func (v *Net) DeviceID() uint32       { return NetDeviceID }
func (v *Net) Features() uint64       { return 0 }
func (v *Net) QueueCount() int        { return 2 }
func (v *Net) QueueNumMax(int) uint32 { return 256 }

func (v *Net) OnFeaturesNegotiated(uint64) {}

func (v *Net) OnQueueReady(q int, queue *virtqueue.Queue) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if q < 0 || q > 1 {
		return
	}

	v.queues[q] = queue
}

// OnNotify wakes the TX drain for the TX queue; RX delivery is driven by
// RXThreadEntry polling the tap device instead, since nothing notifies
// the device when the driver has merely posted fresh RX buffers.
func (v *Net) OnNotify(q int) {
	if q != netQueueTX {
		return
	}

	select {
	case v.kickTX <- struct{}{}:
	default:
	}
}

// TXThreadEntry drains guest-to-host frames until Close stops it.
func (v *Net) TXThreadEntry() {
	for {
		select {
		case <-v.kickTX:
			for v.drainTX() {
			}
		case <-v.done:
			return
		}
	}
}

// RXThreadEntry polls the tap device for host-to-guest frames and
// delivers each into the next RX buffer the driver has posted.
func (v *Net) RXThreadEntry() {
	ticker := time.NewTicker(netPollInterval)
	defer ticker.Stop()

	buf := make([]byte, 65536)

	for {
		select {
		case <-v.done:
			return
		case <-ticker.C:
			n, err := v.tap.Read(buf)
			if err != nil {
				continue
			}

			if err := v.deliverRX(buf[:n]); err != nil {
				fmt.Printf("virtio-net: rx drop: %v\r\n", err)
			}
		}
	}
}

func (v *Net) drainTX() bool {
	v.mu.Lock()
	q := v.queues[netQueueTX]
	v.mu.Unlock()

	if q == nil {
		return false
	}

	has, err := q.HasAvail(v.mem)
	if err != nil || !has {
		return false
	}

	head, chain, err := q.PopChain(v.mem)
	if err != nil || len(chain) == 0 {
		return false
	}

	var frame []byte

	for i, d := range chain {
		b, err := virtqueue.Bytes(v.mem, d)
		if err != nil {
			return false
		}

		if i == 0 {
			if len(b) < netHdrLen {
				continue
			}

			b = b[netHdrLen:]
		}

		frame = append(frame, b...)
	}

	if len(frame) > 0 {
		if _, err := v.tap.Write(frame); err != nil {
			fmt.Printf("virtio-net: tx drop: %v\r\n", err)
		}
	}

	if _, err := q.PushUsed(v.mem, head, uint32(len(frame))); err != nil {
		return false
	}

	if v.irq != nil {
		v.irq.RaiseUsedBufferInterrupt()
	}

	return true
}

func (v *Net) deliverRX(frame []byte) error {
	v.mu.Lock()
	q := v.queues[netQueueRX]
	v.mu.Unlock()

	if q == nil {
		return ErrNoBuffer
	}

	has, err := q.HasAvail(v.mem)
	if err != nil {
		return err
	}

	if !has {
		return ErrNoBuffer
	}

	head, chain, err := q.PopChain(v.mem)
	if err != nil || len(chain) == 0 {
		return fmt.Errorf("virtio-net: rx chain: %w", err)
	}

	hdr, err := virtqueue.Bytes(v.mem, chain[0])
	if err != nil || len(hdr) < netHdrLen {
		return fmt.Errorf("virtio-net: rx header too small")
	}

	for i := range hdr[:netHdrLen] {
		hdr[i] = 0
	}

	written := netHdrLen
	remaining := frame

	for i, d := range chain {
		if len(remaining) == 0 {
			break
		}

		b, err := virtqueue.Bytes(v.mem, d)
		if err != nil {
			return err
		}

		if i == 0 {
			if len(b) <= netHdrLen {
				continue
			}

			b = b[netHdrLen:]
		}

		n := len(remaining)
		if n > len(b) {
			n = len(b)
		}

		copy(b, remaining[:n])
		remaining = remaining[n:]
		written += n
	}

	if _, err := q.PushUsed(v.mem, head, uint32(written)); err != nil {
		return err
	}

	if v.irq != nil {
		v.irq.RaiseUsedBufferInterrupt()
	}

	return nil
}

// ReadConfig implements virtiomm.Device: offsets 0-5 are the MAC address,
// offset 6 the 16-bit link status.
func (v *Net) ReadConfig(offset uint64, size int, value *uint64) {
	var buf [netConfigBytes]byte

	copy(buf[:6], v.mac[:])

	if v.linkUp.Load() {
		binary.LittleEndian.PutUint16(buf[6:], netStatusLinkUp)
	}

	*value = 0

	for i := 0; i < size && offset+uint64(i) < netConfigBytes; i++ {
		*value |= uint64(buf[offset+uint64(i)]) << (8 * i)
	}
}

func (v *Net) WriteConfig(uint64, int, uint64) {}

// Close stops both worker threads. Safe to call more than once.
func (v *Net) Close() {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
}
