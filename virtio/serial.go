package virtio

import (
	"fmt"
	"sync"

	"github.com/nkyriazis/gokvm-mmio/virtqueue"
)

// SerialDeviceID is the virtio subsystem device id for a console/serial
// port device.
const SerialDeviceID = 3

const (
	serialQueueRX = 0 // guest-to-host: driver posts data the port consumer reads
	serialQueueTX = 1 // host-to-guest: SendVDAgentFrame posts data the driver reads
)

// PortConsumer receives bytes the guest writes to a virtio-serial port.
// vdagent.Handler implements this over its reassembled chunk stream.
type PortConsumer interface {
	OnDataReceived(data []byte) error
}

// Serial is a single-port virtio-mmio console/serial device. It implements
// virtiomm.Device. Unlike Blk/Net it carries no IO thread of its own: RX
// delivery happens synchronously from OnNotify, and TX delivery happens
// synchronously from SendVDAgentFrame, both on the vCPU goroutine that
// triggered them, since a vdagent chunk reassembly is cheap enough not to
// need the Blk/Net style background drain.
type Serial struct {
	mu  sync.Mutex
	mem virtqueue.Translator
	irq Notifier

	queues [2]*virtqueue.Queue

	consumer PortConsumer
}

// NewSerial creates a virtio-serial device with no port consumer attached
// yet; call AttachConsumer once the owning vdagent.Handler exists (it
// needs the device itself as its Sender, a circular dependency resolved by
// constructing the device first).
func NewSerial(mem virtqueue.Translator) *Serial {
	return &Serial{mem: mem}
}

// AttachConsumer wires the single port this device exposes to consumer.
// gokvm-mmio's virtio-serial model carries exactly one port, matching
// spec.md's single VDAgentHandler attachment on port 1.
func (v *Serial) AttachConsumer(consumer PortConsumer) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.consumer = consumer
}

// SetNotifier wires the transport that owns this device, the same
// contract Blk.SetNotifier and Net.SetNotifier follow.
func (v *Serial) SetNotifier(n Notifier) { v.irq = n }

func (v *Serial) DeviceID() uint32       { return SerialDeviceID }
func (v *Serial) Features() uint64       { return 0 }
func (v *Serial) QueueCount() int        { return 2 }
func (v *Serial) QueueNumMax(int) uint32 { return 256 }

func (v *Serial) OnFeaturesNegotiated(uint64) {}

func (v *Serial) OnQueueReady(q int, queue *virtqueue.Queue) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if q < 0 || q > 1 {
		return
	}

	v.queues[q] = queue
}

// OnNotify drains newly available RX buffers (data the guest wrote to the
// port) and hands each one to the attached consumer in order.
func (v *Serial) OnNotify(q int) {
	if q != serialQueueRX {
		return
	}

	for v.drainRX() {
	}
}

func (v *Serial) drainRX() bool {
	v.mu.Lock()
	q := v.queues[serialQueueRX]
	consumer := v.consumer
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

	var data []byte

	for _, d := range chain {
		b, err := virtqueue.Bytes(v.mem, d)
		if err != nil {
			return false
		}

		data = append(data, b...)
	}

	if consumer != nil {
		if err := consumer.OnDataReceived(data); err != nil {
			fmt.Printf("virtio-serial: port data drop: %v\r\n", err)
		}
	}

	if _, err := q.PushUsed(v.mem, head, uint32(len(data))); err != nil {
		return false
	}

	if v.irq != nil {
		v.irq.RaiseUsedBufferInterrupt()
	}

	return true
}

// SendVDAgentFrame implements vdagent.Sender by placing data into the next
// buffer the driver has posted on the TX queue. port is unused: this
// device carries exactly one port, matching AttachConsumer.
func (v *Serial) SendVDAgentFrame(port uint32, data []byte) error {
	v.mu.Lock()
	q := v.queues[serialQueueTX]
	v.mu.Unlock()

	if q == nil {
		return fmt.Errorf("virtio-serial: tx queue not ready")
	}

	has, err := q.HasAvail(v.mem)
	if err != nil {
		return err
	}

	if !has {
		return fmt.Errorf("virtio-serial: %w", ErrNoBuffer)
	}

	head, chain, err := q.PopChain(v.mem)
	if err != nil || len(chain) == 0 {
		return fmt.Errorf("virtio-serial: tx chain: %w", err)
	}

	written := 0
	remaining := data

	for _, d := range chain {
		if len(remaining) == 0 {
			break
		}

		b, err := virtqueue.Bytes(v.mem, d)
		if err != nil {
			return err
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

// ReadConfig implements virtiomm.Device. Single-port mode exposes no
// config fields.
func (v *Serial) ReadConfig(offset uint64, size int, value *uint64) { *value = 0 }

func (v *Serial) WriteConfig(uint64, int, uint64) {}
