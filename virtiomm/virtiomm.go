// Package virtiomm implements the virtio-mmio v2 transport: the fixed
// register window a guest driver probes and programs to negotiate features,
// size and place a virtqueue, and exchange notifications and interrupts
// with a device model.
package virtiomm

import (
	"fmt"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
	"github.com/nkyriazis/gokvm-mmio/virtqueue"
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2

	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regDeviceConfigStart = 0x100

	// IntStatusUsedBuffer is set in regInterruptStatus when the device has
	// used at least one buffer since the last ack.
	IntStatusUsedBuffer = 1 << 0
	// IntStatusConfigChange is set when the device's config space changed.
	IntStatusConfigChange = 1 << 1

	// VendorID is an arbitrary PCI-SIG-style vendor id; guests don't act on it.
	VendorID = 0x1af4 // re-use the canonical virtio vendor id

	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusFailed      = 128
)

// Device is the device-model side of the transport: the things a concrete
// virtio device (blk, net, ...) must supply.
type Device interface {
	// DeviceID is the virtio subsystem device id (2 for block, 1 for net).
	DeviceID() uint32

	// Features returns the device's full feature bitmap.
	Features() uint64

	// QueueCount is the number of virtqueues this device exposes.
	QueueCount() int

	// QueueNumMax is the maximum size of queue index q.
	QueueNumMax(q int) uint32

	// OnFeaturesNegotiated is called once FEATURES_OK is set, with the
	// subset of Features() the driver accepted.
	OnFeaturesNegotiated(negotiated uint64)

	// OnQueueReady is called when queue q's ring addresses are final.
	OnQueueReady(q int, queue *virtqueue.Queue)

	// OnNotify is called when the driver writes to regQueueNotify for
	// queue q: the device should process newly available descriptors now.
	OnNotify(q int)

	// ReadConfig/WriteConfig access the device-specific config space
	// starting at regDeviceConfigStart.
	ReadConfig(offset uint64, size int, value *uint64)
	WriteConfig(offset uint64, size int, value uint64)
}

// InterruptLine is how the transport tells the platform's interrupt fabric
// to assert the device's wire, analogous to kvm.IRQLine.
type InterruptLine interface {
	Raise()
}

// Transport is one virtio-mmio device's register file, implementing
// memory.MmioDevice so it can be registered directly on an AddressSpace.
type Transport struct {
	dev    Device
	irq    InterruptLine
	queues []*virtqueue.Queue
	mem    virtqueue.Translator

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    [2]uint32

	queueSel uint32
	queueNum []uint32
	descLow  []uint32
	descHigh []uint32
	drvLow   []uint32
	drvHigh  []uint32
	devLow   []uint32
	devHigh  []uint32
	ready    []bool

	status           uint32
	interruptStatus  uint32
}

// New returns a transport fronting dev, with queue count taken from
// dev.QueueCount(). mem is used to translate guest addresses into
// virtqueue.Queue instances once a queue becomes ready.
func New(dev Device, irq InterruptLine, mem virtqueue.Translator) *Transport {
	n := dev.QueueCount()

	return &Transport{
		dev:      dev,
		irq:      irq,
		mem:      mem,
		queues:   make([]*virtqueue.Queue, n),
		queueNum: make([]uint32, n),
		descLow:  make([]uint32, n),
		descHigh: make([]uint32, n),
		drvLow:   make([]uint32, n),
		drvHigh:  make([]uint32, n),
		devLow:   make([]uint32, n),
		devHigh:  make([]uint32, n),
		ready:    make([]bool, n),
	}
}

// Queue returns the live queue for index q, or nil if it isn't ready yet.
func (t *Transport) Queue(q int) *virtqueue.Queue {
	if q < 0 || q >= len(t.queues) {
		return nil
	}

	return t.queues[q]
}

// RaiseUsedBufferInterrupt sets the used-buffer status bit and asserts the
// device's interrupt line. Call after PushUsed-ing at least one descriptor.
func (t *Transport) RaiseUsedBufferInterrupt() {
	t.interruptStatus |= IntStatusUsedBuffer

	if t.irq != nil {
		t.irq.Raise()
	}
}

// MmioRead implements memory.MmioDevice.
func (t *Transport) MmioRead(offset uint64, size int, value *uint64) error {
	switch offset {
	case regMagicValue:
		*value = MagicValue
	case regVersion:
		*value = Version
	case regDeviceID:
		*value = uint64(t.dev.DeviceID())
	case regVendorID:
		*value = VendorID
	case regDeviceFeatures:
		features := t.dev.Features()
		if t.deviceFeaturesSel == 0 {
			*value = features & 0xFFFFFFFF
		} else {
			*value = features >> 32
		}
	case regQueueNumMax:
		*value = uint64(t.dev.QueueNumMax(int(t.queueSel)))
	case regQueueReady:
		*value = boolToU64(t.queueReady(t.queueSel))
	case regInterruptStatus:
		*value = uint64(t.interruptStatus)
	case regStatus:
		*value = uint64(t.status)
	case regConfigGeneration:
		*value = 0
	default:
		if offset >= regDeviceConfigStart {
			t.dev.ReadConfig(offset-regDeviceConfigStart, size, value)
		} else {
			*value = 0
		}
	}

	return nil
}

// MmioWrite implements memory.MmioDevice.
func (t *Transport) MmioWrite(offset uint64, size int, value uint64) error {
	switch offset {
	case regDeviceFeaturesSel:
		t.deviceFeaturesSel = uint32(value)
	case regDriverFeatures:
		t.driverFeatures[t.driverFeaturesSel&1] = uint32(value)
	case regDriverFeaturesSel:
		t.driverFeaturesSel = uint32(value)
	case regQueueSel:
		t.queueSel = uint32(value)
	case regQueueNum:
		t.setQueueField(&t.queueNum, uint32(value))
	case regQueueReady:
		t.setQueueReady(value != 0)
	case regQueueNotify:
		t.notify(uint32(value))
	case regInterruptAck:
		t.interruptStatus &^= uint32(value)
	case regStatus:
		t.writeStatus(uint32(value))
	case regQueueDescLow:
		t.setQueueField(&t.descLow, uint32(value))
	case regQueueDescHigh:
		t.setQueueField(&t.descHigh, uint32(value))
	case regQueueDriverLow:
		t.setQueueField(&t.drvLow, uint32(value))
	case regQueueDriverHigh:
		t.setQueueField(&t.drvHigh, uint32(value))
	case regQueueDeviceLow:
		t.setQueueField(&t.devLow, uint32(value))
	case regQueueDeviceHigh:
		t.setQueueField(&t.devHigh, uint32(value))
	default:
		if offset >= regDeviceConfigStart {
			t.dev.WriteConfig(offset-regDeviceConfigStart, size, value)
		}
	}

	return nil
}

func (t *Transport) setQueueField(field *[]uint32, value uint32) {
	if int(t.queueSel) >= len(*field) {
		return
	}

	(*field)[t.queueSel] = value
}

func (t *Transport) queueReady(q uint32) bool {
	if int(q) >= len(t.ready) {
		return false
	}

	return t.ready[q]
}

func (t *Transport) setQueueReady(on bool) {
	q := int(t.queueSel)
	if q >= len(t.ready) {
		return
	}

	t.ready[q] = on

	if !on {
		t.queues[q] = nil
		return
	}

	descAddr := uint64(t.descHigh[q])<<32 | uint64(t.descLow[q])
	availAddr := uint64(t.drvHigh[q])<<32 | uint64(t.drvLow[q])
	usedAddr := uint64(t.devHigh[q])<<32 | uint64(t.devLow[q])

	queue := virtqueue.NewQueue(t.queueNum[q], descAddr, availAddr, usedAddr)
	t.queues[q] = queue
	t.dev.OnQueueReady(q, queue)
}

func (t *Transport) notify(q uint32) {
	if int(q) >= len(t.queues) || t.queues[q] == nil {
		return
	}

	t.dev.OnNotify(int(q))
}

func (t *Transport) writeStatus(value uint32) {
	if value == 0 {
		t.reset()
		return
	}

	wasFeaturesOK := t.status&statusFeaturesOK != 0

	t.status = value

	if !wasFeaturesOK && value&statusFeaturesOK != 0 {
		negotiated := uint64(t.driverFeatures[1])<<32 | uint64(t.driverFeatures[0])
		t.dev.OnFeaturesNegotiated(negotiated)
	}
}

func (t *Transport) reset() {
	t.status = 0
	t.interruptStatus = 0
	t.queueSel = 0

	for i := range t.queues {
		t.queues[i] = nil
		t.ready[i] = false
		t.queueNum[i] = 0
		t.descLow[i], t.descHigh[i] = 0, 0
		t.drvLow[i], t.drvHigh[i] = 0, 0
		t.devLow[i], t.devHigh[i] = 0, 0
	}
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

// ValidateQueueNum returns an error if num exceeds the device's advertised
// maximum for queue q, which callers should check before honoring a
// regQueueNum write if they want strict driver-misbehavior detection.
func ValidateQueueNum(dev Device, q int, num uint32) error {
	max := dev.QueueNumMax(q)
	if num > max {
		return fmt.Errorf("%w: queue %d size %d exceeds max %d", ioerr.ErrInvalidSpec, q, num, max)
	}

	return nil
}
