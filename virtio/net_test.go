package virtio_test

import (
	"encoding/binary"
	"os/exec"
	"testing"
	"time"

	"github.com/nkyriazis/gokvm-mmio/tap"
	"github.com/nkyriazis/gokvm-mmio/virtio"
)

func TestNetDeviceIdentity(t *testing.T) {
	t.Parallel()

	v := virtio.NewNet(nil, [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, &fakeMem{buf: make([]byte, 1)})

	if v.DeviceID() != virtio.NetDeviceID {
		t.Fatalf("device id = %d, want %d", v.DeviceID(), virtio.NetDeviceID)
	}

	if v.QueueCount() != 2 {
		t.Fatalf("queue count = %d, want 2", v.QueueCount())
	}
}

func TestNetReadConfigReportsMACAndLinkStatus(t *testing.T) {
	t.Parallel()

	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	v := virtio.NewNet(nil, mac, &fakeMem{buf: make([]byte, 1)})

	var b0 uint64
	v.ReadConfig(0, 1, &b0)
	if byte(b0) != mac[0] {
		t.Fatalf("mac[0] = %#x, want %#x", byte(b0), mac[0])
	}

	var status uint64
	v.ReadConfig(6, 2, &status)
	if status != 1 {
		t.Fatalf("link status = %d, want 1", status)
	}
}

func TestNetSetLinkUpClearsStatusBit(t *testing.T) {
	t.Parallel()

	v := virtio.NewNet(nil, [6]byte{}, &fakeMem{buf: make([]byte, 1)})

	v.SetLinkUp(false)

	var status uint64
	v.ReadConfig(6, 2, &status)
	if status != 0 {
		t.Fatalf("link status = %d, want 0 after SetLinkUp(false)", status)
	}

	v.SetLinkUp(true)
	v.ReadConfig(6, 2, &status)
	if status != 1 {
		t.Fatalf("link status = %d, want 1 after SetLinkUp(true)", status)
	}
}

func newTestTap(t *testing.T, name string) *tap.Tap {
	t.Helper()

	tp, err := tap.New(name)
	if err != nil {
		t.Skipf("tap unavailable in this environment: %v", err)
	}

	if err := exec.Command("ip", "link", "set", name, "up").Run(); err != nil {
		tp.Close()
		t.Skipf("cannot bring up tap device: %v", err)
	}

	t.Cleanup(func() { tp.Close() })

	return tp
}

func TestNetTXDeliversFrameToTap(t *testing.T) { // nolint:paralleltest
	tp := newTestTap(t, "test_net_tx")

	mem := &fakeMem{buf: make([]byte, 0x10000)}
	v := virtio.NewNet(tp, [6]byte{}, mem)
	v.SetNotifier(&fakeNotifier{})
	v.OnQueueReady(1, buildQueue(mem))

	frame := make([]byte, 12+14) // virtio_net_hdr + minimal ethernet header
	for i := 12; i < len(frame); i++ {
		frame[i] = byte(i)
	}

	copy(mem.buf[hdrBase:], frame)
	writeBlkDesc(mem, 0, hdrBase, uint32(len(frame)), 0, 0)
	setAvailEntry(mem, 0, 0)
	setAvailIdx(mem, 1)

	go v.TXThreadEntry()
	defer v.Close()

	v.OnNotify(1)

	deadline := time.After(2 * time.Second)
	for {
		usedIdx := binary.LittleEndian.Uint16(mem.buf[usedBase+2:])
		if usedIdx == 1 {
			break
		}

		select {
		case <-deadline:
			t.Fatal("tx never drained")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestNetCloseStopsWorkers(t *testing.T) {
	t.Parallel()

	mem := &fakeMem{buf: make([]byte, 1)}
	v := virtio.NewNet(nil, [6]byte{}, mem)

	done := make(chan struct{})

	go func() {
		v.RXThreadEntry()
		close(done)
	}()

	v.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RXThreadEntry did not exit after Close")
	}
}
