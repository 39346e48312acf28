package virtio_test

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/nkyriazis/gokvm-mmio/virtio"
	"github.com/nkyriazis/gokvm-mmio/virtqueue"
)

type fakeMem struct {
	buf []byte
}

func (m *fakeMem) Translate(gpa uint64, length int) ([]byte, error) {
	return m.buf[gpa : gpa+uint64(length)], nil
}

type fakeNotifier struct{ raised int }

func (f *fakeNotifier) RaiseUsedBufferInterrupt() { f.raised++ }

const (
	descTableBase = 0x1000
	availBase     = 0x2000
	usedBase      = 0x3000
	hdrBase       = 0x4000
	dataBase      = 0x5000
	statusBase    = 0x6000
)

func buildQueue(mem *fakeMem) *virtqueue.Queue {
	return virtqueue.NewQueue(8, descTableBase, availBase, usedBase)
}

func writeBlkDesc(mem *fakeMem, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descTableBase + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], next)
}

func setAvailEntry(mem *fakeMem, ring uint16, headIdx uint16) {
	binary.LittleEndian.PutUint16(mem.buf[availBase+4+uint64(ring)*2:], headIdx)
}

func setAvailIdx(mem *fakeMem, idx uint16) {
	binary.LittleEndian.PutUint16(mem.buf[availBase+2:], idx)
}

func newBlkImage(t *testing.T, data []byte) string {
	t.Helper()

	f, err := os.CreateTemp("", "blk-image-*")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { os.Remove(f.Name()) })

	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}

	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	return f.Name()
}

func TestBlkCapacityFromFileSize(t *testing.T) {
	t.Parallel()

	path := newBlkImage(t, make([]byte, 4096))

	v, err := virtio.NewBlk(path, &fakeMem{buf: make([]byte, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	var capacity uint64
	v.ReadConfig(0, 8, &capacity)

	if capacity != 8 {
		t.Fatalf("capacity = %d, want 8", capacity)
	}
}

func TestBlkDeviceIdentity(t *testing.T) {
	t.Parallel()

	path := newBlkImage(t, make([]byte, 512))

	v, err := virtio.NewBlk(path, &fakeMem{buf: make([]byte, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	if v.DeviceID() != virtio.BlkDeviceID {
		t.Fatalf("device id = %d, want %d", v.DeviceID(), virtio.BlkDeviceID)
	}

	if v.QueueCount() != 1 {
		t.Fatalf("queue count = %d, want 1", v.QueueCount())
	}
}

func TestBlkReadRequestRoundTrip(t *testing.T) {
	t.Parallel()

	disk := make([]byte, 1024)
	for i := range disk {
		disk[i] = byte(i & 0xFF)
	}

	path := newBlkImage(t, disk)

	mem := &fakeMem{buf: make([]byte, 0x10000)}

	v, err := virtio.NewBlk(path, mem)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	notifier := &fakeNotifier{}
	v.SetNotifier(notifier)
	v.OnQueueReady(0, buildQueue(mem))

	// Request header: type=read(0), reserved, sector=0.
	binary.LittleEndian.PutUint32(mem.buf[hdrBase:], 0)
	binary.LittleEndian.PutUint64(mem.buf[hdrBase+8:], 0)

	writeBlkDesc(mem, 0, hdrBase, 16, 1 /*NEXT*/, 1)
	writeBlkDesc(mem, 1, dataBase, 512, 1|2 /*NEXT|WRITE*/, 2)
	writeBlkDesc(mem, 2, statusBase, 1, 2 /*WRITE*/, 0)

	mem.buf[statusBase] = 0xFF // poison

	setAvailEntry(mem, 0, 0)
	setAvailIdx(mem, 1)

	go v.IOThreadEntry()
	v.OnNotify(0)

	deadline := time.After(2 * time.Second)
	for mem.buf[statusBase] == 0xFF {
		select {
		case <-deadline:
			t.Fatal("request never completed")
		case <-time.After(time.Millisecond):
		}
	}

	if mem.buf[statusBase] != 0 {
		t.Fatalf("status = %d, want 0", mem.buf[statusBase])
	}

	if got := string(mem.buf[dataBase : dataBase+512]); got != string(disk[:512]) {
		t.Fatal("data mismatch")
	}

	if notifier.raised == 0 {
		t.Fatal("expected interrupt raised")
	}
}

func TestBlkCloseTwiceErrorsOnSecondClose(t *testing.T) {
	t.Parallel()

	path := newBlkImage(t, make([]byte, 512))

	v, err := virtio.NewBlk(path, &fakeMem{buf: make([]byte, 1)})
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	if err := v.Close(); err == nil {
		t.Fatal("second close: got nil, want error")
	}
}
