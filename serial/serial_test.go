package serial_test

import (
	"bytes"
	"testing"

	"github.com/nkyriazis/gokvm-mmio/serial"
)

type recordingIrq struct {
	raised int
}

func (r *recordingIrq) Raise() {
	r.raised++
}

func TestPushMakesByteReadableOnRBR(t *testing.T) {
	t.Parallel()

	s := serial.New(nil, nil)
	s.Push('x')

	var v uint32
	if err := s.PioRead(0, 1, &v); err != nil {
		t.Fatalf("PioRead: %v", err)
	}

	if v != 'x' {
		t.Fatalf("RBR = %#x, want 'x'", v)
	}
}

func TestPushRaisesIrqOnlyWhenIERSet(t *testing.T) {
	t.Parallel()

	irq := &recordingIrq{}
	s := serial.New(nil, irq)

	s.Push('a')
	if irq.raised != 0 {
		t.Fatalf("raised = %d before IER set, want 0", irq.raised)
	}

	if err := s.PioWrite(1, 1, 1); err != nil { // IER
		t.Fatalf("PioWrite IER: %v", err)
	}

	if irq.raised != 1 {
		t.Fatalf("raised = %d after enabling IER, want 1", irq.raised)
	}

	s.Push('b')
	if irq.raised != 2 {
		t.Fatalf("raised = %d after second push, want 2", irq.raised)
	}
}

func TestTHRWriteForwardsToOut(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	s := serial.New(&out, nil)

	if err := s.PioWrite(0, 1, uint32('z')); err != nil {
		t.Fatalf("PioWrite THR: %v", err)
	}

	if out.String() != "z" {
		t.Fatalf("out = %q, want %q", out.String(), "z")
	}
}

func TestLSRReportsDataAvailable(t *testing.T) {
	t.Parallel()

	s := serial.New(nil, nil)

	var v uint32
	if err := s.PioRead(5, 1, &v); err != nil {
		t.Fatalf("PioRead LSR: %v", err)
	}

	if v&0x1 != 0 {
		t.Fatal("LSR data-available bit set with empty input queue")
	}

	s.Push('q')

	if err := s.PioRead(5, 1, &v); err != nil {
		t.Fatalf("PioRead LSR: %v", err)
	}

	if v&0x1 == 0 {
		t.Fatal("LSR data-available bit clear after Push")
	}
}

func TestDLABSwitchesBaudRateRegisters(t *testing.T) {
	t.Parallel()

	s := serial.New(nil, nil)

	if err := s.PioWrite(3, 1, 0x80); err != nil { // LCR: set DLAB
		t.Fatalf("PioWrite LCR: %v", err)
	}

	var v uint32
	if err := s.PioRead(0, 1, &v); err != nil {
		t.Fatalf("PioRead DLL: %v", err)
	}

	if v != 0xc {
		t.Fatalf("DLL = %#x, want 0xc", v)
	}
}
