package memory

import (
	"bytes"
	"testing"
)

func TestNewSplitsBelowGap(t *testing.T) {
	t.Parallel()

	gm, err := New(16 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	if gm.LowSize() != 16<<20 {
		t.Fatalf("LowSize = %d, want %d", gm.LowSize(), 16<<20)
	}

	if gm.HighSize() != 0 {
		t.Fatalf("HighSize = %d, want 0", gm.HighSize())
	}
}

func TestNewSplitsAcrossGap(t *testing.T) {
	t.Parallel()

	size := MmioGapStart + (64 << 20)

	gm, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	if gm.LowSize() != MmioGapStart {
		t.Fatalf("LowSize = %#x, want %#x", gm.LowSize(), MmioGapStart)
	}

	if gm.HighSize() != 64<<20 {
		t.Fatalf("HighSize = %#x, want %#x", gm.HighSize(), 64<<20)
	}

	if gm.HighGPABase() != MmioGapEnd {
		t.Fatalf("HighGPABase = %#x, want %#x", gm.HighGPABase(), MmioGapEnd)
	}
}

func TestReadWriteBytesRoundTrip(t *testing.T) {
	t.Parallel()

	gm, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	want := []byte("hello guest")
	if err := gm.WriteBytes(0x1000, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	got := make([]byte, len(want))
	if err := gm.ReadBytes(0x1000, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTranslateRejectsGapStraddle(t *testing.T) {
	t.Parallel()

	size := MmioGapStart + (64 << 20)

	gm, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	if _, err := gm.Translate(uint64(MmioGapStart-4), 8); err == nil {
		t.Fatalf("expected ErrOutOfBounds straddling the gap")
	}
}

func TestTranslateRejectsInsideGap(t *testing.T) {
	t.Parallel()

	gm, err := New(MmioGapStart + (64 << 20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	if _, err := gm.Translate(MmioGapStart+0x1000, 4); err == nil {
		t.Fatalf("expected ErrOutOfBounds inside mmio gap")
	}
}

func TestTranslateRejectsPastHighRAM(t *testing.T) {
	t.Parallel()

	gm, err := New(MmioGapStart + (64 << 20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gm.Close()

	if _, err := gm.Translate(MmioGapEnd+64<<20-4, 8); err == nil {
		t.Fatalf("expected ErrOutOfBounds past end of high ram")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	if _, err := New(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}
