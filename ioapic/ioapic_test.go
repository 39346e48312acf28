package ioapic

import "testing"

func TestResetEntriesAreMasked(t *testing.T) {
	t.Parallel()

	s := New()

	entry, ok := s.RedirEntryFor(0)
	if !ok {
		t.Fatalf("expected irq 0 to be valid")
	}

	if !entry.Masked {
		t.Fatalf("expected reset entry to be masked")
	}
}

func TestVersionRegister(t *testing.T) {
	t.Parallel()

	s := New()

	var v uint64
	if err := s.MmioWrite(regIOREGSEL, 4, indexVer); err != nil {
		t.Fatalf("MmioWrite: %v", err)
	}

	if err := s.MmioRead(regIOWIN, 4, &v); err != nil {
		t.Fatalf("MmioRead: %v", err)
	}

	if v != versionRegister {
		t.Fatalf("got %#x, want %#x", v, versionRegister)
	}
}

func TestWriteReadRedirectionEntry(t *testing.T) {
	t.Parallel()

	s := New()

	low := uint64(0x0000_0021) // vector 0x21, unmasked
	high := uint64(0x0500_0000 << 32)

	if err := s.MmioWrite(regIOREGSEL, 4, indexRedTbl); err != nil {
		t.Fatal(err)
	}

	if err := s.MmioWrite(regIOWIN, 4, low); err != nil {
		t.Fatal(err)
	}

	if err := s.MmioWrite(regIOREGSEL, 4, indexRedTbl+1); err != nil {
		t.Fatal(err)
	}

	if err := s.MmioWrite(regIOWIN, 4, high>>32); err != nil {
		t.Fatal(err)
	}

	entry, ok := s.RedirEntryFor(0)
	if !ok {
		t.Fatalf("expected irq 0 valid")
	}

	if entry.Vector != 0x21 {
		t.Fatalf("got vector %#x, want 0x21", entry.Vector)
	}

	if entry.Masked {
		t.Fatalf("expected unmasked entry")
	}

	if entry.Destination != 0x05 {
		t.Fatalf("got destination %#x, want 0x05", entry.Destination)
	}
}

func TestEOIClearsRemoteIRR(t *testing.T) {
	t.Parallel()

	s := New()

	// Program entry 2 with vector 0x30 and force Remote IRR set directly,
	// since nothing in this package's public API sets it (only real
	// interrupt delivery would).
	s.redirTable[2] = 0x30 | (1 << remoteIRRBit)

	if err := s.MmioWrite(regEOI, 4, 0x30); err != nil {
		t.Fatal(err)
	}

	entry, _ := s.RedirEntryFor(2)
	if entry.RemoteIRR {
		t.Fatalf("expected Remote IRR cleared after EOI")
	}
}

func TestRedirEntryForOutOfRange(t *testing.T) {
	t.Parallel()

	s := New()

	if _, ok := s.RedirEntryFor(MaxRedirEntries); ok {
		t.Fatalf("expected out-of-range irq to be invalid")
	}
}
