package acpipower

import "testing"

func TestPM1ControlForcesSCIEnable(t *testing.T) {
	t.Parallel()

	s := New(Callbacks{})

	if err := s.PioWrite(offPM1Control, 2, 0); err != nil {
		t.Fatal(err)
	}

	var v uint32
	if err := s.PioRead(offPM1Control, 2, &v); err != nil {
		t.Fatal(err)
	}

	if v&sciEnBit == 0 {
		t.Fatalf("expected SCI_EN forced set, got %#x", v)
	}
}

func TestSlpTypS5TriggersShutdown(t *testing.T) {
	t.Parallel()

	called := false
	s := New(Callbacks{Shutdown: func() { called = true }})

	value := uint32(1<<slpEnBit) | (slpTypS5 << slpTypShift)
	if err := s.PioWrite(offPM1Control, 2, value); err != nil {
		t.Fatal(err)
	}

	if !called {
		t.Fatalf("expected shutdown callback to fire on SLP_TYP=S5")
	}
}

func TestSlpTypOtherDoesNotShutdown(t *testing.T) {
	t.Parallel()

	called := false
	s := New(Callbacks{Shutdown: func() { called = true }})

	value := uint32(1<<slpEnBit) | (3 << slpTypShift)
	if err := s.PioWrite(offPM1Control, 2, value); err != nil {
		t.Fatal(err)
	}

	if called {
		t.Fatalf("did not expect shutdown for non-S5 sleep type")
	}
}

func TestResetRegTriggersReset(t *testing.T) {
	t.Parallel()

	called := false
	s := New(Callbacks{Reset: func() { called = true }})

	if err := s.PioWrite(offResetReg, 1, resetValue); err != nil {
		t.Fatal(err)
	}

	if !called {
		t.Fatalf("expected reset callback to fire on RESET_REG write")
	}
}

func TestResetRegWrongValueDoesNotReset(t *testing.T) {
	t.Parallel()

	called := false
	s := New(Callbacks{Reset: func() { called = true }})

	if err := s.PioWrite(offResetReg, 1, 0x01); err != nil {
		t.Fatal(err)
	}

	if called {
		t.Fatalf("did not expect reset for arbitrary RESET_REG byte")
	}
}

func TestPM1StatusWriteOneToClear(t *testing.T) {
	t.Parallel()

	s := New(Callbacks{})
	s.sts = 0x3

	if err := s.PioWrite(offPM1Status, 2, 0x1); err != nil {
		t.Fatal(err)
	}

	var v uint32
	if err := s.PioRead(offPM1Status, 2, &v); err != nil {
		t.Fatal(err)
	}

	if v != 0x2 {
		t.Fatalf("got %#x, want 0x2", v)
	}
}

func TestRaiseSCIOnlyWhenEnabledAndPending(t *testing.T) {
	t.Parallel()

	raised := 0
	s := New(Callbacks{RaiseSCI: func() { raised++ }})

	s.RaiseSCI()
	if raised != 0 {
		t.Fatalf("did not expect SCI with nothing pending")
	}

	s.sts = 0x1
	s.en = 0x1
	s.RaiseSCI()

	if raised != 1 {
		t.Fatalf("expected one SCI raise, got %d", raised)
	}
}
