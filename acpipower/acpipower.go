// Package acpipower emulates the ACPI PM1 event/control block and the
// RESET_REG byte that a guest's ACPI-aware kernel uses to request S5 power
// off and platform reset. It implements the richer of the two original
// variants: SCI-driven PM1_STS/PM1_EN and a RESET_REG path, rather than the
// simpler PM1_CNT-only device also present in the retrieval pack.
package acpipower

import "sync"

const (
	offPM1Status  = 0
	offPM1Enable  = 2
	offPM1Control = 4
	offResetReg   = 8

	slpEnBit    = 13
	slpTypShift = 10
	slpTypMask  = 0x7

	slpTypS5 = 5

	resetValue = 0x06

	// sciEnBit is always forced set on PM1_CNT, advertising SCI is active.
	sciEnBit = 1
)

// Callbacks are invoked synchronously from PioWrite when the guest requests
// a power transition. They must not block: Vm wires them to set an atomic
// flag the run loop observes, the same way the teacher's halt/shutdown exit
// handling works.
type Callbacks struct {
	Shutdown func()
	Reset    func()
	RaiseSCI func()
}

// State is the PM1 event/control register file plus the RESET_REG byte.
type State struct {
	mu  sync.Mutex
	cb  Callbacks
	sts uint16
	en  uint16
	cnt uint16
}

// New returns a power-management device wired to cb. Any nil callback is
// treated as a no-op.
func New(cb Callbacks) *State {
	return &State{cb: cb}
}

// RaiseSCI reevaluates whether an SCI is pending (PM1_STS & PM1_EN != 0)
// and invokes Callbacks.RaiseSCI if so. Call this after any event source
// (e.g. a device's interrupt line) sets a PM1_STS bit directly.
func (s *State) RaiseSCI() {
	s.mu.Lock()
	pending := s.sts&s.en != 0
	s.mu.Unlock()

	if pending && s.cb.RaiseSCI != nil {
		s.cb.RaiseSCI()
	}
}

// PioRead implements memory.PioDevice.
func (s *State) PioRead(offset uint16, size int, value *uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch offset {
	case offPM1Status:
		if size == 4 {
			*value = uint32(s.sts) | (uint32(s.en) << 16)
		} else {
			*value = uint32(s.sts)
		}
	case offPM1Enable:
		*value = uint32(s.en)
	case offPM1Control:
		*value = uint32(s.cnt) | sciEnBit
	case offResetReg:
		*value = 0
	default:
		*value = 0
	}

	return nil
}

// PioWrite implements memory.PioDevice.
func (s *State) PioWrite(offset uint16, size int, value uint32) error {
	var (
		shutdown bool
		reset    bool
	)

	s.mu.Lock()

	switch offset {
	case offPM1Status:
		// Status bits are write-1-to-clear.
		s.sts &^= uint16(value)

		if size == 4 {
			s.en = uint16(value >> 16)
		}
	case offPM1Enable:
		s.en = uint16(value)
	case offPM1Control:
		s.cnt = uint16(value) | sciEnBit

		if value&(1<<slpEnBit) != 0 {
			slpTyp := (value >> slpTypShift) & slpTypMask
			if slpTyp == slpTypS5 {
				shutdown = true
			}
		}
	case offResetReg:
		if value&0xFF == resetValue {
			reset = true
		}
	}

	s.mu.Unlock()

	if shutdown && s.cb.Shutdown != nil {
		s.cb.Shutdown()
	}

	if reset && s.cb.Reset != nil {
		s.cb.Reset()
	}

	return nil
}
