package ipc

import "sync"

// ConsolePort buffers guest console output for the IPC service to flush as
// console.data events, and lets inbound console.input requests push bytes
// back toward the guest's serial device. It is the Go counterpart of
// ManagedConsolePort: a write handler callback plus a mutex-guarded buffer
// rather than a condition-variable-guarded deque, since nothing here blocks
// waiting for input the way the original's synchronous Read did.
type ConsolePort struct {
	mu           sync.Mutex
	buf          []byte
	writeToGuest func(byte)
}

// NewConsolePort returns a ConsolePort whose inbound bytes (decoded from
// console.input requests) are forwarded to toGuest.
func NewConsolePort(toGuest func(byte)) *ConsolePort {
	return &ConsolePort{writeToGuest: toGuest}
}

// Write appends guest-emitted output bytes, satisfying io.Writer so a
// ConsolePort can be handed to serial.New (via io.MultiWriter alongside
// os.Stdout) as the guest console's output sink.
func (p *ConsolePort) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	p.buf = append(p.buf, data...)
	p.mu.Unlock()

	return len(data), nil
}

// TakeBuffered returns and clears any output accumulated since the last
// call, or nil if nothing is pending.
func (p *ConsolePort) TakeBuffered() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return nil
	}

	out := p.buf
	p.buf = nil

	return out
}

// PushInput forwards decoded console.input bytes one at a time to the
// guest's serial device.
func (p *ConsolePort) PushInput(data []byte) {
	if p.writeToGuest == nil {
		return
	}

	for _, b := range data {
		p.writeToGuest(b)
	}
}

// KeyEvent is one key press/release, decoded from an input.key_event request.
type KeyEvent struct {
	KeyCode uint32
	Pressed bool
}

// PointerEvent is one pointer sample, decoded from an input.pointer_event
// request.
type PointerEvent struct {
	X, Y    int32
	Buttons uint32
}

// InputPort queues decoded keyboard and pointer events for a display/input
// backend to poll, the Go counterpart of ManagedInputPort.
type InputPort struct {
	mu       sync.Mutex
	keys     []KeyEvent
	pointers []PointerEvent
}

// NewInputPort returns an empty InputPort.
func NewInputPort() *InputPort {
	return &InputPort{}
}

// PushKeyEvent enqueues one decoded key event.
func (p *InputPort) PushKeyEvent(ev KeyEvent) {
	p.mu.Lock()
	p.keys = append(p.keys, ev)
	p.mu.Unlock()
}

// PushPointerEvent enqueues one decoded pointer event.
func (p *InputPort) PushPointerEvent(ev PointerEvent) {
	p.mu.Lock()
	p.pointers = append(p.pointers, ev)
	p.mu.Unlock()
}

// PollKeyEvent dequeues the oldest pending key event, if any.
func (p *InputPort) PollKeyEvent() (KeyEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return KeyEvent{}, false
	}

	ev := p.keys[0]
	p.keys = p.keys[1:]

	return ev, true
}

// PollPointerEvent dequeues the oldest pending pointer event, if any.
func (p *InputPort) PollPointerEvent() (PointerEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pointers) == 0 {
		return PointerEvent{}, false
	}

	ev := p.pointers[0]
	p.pointers = p.pointers[1:]

	return ev, true
}

// DisplayFrame is one submitted framebuffer update, forwarded to the peer
// as a display.frame event with the pixel data as its payload.
type DisplayFrame struct {
	Width, Height                 uint32
	Stride                        uint32
	Format                        uint32
	ResourceWidth, ResourceHeight uint32
	DirtyX, DirtyY                uint32
	Pixels                        []byte
}

// DisplayPort forwards submitted frames to a handler, the Go counterpart
// of ManagedDisplayPort.
type DisplayPort struct {
	mu      sync.Mutex
	handler func(DisplayFrame)
}

// NewDisplayPort returns an empty DisplayPort.
func NewDisplayPort() *DisplayPort {
	return &DisplayPort{}
}

// SetFrameHandler installs the callback SubmitFrame invokes.
func (p *DisplayPort) SetFrameHandler(h func(DisplayFrame)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// SubmitFrame hands frame to the installed handler, if any.
func (p *DisplayPort) SubmitFrame(frame DisplayFrame) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()

	if h != nil {
		h(frame)
	}
}
