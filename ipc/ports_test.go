package ipc_test

import (
	"testing"

	"github.com/nkyriazis/gokvm-mmio/ipc"
)

func TestConsolePortBuffersAndDrains(t *testing.T) {
	p := ipc.NewConsolePort(nil)

	if got := p.TakeBuffered(); got != nil {
		t.Fatalf("expected nil before any write, got %v", got)
	}

	p.Write([]byte("hello"))
	p.Write([]byte(" world"))

	got := p.TakeBuffered()
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}

	if second := p.TakeBuffered(); second != nil {
		t.Fatalf("expected nil after drain, got %v", second)
	}
}

func TestConsolePortPushInputForwardsBytes(t *testing.T) {
	var got []byte

	p := ipc.NewConsolePort(func(b byte) { got = append(got, b) })

	p.PushInput([]byte("ab"))

	if string(got) != "ab" {
		t.Fatalf("got %q", got)
	}
}

func TestInputPortFIFOOrdering(t *testing.T) {
	p := ipc.NewInputPort()

	p.PushKeyEvent(ipc.KeyEvent{KeyCode: 1, Pressed: true})
	p.PushKeyEvent(ipc.KeyEvent{KeyCode: 2, Pressed: false})

	ev, ok := p.PollKeyEvent()
	if !ok || ev.KeyCode != 1 {
		t.Fatalf("first poll: %+v, %v", ev, ok)
	}

	ev, ok = p.PollKeyEvent()
	if !ok || ev.KeyCode != 2 {
		t.Fatalf("second poll: %+v, %v", ev, ok)
	}

	if _, ok := p.PollKeyEvent(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestDisplayPortSubmitWithoutHandlerDoesNotPanic(t *testing.T) {
	p := ipc.NewDisplayPort()
	p.SubmitFrame(ipc.DisplayFrame{Width: 1, Height: 1})
}

func TestDisplayPortSubmitInvokesHandler(t *testing.T) {
	p := ipc.NewDisplayPort()

	var got ipc.DisplayFrame

	p.SetFrameHandler(func(f ipc.DisplayFrame) { got = f })
	p.SubmitFrame(ipc.DisplayFrame{Width: 640, Height: 480})

	if got.Width != 640 || got.Height != 480 {
		t.Fatalf("got %+v", got)
	}
}
