package ipc_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/nkyriazis/gokvm-mmio/ipc"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := ipc.Message{
		Kind:      ipc.KindRequest,
		Channel:   ipc.ChannelControl,
		Type:      "runtime.command",
		VMID:      "vm-1",
		RequestID: 42,
	}
	m.SetField("command", "stop")

	encoded := ipc.Encode(m)

	got, err := ipc.ReadMessage(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if got.Kind != ipc.KindRequest || got.Channel != ipc.ChannelControl {
		t.Fatalf("kind/channel mismatch: %+v", got)
	}

	if got.Type != "runtime.command" || got.VMID != "vm-1" || got.RequestID != 42 {
		t.Fatalf("header mismatch: %+v", got)
	}

	if got.Fields["command"] != "stop" {
		t.Fatalf("fields mismatch: %+v", got.Fields)
	}
}

func TestEncodeDecodeWithPayload(t *testing.T) {
	m := ipc.Message{
		Kind:    ipc.KindEvent,
		Channel: ipc.ChannelDisplay,
		Type:    "display.frame",
		Payload: []byte{1, 2, 3, 4, 5},
	}

	encoded := ipc.Encode(m)

	got, err := ipc.ReadMessage(bufio.NewReader(bytes.NewReader(encoded)))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if !bytes.Equal(got.Payload, m.Payload) {
		t.Fatalf("payload mismatch: %v != %v", got.Payload, m.Payload)
	}
}

func TestReadMessageTwoFramesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(ipc.Encode(ipc.Message{Kind: ipc.KindRequest, Channel: ipc.ChannelControl, Type: "runtime.ping"}))
	buf.Write(ipc.Encode(ipc.Message{Kind: ipc.KindResponse, Channel: ipc.ChannelControl, Type: "runtime.pong"}))

	r := bufio.NewReader(&buf)

	first, err := ipc.ReadMessage(r)
	if err != nil || first.Type != "runtime.ping" {
		t.Fatalf("first frame: %+v, %v", first, err)
	}

	second, err := ipc.ReadMessage(r)
	if err != nil || second.Type != "runtime.pong" {
		t.Fatalf("second frame: %+v, %v", second, err)
	}
}

func TestReadMessageRejectsUnknownKind(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("kind=bogus channel=control type=x\n")))

	if _, err := ipc.ReadMessage(r); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestReadMessageRejectsMissingChannel(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte("kind=request type=x\n")))

	if _, err := ipc.ReadMessage(r); err == nil {
		t.Fatalf("expected error for missing channel")
	}
}
