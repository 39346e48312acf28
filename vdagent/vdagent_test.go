package vdagent_test

import (
	"encoding/binary"
	"testing"

	"github.com/nkyriazis/gokvm-mmio/vdagent"
)

type fakeSender struct {
	frames [][]byte
}

func (f *fakeSender) SendVDAgentFrame(port uint32, data []byte) error {
	f.frames = append(f.frames, append([]byte(nil), data...))

	return nil
}

func buildChunk(port, msgType uint32, data []byte, firstChunk bool) []byte {
	var payload []byte

	if firstChunk {
		hdr := make([]byte, 20)
		binary.LittleEndian.PutUint32(hdr[0:4], 1) // protocol
		binary.LittleEndian.PutUint32(hdr[4:8], msgType)
		binary.LittleEndian.PutUint64(hdr[8:16], 0)
		binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(data)))
		payload = append(hdr, data...)
	} else {
		payload = data
	}

	frame := make([]byte, 8)
	binary.LittleEndian.PutUint32(frame[0:4], port)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))

	return append(frame, payload...)
}

func TestAnnounceCapabilitiesRequestTriggersReply(t *testing.T) {
	sender := &fakeSender{}
	h := vdagent.NewHandler(1, sender)

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 1) // request=1
	binary.LittleEndian.PutUint32(data[4:8], 0)

	frame := buildChunk(1, 6, data, true)

	if err := h.OnDataReceived(frame); err != nil {
		t.Fatalf("OnDataReceived: %v", err)
	}

	if len(sender.frames) != 1 {
		t.Fatalf("expected one reply frame, got %d", len(sender.frames))
	}

	got := sender.frames[0]

	gotType := binary.LittleEndian.Uint32(got[8+4 : 8+8])
	if gotType != 6 {
		t.Fatalf("reply message type = %d, want 6 (announce capabilities)", gotType)
	}

	gotRequest := binary.LittleEndian.Uint32(got[8+20 : 8+24])
	if gotRequest != 0 {
		t.Fatalf("reply request flag = %d, want 0", gotRequest)
	}
}

func TestClipboardGrabSplitAcrossTwoChunksSelectionAware(t *testing.T) {
	sender := &fakeSender{}
	h := vdagent.NewHandler(1, sender)

	var events []vdagent.ClipboardEvent
	h.SetClipboardCallback(func(e vdagent.ClipboardEvent) {
		events = append(events, e)
	})

	// Negotiate selection-awareness first: guest announces
	// CAP_CLIPBOARD_SELECTION (bit 6).
	announce := make([]byte, 8)
	binary.LittleEndian.PutUint32(announce[0:4], 0)
	binary.LittleEndian.PutUint32(announce[4:8], 1<<6)

	if err := h.OnDataReceived(buildChunk(1, 6, announce, true)); err != nil {
		t.Fatalf("OnDataReceived(announce): %v", err)
	}

	// Grab message: selection byte + 3 reserved + two type u32s, selection
	// 0, types {1, 2}, split so the first chunk carries the message header
	// plus the selection word, and a continuation chunk carries the rest.
	full := make([]byte, 4+8)
	full[0] = 0 // selection: clipboard

	binary.LittleEndian.PutUint32(full[4:8], 1)
	binary.LittleEndian.PutUint32(full[8:12], 2)

	firstChunkData := full[:4]
	rest := full[4:]

	first := buildChunk(1, 7, firstChunkData, true)
	// Patch the message header's size field to the FULL message size, since
	// a real first chunk announces the complete logical message length up
	// front even though only part of the payload has arrived.
	binary.LittleEndian.PutUint32(first[8+16:8+20], uint32(len(full)))

	cont := buildChunk(1, 0, rest, false)

	if err := h.OnDataReceived(append(first, cont...)); err != nil {
		t.Fatalf("OnDataReceived(grab): %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected one clipboard event, got %d", len(events))
	}

	ev := events[0]
	if ev.Type != vdagent.ClipboardGrab {
		t.Fatalf("event type = %v, want Grab", ev.Type)
	}

	if len(ev.AvailableTypes) != 2 || ev.AvailableTypes[0] != 1 || ev.AvailableTypes[1] != 2 {
		t.Fatalf("available types = %v, want [1 2]", ev.AvailableTypes)
	}
}

func TestClipboardDataLegacyLayoutWithoutSelectionCap(t *testing.T) {
	sender := &fakeSender{}
	h := vdagent.NewHandler(1, sender)

	var events []vdagent.ClipboardEvent
	h.SetClipboardCallback(func(e vdagent.ClipboardEvent) {
		events = append(events, e)
	})

	// No capability announcement at all: the handler must fall back to the
	// legacy 4-byte-type layout (HasCapability is false with no guest caps
	// recorded).
	payload := []byte("hello clipboard")
	data := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(data[0:4], 1) // VD_AGENT_CLIPBOARD_UTF8_TEXT
	copy(data[4:], payload)

	if err := h.OnDataReceived(buildChunk(1, 4, data, true)); err != nil {
		t.Fatalf("OnDataReceived: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected one clipboard event, got %d", len(events))
	}

	ev := events[0]
	if ev.Type != vdagent.ClipboardData {
		t.Fatalf("event type = %v, want Data", ev.Type)
	}

	if ev.DataType != 1 {
		t.Fatalf("data type = %d, want 1", ev.DataType)
	}

	if string(ev.Data) != string(payload) {
		t.Fatalf("data = %q, want %q", ev.Data, payload)
	}
}

func TestSendClipboardDataNoopBeforeGuestCapsReceived(t *testing.T) {
	sender := &fakeSender{}
	h := vdagent.NewHandler(1, sender)

	if err := h.SendClipboardData(0, 1, []byte("x")); err != nil {
		t.Fatalf("SendClipboardData: %v", err)
	}

	if len(sender.frames) != 0 {
		t.Fatalf("expected no frames before guest capabilities arrive, got %d", len(sender.frames))
	}
}

func TestSendMessageSplitsLargePayloadAcrossChunks(t *testing.T) {
	sender := &fakeSender{}
	h := vdagent.NewHandler(1, sender)

	// Unlock sending by first receiving an (empty) capability announcement.
	if err := h.OnDataReceived(buildChunk(1, 6, make([]byte, 8), true)); err != nil {
		t.Fatalf("OnDataReceived: %v", err)
	}

	big := make([]byte, 5000)
	for i := range big {
		big[i] = byte(i)
	}

	if err := h.SendClipboardData(0, 1, big); err != nil {
		t.Fatalf("SendClipboardData: %v", err)
	}

	if len(sender.frames) < 3 {
		t.Fatalf("expected a 5000-byte payload to span at least 3 chunks, got %d", len(sender.frames))
	}

	for _, f := range sender.frames {
		size := binary.LittleEndian.Uint32(f[4:8])
		if int(size) != len(f)-8 {
			t.Fatalf("chunk header size %d does not match payload length %d", size, len(f)-8)
		}
	}
}
