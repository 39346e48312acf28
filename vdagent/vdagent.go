// Package vdagent reassembles the SPICE vdagent clipboard protocol from
// the byte stream of a virtio-serial port. It speaks the same wire format
// as spice-vdagent: a stream of chunk{port, size} frames whose first chunk
// per logical message starts with a VDAgentMessage header, followed by
// capability negotiation and clipboard grab/release/request/data messages.
package vdagent

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Message types, from the SPICE vdagent wire protocol.
const (
	typeAnnounceCapabilities uint32 = 6
	typeClipboardGrab        uint32 = 7
	typeClipboardRequest     uint32 = 8
	typeClipboard            uint32 = 4
	typeClipboardRelease     uint32 = 9
)

// Cap is a single negotiated capability bit.
type Cap uint32

// Capabilities this host side advertises, matching the teacher's original
// VDAgentHandler constructor.
const (
	CapMouseState         Cap = 0
	CapMonitorsConfig     Cap = 1
	CapReply              Cap = 2
	CapClipboard          Cap = 3
	CapDisplayConfig      Cap = 4
	CapClipboardByDemand  Cap = 5
	CapClipboardSelection Cap = 6
	CapGuestLineEndLF     Cap = 8
	CapGuestLineEndCRLF   Cap = 9
)

// ClipboardSelection mirrors VDAgentClipboardSelection; only kClipboard is
// meaningful on platforms without X11's PRIMARY/SECONDARY selections.
const (
	SelectionClipboard uint8 = 0
	SelectionPrimary   uint8 = 1
	SelectionSecondary uint8 = 2
)

const (
	chunkHeaderSize   = 8  // port:u32 size:u32
	messageHeaderSize = 20 // protocol:u32 type:u32 opaque:u64 size:u32
	maxChunkSize      = 2048
	maxDataSize       = 1024 * 1024
)

// ClipboardEventType distinguishes the four clipboard events a guest can
// send.
type ClipboardEventType int

const (
	ClipboardGrab ClipboardEventType = iota
	ClipboardData
	ClipboardRequest
	ClipboardRelease
)

// ClipboardEvent is delivered to the Handler's callback whenever the guest
// sends a clipboard message.
type ClipboardEvent struct {
	Type           ClipboardEventType
	Selection      uint8
	AvailableTypes []uint32 // Grab only
	DataType       uint32   // Data/Request only
	Data           []byte   // Data only
}

// Sender writes one already-chunked vdagent frame to the guest's
// virtio-serial port. Implementations typically queue the bytes onto a
// virtio-serial TX virtqueue.
type Sender interface {
	SendVDAgentFrame(port uint32, data []byte) error
}

// pendingMessage is the header of a logical message currently being
// reassembled across one or more chunks.
type pendingMessage struct {
	msgType uint32
	size    uint32
	data    []byte
}

// Handler reassembles chunked vdagent frames arriving from the guest and
// dispatches decoded clipboard messages to a callback, mirroring
// VDAgentHandler::OnDataReceived's chunk-then-message state machine.
type Handler struct {
	mu sync.Mutex

	port   uint32
	sender Sender

	recvBuf []byte
	pending *pendingMessage

	hostCaps  uint32
	guestCaps []uint32
	gotCaps   bool

	onClipboard func(ClipboardEvent)
}

// NewHandler returns a Handler for the virtio-serial port numbered port,
// advertising the same fixed capability set the teacher's constructor
// does: clipboard, on-demand clipboard, selection-aware clipboard, and
// guest line endings normalized to CRLF.
func NewHandler(port uint32, sender Sender) *Handler {
	h := &Handler{port: port, sender: sender}

	h.setCap(CapClipboard)
	h.setCap(CapClipboardByDemand)
	h.setCap(CapClipboardSelection)
	h.setCap(CapGuestLineEndCRLF)

	return h
}

// SetClipboardCallback registers the function invoked for every decoded
// clipboard grab/data/request/release message. Nil disables delivery.
func (h *Handler) SetClipboardCallback(cb func(ClipboardEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onClipboard = cb
}

func (h *Handler) setCap(c Cap) {
	h.hostCaps |= 1 << uint(c)
}

func (h *Handler) hasGuestCap(c Cap) bool {
	word := int(c) / 32
	bit := uint(c) % 32

	if word >= len(h.guestCaps) {
		return false
	}

	return h.guestCaps[word]&(1<<bit) != 0
}

// OnDataReceived feeds raw bytes read off the virtio-serial port into the
// reassembler, decoding and dispatching every complete message the new
// data completes.
func (h *Handler) OnDataReceived(data []byte) error {
	h.mu.Lock()

	h.recvBuf = append(h.recvBuf, data...)

	var (
		events      []ClipboardEvent
		sendCapsNow bool
	)

	for {
		if len(h.recvBuf) < chunkHeaderSize {
			break
		}

		chunkSize := binary.LittleEndian.Uint32(h.recvBuf[4:8])
		total := chunkHeaderSize + int(chunkSize)

		if len(h.recvBuf) < total {
			break
		}

		payload := h.recvBuf[chunkHeaderSize:total]

		if h.pending == nil {
			if len(payload) < messageHeaderSize {
				h.recvBuf = h.recvBuf[total:]
				continue
			}

			msgType := binary.LittleEndian.Uint32(payload[4:8])
			size := binary.LittleEndian.Uint32(payload[16:20])

			if size > maxDataSize {
				h.recvBuf = h.recvBuf[total:]
				continue
			}

			pm := &pendingMessage{msgType: msgType, size: size}
			pm.data = append(pm.data, payload[messageHeaderSize:]...)
			h.pending = pm
		} else {
			h.pending.data = append(h.pending.data, payload...)
		}

		h.recvBuf = h.recvBuf[total:]

		if uint32(len(h.pending.data)) >= h.pending.size {
			pm := h.pending
			h.pending = nil

			msgData := pm.data[:pm.size]

			if pm.msgType == typeAnnounceCapabilities {
				request := h.handleAnnounceCapabilitiesLocked(msgData)
				if request {
					sendCapsNow = true
				}
			} else if ev, ok := h.decodeClipboardLocked(pm.msgType, msgData); ok {
				events = append(events, ev)
			}
		}
	}

	cb := h.onClipboard

	h.mu.Unlock()

	if cb != nil {
		for _, ev := range events {
			cb(ev)
		}
	}

	if sendCapsNow {
		return h.SendAnnounceCapabilities()
	}

	return nil
}

// handleAnnounceCapabilitiesLocked records the guest's advertised
// capabilities and reports whether the guest asked for ours in return.
func (h *Handler) handleAnnounceCapabilitiesLocked(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	request := binary.LittleEndian.Uint32(data[0:4]) != 0

	words := (len(data) - 4) / 4

	caps := make([]uint32, words)
	for i := 0; i < words; i++ {
		caps[i] = binary.LittleEndian.Uint32(data[4+i*4 : 8+i*4])
	}

	h.guestCaps = caps
	h.gotCaps = true

	return request
}

func (h *Handler) decodeClipboardLocked(msgType uint32, data []byte) (ClipboardEvent, bool) {
	selAware := h.hasGuestCap(CapClipboardSelection)

	switch msgType {
	case typeClipboardGrab:
		ev := ClipboardEvent{Type: ClipboardGrab, Selection: SelectionClipboard}

		var typesFrom []byte

		if selAware && len(data) >= 4 {
			ev.Selection = data[0]
			typesFrom = data[4:]
		} else {
			typesFrom = data
		}

		ev.AvailableTypes = decodeU32s(typesFrom)

		return ev, true

	case typeClipboard:
		ev := ClipboardEvent{Type: ClipboardData, Selection: SelectionClipboard}

		switch {
		case selAware && len(data) >= 8:
			ev.Selection = data[0]
			ev.DataType = binary.LittleEndian.Uint32(data[4:8])
			ev.Data = append([]byte(nil), data[8:]...)
		case len(data) >= 4:
			ev.DataType = binary.LittleEndian.Uint32(data[0:4])
			ev.Data = append([]byte(nil), data[4:]...)
		default:
			return ClipboardEvent{}, false
		}

		return ev, true

	case typeClipboardRequest:
		ev := ClipboardEvent{Type: ClipboardRequest, Selection: SelectionClipboard}

		switch {
		case selAware && len(data) >= 8:
			ev.Selection = data[0]
			ev.DataType = binary.LittleEndian.Uint32(data[4:8])
		case len(data) >= 4:
			ev.DataType = binary.LittleEndian.Uint32(data[0:4])
		default:
			return ClipboardEvent{}, false
		}

		return ev, true

	case typeClipboardRelease:
		ev := ClipboardEvent{Type: ClipboardRelease, Selection: SelectionClipboard}
		if selAware && len(data) >= 1 {
			ev.Selection = data[0]
		}

		return ev, true

	default:
		return ClipboardEvent{}, false
	}
}

func decodeU32s(b []byte) []uint32 {
	n := len(b) / 4

	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}

	return out
}

// sendMessage frames data as a VDAgentMessage of the given type, splitting
// it across as many chunks as VD_AGENT_MAX_CHUNK_SIZE requires: the first
// chunk carries the message header, every subsequent chunk carries only
// raw payload.
func (h *Handler) sendMessage(msgType uint32, data []byte) error {
	if h.sender == nil {
		return nil
	}

	firstLen := len(data)
	if max := maxChunkSize - messageHeaderSize; firstLen > max {
		firstLen = max
	}

	header := make([]byte, messageHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], 1) // VD_AGENT_PROTOCOL
	binary.LittleEndian.PutUint32(header[4:8], msgType)
	binary.LittleEndian.PutUint64(header[8:16], 0) // opaque
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(data)))

	first := make([]byte, 0, chunkHeaderSize+messageHeaderSize+firstLen)
	first = appendChunkHeader(first, h.port, uint32(messageHeaderSize+firstLen))
	first = append(first, header...)
	first = append(first, data[:firstLen]...)

	if err := h.sender.SendVDAgentFrame(h.port, first); err != nil {
		return fmt.Errorf("vdagent: send message type %d: %w", msgType, err)
	}

	for offset := firstLen; offset < len(data); {
		n := len(data) - offset
		if n > maxChunkSize {
			n = maxChunkSize
		}

		frame := make([]byte, 0, chunkHeaderSize+n)
		frame = appendChunkHeader(frame, h.port, uint32(n))
		frame = append(frame, data[offset:offset+n]...)

		if err := h.sender.SendVDAgentFrame(h.port, frame); err != nil {
			return fmt.Errorf("vdagent: send message type %d continuation: %w", msgType, err)
		}

		offset += n
	}

	return nil
}

func appendChunkHeader(b []byte, port, size uint32) []byte {
	var hdr [chunkHeaderSize]byte

	binary.LittleEndian.PutUint32(hdr[0:4], port)
	binary.LittleEndian.PutUint32(hdr[4:8], size)

	return append(b, hdr[:]...)
}

// SendAnnounceCapabilities announces this host's fixed capability set to
// the guest, request=0 since we are the one announcing.
func (h *Handler) SendAnnounceCapabilities() error {
	h.mu.Lock()
	caps := h.hostCaps
	h.mu.Unlock()

	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 0) // request
	binary.LittleEndian.PutUint32(data[4:8], caps)

	return h.sendMessage(typeAnnounceCapabilities, data)
}

// SendClipboardGrab tells the guest which clipboard types are available
// to pull from the host. A no-op until the guest's capabilities have been
// received, matching the original's guard.
func (h *Handler) SendClipboardGrab(selection uint8, types []uint32) error {
	h.mu.Lock()
	if !h.gotCaps {
		h.mu.Unlock()

		return nil
	}

	selAware := h.hasGuestCap(CapClipboardSelection)
	h.mu.Unlock()

	data := encodeSelectionPrefixed(selAware, selection, types)

	return h.sendMessage(typeClipboardGrab, data)
}

// SendClipboardData delivers clipboard contents of the given type to the
// guest, in response to a prior ClipboardRequest event.
func (h *Handler) SendClipboardData(selection uint8, dataType uint32, payload []byte) error {
	h.mu.Lock()
	if !h.gotCaps {
		h.mu.Unlock()

		return nil
	}

	selAware := h.hasGuestCap(CapClipboardSelection)
	h.mu.Unlock()

	var data []byte

	if selAware {
		data = make([]byte, 8+len(payload))
		data[0] = selection
		binary.LittleEndian.PutUint32(data[4:8], dataType)
		copy(data[8:], payload)
	} else {
		data = make([]byte, 4+len(payload))
		binary.LittleEndian.PutUint32(data[0:4], dataType)
		copy(data[4:], payload)
	}

	return h.sendMessage(typeClipboard, data)
}

// SendClipboardRequest asks the guest to supply its clipboard contents of
// the given type, in response to a prior ClipboardGrab event.
func (h *Handler) SendClipboardRequest(selection uint8, dataType uint32) error {
	h.mu.Lock()
	if !h.gotCaps {
		h.mu.Unlock()

		return nil
	}

	selAware := h.hasGuestCap(CapClipboardSelection)
	h.mu.Unlock()

	var data []byte

	if selAware {
		data = make([]byte, 8)
		data[0] = selection
		binary.LittleEndian.PutUint32(data[4:8], dataType)
	} else {
		data = make([]byte, 4)
		binary.LittleEndian.PutUint32(data[0:4], dataType)
	}

	return h.sendMessage(typeClipboardRequest, data)
}

// SendClipboardRelease tells the guest the host no longer owns the
// clipboard.
func (h *Handler) SendClipboardRelease(selection uint8) error {
	h.mu.Lock()
	if !h.gotCaps {
		h.mu.Unlock()

		return nil
	}

	selAware := h.hasGuestCap(CapClipboardSelection)
	h.mu.Unlock()

	var data []byte
	if selAware {
		data = []byte{selection, 0, 0, 0}
	}

	return h.sendMessage(typeClipboardRelease, data)
}

func encodeSelectionPrefixed(selAware bool, selection uint8, types []uint32) []byte {
	if selAware {
		data := make([]byte, 4+len(types)*4)
		data[0] = selection

		for i, t := range types {
			binary.LittleEndian.PutUint32(data[4+i*4:8+i*4], t)
		}

		return data
	}

	data := make([]byte, len(types)*4)
	for i, t := range types {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], t)
	}

	return data
}
