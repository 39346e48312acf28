// Package ipc is the control-plane duplex connection to an external VM
// controller: a single peer connects over a Unix domain socket, exchanges
// key=value-framed messages with optional binary payloads, and the service
// dispatches each inbound message by channel and type. It generalizes the
// original runtime control service's named-pipe framing onto net.Conn,
// grounded on the teacher's own serial/virtio worker-thread style (one
// goroutine owns the connection, synchronous dispatch, a send mutex
// serializing writes) rather than on anything already in the teacher, which
// has no IPC layer at all.
package ipc

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nkyriazis/gokvm-mmio/ioerr"
)

// Kind is a message's request/response/event role.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

func parseKind(s string) (Kind, bool) {
	switch s {
	case "request":
		return KindRequest, true
	case "response":
		return KindResponse, true
	case "event":
		return KindEvent, true
	default:
		return 0, false
	}
}

// Channel is a message's routing class.
type Channel int

const (
	ChannelControl Channel = iota
	ChannelConsole
	ChannelInput
	ChannelDisplay
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelConsole:
		return "console"
	case ChannelInput:
		return "input"
	case ChannelDisplay:
		return "display"
	default:
		return "unknown"
	}
}

func parseChannel(s string) (Channel, bool) {
	switch s {
	case "control":
		return ChannelControl, true
	case "console":
		return ChannelConsole, true
	case "input":
		return ChannelInput, true
	case "display":
		return ChannelDisplay, true
	default:
		return 0, false
	}
}

// Message is one IPC frame: a key=value header plus an optional binary
// payload. Fields preserves insertion order via fieldOrder, since the wire
// format is order-sensitive for round-trip determinism even though Go maps
// are not; semantics never depend on field order.
type Message struct {
	Kind      Kind
	Channel   Channel
	Type      string
	VMID      string
	RequestID uint64
	Fields    map[string]string
	Payload   []byte

	fieldOrder []string
}

// SetField records a header field, preserving first-seen insertion order
// across repeated calls.
func (m *Message) SetField(key, value string) {
	if m.Fields == nil {
		m.Fields = make(map[string]string)
	}

	if _, exists := m.Fields[key]; !exists {
		m.fieldOrder = append(m.fieldOrder, key)
	}

	m.Fields[key] = value
}

const (
	reservedKind      = "kind"
	reservedChannel   = "channel"
	reservedType      = "type"
	reservedVMID      = "vm_id"
	reservedRequestID = "request_id"
	reservedPayload   = "payload_size"
)

// Encode renders the header line (kind=... channel=... type=... vm_id=...
// request_id=... k=v ... [payload_size=N]\n) followed by the raw payload
// bytes, exactly the wire shape key=value header framing describes.
func Encode(m Message) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "%s=%s %s=%s %s=%s %s=%s %s=%d",
		reservedKind, m.Kind,
		reservedChannel, m.Channel,
		reservedType, m.Type,
		reservedVMID, m.VMID,
		reservedRequestID, m.RequestID)

	keys := m.fieldOrder
	if len(keys) == 0 && len(m.Fields) > 0 {
		keys = make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}

		sort.Strings(keys)
	}

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, m.Fields[k])
	}

	if len(m.Payload) > 0 {
		fmt.Fprintf(&b, " %s=%d", reservedPayload, len(m.Payload))
	}

	b.WriteByte('\n')

	out := []byte(b.String())
	out = append(out, m.Payload...)

	return out
}

// ReadMessage reads one header line from r, decodes it, and if the header
// declared a payload_size reads exactly that many payload bytes, never
// mixing the header and payload read phases.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Message{}, fmt.Errorf("%w: read header: %w", ioerr.ErrIPCFraming, err)
	}

	m, payloadSize, err := decodeHeader(line)
	if err != nil {
		return Message{}, err
	}

	if payloadSize > 0 {
		m.Payload = make([]byte, payloadSize)
		if _, err := readFull(r, m.Payload); err != nil {
			return Message{}, fmt.Errorf("%w: read payload: %w", ioerr.ErrIPCFraming, err)
		}
	}

	return m, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func decodeHeader(line string) (Message, uint64, error) {
	fields := strings.Fields(line)

	m := Message{}
	var payloadSize uint64
	sawKind, sawChannel := false, false

	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return Message{}, 0, fmt.Errorf("%w: malformed field %q", ioerr.ErrIPCFraming, f)
		}

		switch key {
		case reservedKind:
			k, ok := parseKind(value)
			if !ok {
				return Message{}, 0, fmt.Errorf("%w: unknown kind %q", ioerr.ErrIPCFraming, value)
			}

			m.Kind = k
			sawKind = true
		case reservedChannel:
			c, ok := parseChannel(value)
			if !ok {
				return Message{}, 0, fmt.Errorf("%w: unknown channel %q", ioerr.ErrIPCFraming, value)
			}

			m.Channel = c
			sawChannel = true
		case reservedType:
			m.Type = value
		case reservedVMID:
			m.VMID = value
		case reservedRequestID:
			id, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Message{}, 0, fmt.Errorf("%w: bad request_id %q", ioerr.ErrIPCFraming, value)
			}

			m.RequestID = id
		case reservedPayload:
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Message{}, 0, fmt.Errorf("%w: bad payload_size %q", ioerr.ErrIPCFraming, value)
			}

			payloadSize = n
		default:
			m.SetField(key, value)
		}
	}

	if !sawKind || !sawChannel {
		return Message{}, 0, fmt.Errorf("%w: missing kind or channel", ioerr.ErrIPCFraming)
	}

	return m, payloadSize, nil
}
