package ipc

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkyriazis/gokvm-mmio/netfwd"
)

const consoleFlushInterval = 16 * time.Millisecond

// VmController is the subset of vm.Vm the control channel drives. It is a
// narrow interface rather than a concrete type so ipc never needs to
// import vm (vm already owns ipc's ConsolePort as its console mirror).
type VmController interface {
	RequestStop()
	TriggerPowerButton()
	InjectConsoleBytes([]byte)
	SetNetLinkUp(bool)
	UpdatePortForwards([]netfwd.Forward) error
}

// Service is the control-plane peer a single external controller connects
// to over a Unix domain socket: one connection at a time, duplex,
// key=value-framed messages with optional binary payloads. It is the Go
// counterpart of RuntimeControlService, generalized from a Windows named
// pipe onto net.Listen("unix", ...).
type Service struct {
	vmID string

	listener net.Listener

	console *ConsolePort
	input   *InputPort
	display *DisplayPort

	vmMu sync.RWMutex
	vm   VmController

	connMu sync.Mutex
	conn   net.Conn

	sendMu sync.Mutex

	nextEventID atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewService binds socketPath and returns a Service ready for Start. Any
// stale socket file left behind by a previous run is removed first, the
// Unix-socket equivalent of CreateNamedPipe always winning a name.
func NewService(socketPath, vmID string) (*Service, error) {
	_ = removeStaleSocket(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}

	s := &Service{
		vmID:     vmID,
		listener: ln,
		done:     make(chan struct{}),
	}

	s.console = NewConsolePort(func(b byte) {
		s.vmMu.RLock()
		vm := s.vm
		s.vmMu.RUnlock()

		if vm != nil {
			vm.InjectConsoleBytes([]byte{b})
		}
	})
	s.input = NewInputPort()
	s.display = NewDisplayPort()
	s.display.SetFrameHandler(s.sendDisplayFrame)

	return s, nil
}

// ConsolePort is the sink vm.Config.ConsoleOut should mirror guest output
// into, and the source console.input requests are pushed back through.
func (s *Service) ConsolePort() *ConsolePort { return s.console }

// InputPort queues decoded input.key_event/input.pointer_event requests for
// a display backend to poll.
func (s *Service) InputPort() *InputPort { return s.input }

// DisplayPort accepts submitted frames and forwards them as display.frame
// events once a peer is connected.
func (s *Service) DisplayPort() *DisplayPort { return s.display }

// AttachVm wires the Vm the "runtime.command"/"runtime.update_network"
// handlers act on. Safe to call before or after Start.
func (s *Service) AttachVm(vm VmController) {
	s.vmMu.Lock()
	s.vm = vm
	s.vmMu.Unlock()
}

// Start accepts connections in the background until Stop is called. Only
// one connection is serviced at a time, matching the single-named-pipe-
// client original.
func (s *Service) Start() {
	s.wg.Add(1)

	go s.acceptLoop()
}

func (s *Service) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.wg.Add(1)

		go s.serveConn(conn)
	}
}

// Stop closes the listener and any active connection and waits for the
// service goroutines to exit.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		s.listener.Close()

		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})

	s.wg.Wait()

	return nil
}

// PublishState emits a runtime.state event, the IPC announcement of a VM
// lifecycle transition (running, stopped, crashed, ...).
func (s *Service) PublishState(state string, exitCode int) {
	s.send(Message{
		Kind:      KindEvent,
		Channel:   ChannelControl,
		Type:      "runtime.state",
		VMID:      s.vmID,
		RequestID: s.nextEventID.Add(1),
		Fields: map[string]string{
			"state":     state,
			"exit_code": strconv.Itoa(exitCode),
		},
	})
}

func (s *Service) sendDisplayFrame(frame DisplayFrame) {
	s.send(Message{
		Kind:      KindEvent,
		Channel:   ChannelDisplay,
		Type:      "display.frame",
		VMID:      s.vmID,
		RequestID: s.nextEventID.Add(1),
		Fields: map[string]string{
			"width":           strconv.FormatUint(uint64(frame.Width), 10),
			"height":          strconv.FormatUint(uint64(frame.Height), 10),
			"stride":          strconv.FormatUint(uint64(frame.Stride), 10),
			"format":          strconv.FormatUint(uint64(frame.Format), 10),
			"resource_width":  strconv.FormatUint(uint64(frame.ResourceWidth), 10),
			"resource_height": strconv.FormatUint(uint64(frame.ResourceHeight), 10),
			"dirty_x":         strconv.FormatUint(uint64(frame.DirtyX), 10),
			"dirty_y":         strconv.FormatUint(uint64(frame.DirtyY), 10),
		},
		Payload: frame.Pixels,
	})
}

// send serializes one message onto the active connection, if any. Silently
// drops the message when no controller is connected, matching Send's
// "no pipe, return false" behavior.
func (s *Service) send(m Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return false
	}

	_, err := conn.Write(Encode(m))

	return err == nil
}

func (s *Service) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.connMu.Lock()
	if s.conn != nil {
		// Only one controller at a time; refuse the newcomer.
		s.connMu.Unlock()

		return
	}
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()
	}()

	flushDone := make(chan struct{})

	go s.flushConsoleLoop(flushDone)
	defer close(flushDone)

	r := bufio.NewReader(conn)

	for {
		msg, err := ReadMessage(r)
		if err != nil {
			return
		}

		s.handleMessage(msg)
	}
}

func (s *Service) flushConsoleLoop(done <-chan struct{}) {
	ticker := time.NewTicker(consoleFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.flushConsoleBuf()
		}
	}
}

func (s *Service) flushConsoleBuf() {
	data := s.console.TakeBuffered()
	if len(data) == 0 {
		return
	}

	s.send(Message{
		Kind:      KindEvent,
		Channel:   ChannelConsole,
		Type:      "console.data",
		VMID:      s.vmID,
		RequestID: s.nextEventID.Add(1),
		Fields: map[string]string{
			"data_hex": hex.EncodeToString(data),
		},
	})
}

func (s *Service) handleMessage(m Message) {
	switch {
	case m.Channel == ChannelControl && m.Kind == KindRequest && m.Type == "runtime.command":
		s.handleRuntimeCommand(m)
	case m.Channel == ChannelControl && m.Kind == KindRequest && m.Type == "runtime.update_network":
		s.handleUpdateNetwork(m)
	case m.Channel == ChannelControl && m.Kind == KindRequest && m.Type == "runtime.ping":
		s.send(Message{
			Kind: KindResponse, Channel: ChannelControl, Type: "runtime.pong",
			VMID: s.vmID, RequestID: m.RequestID,
		})
	case m.Channel == ChannelConsole && m.Kind == KindRequest && m.Type == "console.input":
		if hexData, ok := m.Fields["data_hex"]; ok {
			if data, err := hex.DecodeString(hexData); err == nil {
				s.console.PushInput(data)
			}
		}
	case m.Channel == ChannelInput && m.Kind == KindRequest && m.Type == "input.key_event":
		code, _ := strconv.ParseUint(m.Fields["key_code"], 10, 32)
		pressed := m.Fields["pressed"] == "1" || m.Fields["pressed"] == "true"
		s.input.PushKeyEvent(KeyEvent{KeyCode: uint32(code), Pressed: pressed})
	case m.Channel == ChannelInput && m.Kind == KindRequest && m.Type == "input.pointer_event":
		x, _ := strconv.ParseInt(m.Fields["x"], 10, 32)
		y, _ := strconv.ParseInt(m.Fields["y"], 10, 32)
		buttons, _ := strconv.ParseUint(m.Fields["buttons"], 10, 32)
		s.input.PushPointerEvent(PointerEvent{X: int32(x), Y: int32(y), Buttons: uint32(buttons)})
	}
}

func (s *Service) handleRuntimeCommand(m Message) {
	resp := Message{
		Kind: KindResponse, Channel: ChannelControl, Type: "runtime.command.result",
		VMID: s.vmID, RequestID: m.RequestID,
		Fields: map[string]string{"ok": "true"},
	}

	cmd, ok := m.Fields["command"]
	if !ok {
		resp.Fields["ok"] = "false"
		resp.Fields["error"] = "missing command"
		s.send(resp)

		return
	}

	s.vmMu.RLock()
	vm := s.vm
	s.vmMu.RUnlock()

	switch cmd {
	case "stop":
		if vm != nil {
			vm.RequestStop()
		}
	case "shutdown":
		if vm != nil {
			vm.TriggerPowerButton()
			vm.InjectConsoleBytes([]byte("\npoweroff\n"))
		}
	case "reboot":
		if vm != nil {
			vm.RequestStop()
		}

		resp.Fields["note"] = "reboot not implemented, performed stop"
	case "start":
		resp.Fields["note"] = "runtime already started by process launch"
	default:
		resp.Fields["ok"] = "false"
		resp.Fields["error"] = "unknown command"
	}

	s.send(resp)
}

func (s *Service) handleUpdateNetwork(m Message) {
	resp := Message{
		Kind: KindResponse, Channel: ChannelControl, Type: "runtime.update_network.result",
		VMID: s.vmID, RequestID: m.RequestID,
	}

	s.vmMu.RLock()
	vm := s.vm
	s.vmMu.RUnlock()

	if vm == nil {
		resp.Fields = map[string]string{"ok": "false", "error": "vm not attached"}
		s.send(resp)

		return
	}

	if linkUp, ok := m.Fields["link_up"]; ok {
		vm.SetNetLinkUp(linkUp == "true")
	}

	if countStr, ok := m.Fields["forward_count"]; ok {
		count, err := strconv.Atoi(countStr)
		if err == nil && count >= 0 {
			forwards := make([]netfwd.Forward, 0, count)

			for i := 0; i < count; i++ {
				spec, ok := m.Fields[fmt.Sprintf("forward_%d", i)]
				if !ok {
					continue
				}

				if fw, ok := parseForward(spec); ok {
					forwards = append(forwards, fw)
				}
			}

			if err := vm.UpdatePortForwards(forwards); err != nil {
				resp.Fields = map[string]string{"ok": "false", "error": err.Error()}
				s.send(resp)

				return
			}
		}
	}

	resp.Fields = map[string]string{"ok": "true"}
	s.send(resp)
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("ipc: %s exists and is not a socket", path)
	}

	return os.Remove(path)
}

func parseForward(spec string) (netfwd.Forward, bool) {
	hostStr, guestStr, ok := strings.Cut(spec, ":")
	if !ok {
		return netfwd.Forward{}, false
	}

	hostPort, err := strconv.ParseUint(hostStr, 10, 16)
	if err != nil || hostPort == 0 {
		return netfwd.Forward{}, false
	}

	guestPort, err := strconv.ParseUint(guestStr, 10, 16)
	if err != nil || guestPort == 0 {
		return netfwd.Forward{}, false
	}

	return netfwd.Forward{HostPort: uint16(hostPort), GuestPort: uint16(guestPort)}, true
}
