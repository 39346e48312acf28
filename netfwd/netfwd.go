// Package netfwd forwards host TCP ports to a fixed guest address over the
// same tap interface virtio-net already uses. The guest's IP is fixed by the
// kernel.Params convention (gokvm.ipv4_addr=192.168.20.1/24); forwarding
// relies on the host's own routing table having a route to it through the
// tap device (set up by whatever attaches the tap to the host network), so
// a plain net.Dial reaches the guest exactly as any other host process
// would. A userspace TCP/IP stack would duplicate what the host kernel
// already provides once the tap interface is up and addressed.
package netfwd

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// Forward is one host-port-to-guest-port mapping, decoded from a
// runtime.update_network request's "forward_i" fields ("host:guest").
type Forward struct {
	HostPort  uint16
	GuestPort uint16
}

// Manager owns the set of active host listeners implementing the current
// forwarding table. UpdateForwards replaces the whole table, closing
// listeners no longer present and opening new ones, mirroring the original
// vm_->UpdatePortForwards(forwards) call's all-at-once semantics.
type Manager struct {
	guestIP string

	mu        sync.Mutex
	listeners map[uint16]*forwardListener
}

type forwardListener struct {
	ln        net.Listener
	guestPort uint16
}

// New returns a Manager that forwards to guestIP, the fixed address the
// guest's network stack is configured with.
func New(guestIP string) *Manager {
	return &Manager{guestIP: guestIP, listeners: make(map[uint16]*forwardListener)}
}

// UpdateForwards reconciles the active listener set against forwards.
func (m *Manager) UpdateForwards(forwards []Forward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uint16]uint16, len(forwards))
	for _, f := range forwards {
		want[f.HostPort] = f.GuestPort
	}

	for hostPort, fl := range m.listeners {
		if guestPort, ok := want[hostPort]; !ok || guestPort != fl.guestPort {
			fl.ln.Close()
			delete(m.listeners, hostPort)
		}
	}

	for hostPort, guestPort := range want {
		if _, exists := m.listeners[hostPort]; exists {
			continue
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", hostPort))
		if err != nil {
			return fmt.Errorf("netfwd: listen host port %d: %w", hostPort, err)
		}

		fl := &forwardListener{ln: ln, guestPort: guestPort}
		m.listeners[hostPort] = fl

		go m.acceptLoop(fl)
	}

	return nil
}

// Close tears down every active listener.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hostPort, fl := range m.listeners {
		fl.ln.Close()
		delete(m.listeners, hostPort)
	}
}

func (m *Manager) acceptLoop(fl *forwardListener) {
	for {
		conn, err := fl.ln.Accept()
		if err != nil {
			return
		}

		go m.relay(conn, fl.guestPort)
	}
}

func (m *Manager) relay(hostConn net.Conn, guestPort uint16) {
	defer hostConn.Close()

	guestConn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", m.guestIP, guestPort))
	if err != nil {
		return
	}
	defer guestConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		io.Copy(guestConn, hostConn) //nolint:errcheck
	}()

	go func() {
		defer wg.Done()
		io.Copy(hostConn, guestConn) //nolint:errcheck
	}()

	wg.Wait()
}
