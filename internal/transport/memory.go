package transport

import (
	"context"
	"fmt"
	"sync"
)

// Network is a process-local registry of listeners, letting tests build
// multi-device topologies without sockets. Each simulated device takes
// its own Transport from Node.
type Network struct {
	mu        sync.Mutex
	listeners map[string]func(Conn)
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[string]func(Conn))}
}

// Node returns the transport for one simulated device.
func (n *Network) Node(deviceID string) *Memory {
	return &Memory{
		net:       n,
		deviceID:  deviceID,
		reconnect: make(chan struct{}, 1),
	}
}

// Memory implements Transport against a shared in-memory Network.
type Memory struct {
	net       *Network
	deviceID  string
	reconnect chan struct{}
}

var _ Transport = (*Memory)(nil)

// Dial connects to the device listening under remoteID. A channel-backed
// duplex pipe is handed to both ends.
func (m *Memory) Dial(_ context.Context, remoteID string) (Conn, error) {
	m.net.mu.Lock()
	accept, ok := m.net.listeners[remoteID]
	m.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: no listener for %q", remoteID)
	}
	local, remote := newPipe(remoteID, m.deviceID)
	go accept(remote)
	return local, nil
}

// Listen registers localID in the shared network. Registering an id
// that is already taken fails, mirroring an identifier collision at the
// rendezvous layer.
func (m *Memory) Listen(localID string, accept func(Conn)) (func(), error) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if _, taken := m.net.listeners[localID]; taken {
		return nil, fmt.Errorf("memory transport: id %q already registered", localID)
	}
	m.net.listeners[localID] = accept
	return func() {
		m.net.mu.Lock()
		defer m.net.mu.Unlock()
		if m.net.listeners[localID] != nil {
			delete(m.net.listeners, localID)
		}
	}, nil
}

// Reconnected returns the pulse channel fed by SignalReconnect.
func (m *Memory) Reconnected() <-chan struct{} {
	return m.reconnect
}

// SignalReconnect simulates the connectivity layer re-registering the
// local identity. Tests call it to trigger a joiner redial.
func (m *Memory) SignalReconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// pipeConn is one end of an in-memory duplex pipe. Closing either end
// closes both.
type pipeConn struct {
	remoteID string
	send     chan Payload
	recv     chan Payload
	closed   chan struct{}
	once     *sync.Once
}

// pipeBuffer bounds in-flight frames per direction; a stalled reader
// eventually backpressures the sender instead of growing without bound.
const pipeBuffer = 64

func newPipe(dialedID, dialerID string) (local, remote Conn) {
	aToB := make(chan Payload, pipeBuffer)
	bToA := make(chan Payload, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	local = &pipeConn{remoteID: dialedID, send: aToB, recv: bToA, closed: closed, once: once}
	remote = &pipeConn{remoteID: dialerID, send: bToA, recv: aToB, closed: closed, once: once}
	return local, remote
}

func (p *pipeConn) Send(payload Payload) error {
	select {
	case <-p.closed:
		return ErrClosed
	case p.send <- payload:
		return nil
	}
}

func (p *pipeConn) Recv() (Payload, error) {
	select {
	case <-p.closed:
		// Drain anything already buffered before reporting closed, so a
		// close racing the final frames does not drop them.
		select {
		case payload := <-p.recv:
			return payload, nil
		default:
			return Payload{}, ErrClosed
		}
	case payload := <-p.recv:
		return payload, nil
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) RemoteID() string { return p.remoteID }
