package silk

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/silktransport/silk/internal/handshake"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/utils"
)

// ErrTransportClosed is returned for operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// A Transport multiplexes connections over a single net.PacketConn. One
// transport can dial out and accept in at the same time.
type Transport struct {
	conn     net.PacketConn
	identity *Identity
	config   *Config
	logger   utils.Logger
	tracer   Tracer

	// connections is keyed by the stable CID prefix.
	connections sync.Map

	// pendingHandshakes is keyed by remote address string. Handshake
	// datagrams carry the reserved all-ones CID and are routed by address
	// until the session CID exists.
	pendingHandshakes sync.Map

	mutex    sync.Mutex
	listener *Listener
	closed   bool
	closeErr error
}

// NewTransport wraps a packet connection. The identity is this endpoint's
// static key; it is required for both dialing and listening.
func NewTransport(conn net.PacketConn, identity *Identity, config *Config) *Transport {
	config = populateConfig(config)
	t := &Transport{
		conn:     conn,
		identity: identity,
		config:   config,
		logger:   config.Logger,
		tracer:   config.Tracer,
	}
	go t.readLoop()
	return t
}

// Dial establishes a connection to a peer with a known static key.
func (t *Transport) Dial(ctx context.Context, remoteAddr net.Addr, remoteKey PublicKey) (Connection, error) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil, ErrTransportClosed
	}
	t.mutex.Unlock()

	hs := handshake.NewInitiator(t.identity.kp, handshake.PublicKey(remoteKey))
	c := newConnection(t, t, remoteAddr, protocol.PerspectiveInitiator, hs, t.config)
	t.pendingHandshakes.Store(remoteAddr.String(), c)
	go c.run()

	select {
	case <-c.handshakeComplete:
		if c.handshakeErr != nil {
			return nil, c.handshakeErr
		}
		return c, nil
	case <-ctx.Done():
		c.destroy(ctx.Err())
		return nil, ctx.Err()
	}
}

// Listen starts accepting incoming connections. Only one listener per
// transport.
func (t *Transport) Listen() (*Listener, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.listener != nil {
		return nil, errors.New("transport is already listening")
	}
	t.listener = &Listener{
		transport: t,
		conns:     make(chan *connection, 16),
		closed:    make(chan struct{}),
	}
	return t.listener, nil
}

// Close shuts the transport down. Established connections are destroyed
// without notifying their peers; close them individually first for a
// graceful shutdown.
func (t *Transport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.closeErr = ErrTransportClosed
	listener := t.listener
	t.mutex.Unlock()

	if listener != nil {
		listener.close()
	}
	t.connections.Range(func(_, value any) bool {
		value.(*connection).destroy(ErrTransportClosed)
		return true
	})
	t.pendingHandshakes.Range(func(_, value any) bool {
		value.(*connection).destroy(ErrTransportClosed)
		return true
	})
	return t.conn.Close()
}

// readLoop owns the socket's receive side and demuxes datagrams onto
// connections.
func (t *Transport) readLoop() {
	for {
		buf := make([]byte, protocol.MaxDatagramSize)
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			t.mutex.Lock()
			closed := t.closed
			t.mutex.Unlock()
			if !closed {
				t.logger.Errorf("read loop: %s", err)
			}
			return
		}
		t.handleDatagram(buf[:n], addr)
	}
}

func (t *Transport) handleDatagram(data []byte, addr net.Addr) {
	if len(data) < protocol.ConnectionIDSize {
		t.dropDatagram("datagram too small")
		return
	}
	cid, err := protocol.ParseConnectionID(data)
	if err != nil {
		t.dropDatagram("malformed connection id")
		return
	}

	if cid == protocol.HandshakeConnectionID {
		t.handleHandshakeDatagram(data, addr)
		return
	}

	// Packets for unknown sessions are indistinguishable from noise and are
	// discarded without a response.
	v, ok := t.connections.Load(cid.Prefix())
	if !ok {
		t.dropDatagram("unknown connection")
		return
	}
	v.(*connection).handlePacket(receivedPacket{
		data:       data,
		remoteAddr: addr,
		rcvTime:    time.Now(),
	})
}

func (t *Transport) handleHandshakeDatagram(data []byte, addr net.Addr) {
	if v, ok := t.pendingHandshakes.Load(addr.String()); ok {
		v.(*connection).handleHandshakeMessage(data)
		return
	}

	// A first message from an unknown address starts a responder handshake,
	// if someone is listening.
	if len(data) != protocol.HandshakeMsg1Size {
		t.dropDatagram("unexpected handshake message")
		return
	}
	t.mutex.Lock()
	listener := t.listener
	closed := t.closed
	t.mutex.Unlock()
	if listener == nil || closed {
		t.dropDatagram("no listener")
		return
	}

	hs := handshake.NewResponder(t.identity.kp)
	c := newConnection(t, t, addr, protocol.PerspectiveResponder, hs, t.config)
	t.pendingHandshakes.Store(addr.String(), c)
	go c.run()
	go func() {
		<-c.handshakeComplete
		if c.handshakeErr == nil {
			listener.deliver(c)
		}
	}()
	c.handleHandshakeMessage(data)
}

func (t *Transport) dropDatagram(reason string) {
	if t.logger.Debug() {
		t.logger.Debugf("dropping datagram: %s", reason)
	}
	if t.tracer != nil {
		t.tracer.DroppedPacket(reason)
	}
}

// --- sendConn ---

func (t *Transport) WriteTo(b []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(b, addr)
	return err
}

func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// --- connectionRegistry ---

func (t *Transport) addConnection(c *connection) {
	t.connections.Store(c.cid.Prefix(), c)
}

func (t *Transport) removeConnection(c *connection) {
	t.connections.Delete(c.cid.Prefix())
}

func (t *Transport) removePendingHandshake(addr net.Addr) {
	t.pendingHandshakes.Delete(addr.String())
}

// A Listener accepts incoming connections.
type Listener struct {
	transport *Transport
	conns     chan *connection
	closeOnce sync.Once
	closed    chan struct{}
}

// Accept blocks until a peer completes a handshake or the context expires.
func (l *Listener) Accept(ctx context.Context) (Connection, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the local address the listener receives on.
func (l *Listener) Addr() net.Addr {
	return l.transport.conn.LocalAddr()
}

// Close stops accepting. The transport and established connections stay up.
func (l *Listener) Close() error {
	l.close()
	l.transport.mutex.Lock()
	l.transport.listener = nil
	l.transport.mutex.Unlock()
	return nil
}

func (l *Listener) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *Listener) deliver(c *connection) {
	select {
	case l.conns <- c:
	case <-l.closed:
		c.destroy(ErrTransportClosed)
	}
}

// Dial is a convenience that builds a one-off transport around conn and
// dials remoteAddr.
func Dial(ctx context.Context, conn net.PacketConn, remoteAddr net.Addr, remoteKey PublicKey, identity *Identity, config *Config) (Connection, error) {
	t := NewTransport(conn, identity, config)
	return t.Dial(ctx, remoteAddr, remoteKey)
}

// Listen is a convenience that builds a transport around conn and starts
// listening on it.
func Listen(conn net.PacketConn, identity *Identity, config *Config) (*Listener, error) {
	t := NewTransport(conn, identity, config)
	return t.Listen()
}
