// Package silk implements a secure multiplexed datagram transport: an
// identity-hiding mutual handshake, per-packet forward secrecy via a double
// ratchet, flow-controlled streams and BBR congestion control, carried over
// any best-effort datagram path.
package silk

import (
	"context"
	"net"
	"time"

	"github.com/silktransport/silk/internal/handshake"
	"github.com/silktransport/silk/internal/protocol"
)

// A StreamID identifies a stream inside a connection. Odd IDs are opened by
// the connection initiator, even IDs by the responder. IDs with the high bit
// set are expedited: their data is drained before normal streams.
type StreamID = protocol.StreamID

// A PublicKey is a peer's static identity key.
type PublicKey [32]byte

// An Identity is a local static keypair.
type Identity struct {
	kp *handshake.Keypair
}

// GenerateIdentity creates a fresh static identity.
func GenerateIdentity() (*Identity, error) {
	kp, err := handshake.NewKeypair(false)
	if err != nil {
		return nil, err
	}
	return &Identity{kp: kp}, nil
}

// NewIdentity loads an identity from a 32 byte private key.
func NewIdentity(privateKey []byte) (*Identity, error) {
	kp, err := handshake.NewKeypairFromPrivate(privateKey)
	if err != nil {
		return nil, err
	}
	return &Identity{kp: kp}, nil
}

// Public returns the identity's public key, the value a peer passes to Dial.
func (id *Identity) Public() PublicKey {
	return PublicKey(*id.kp.Public())
}

// A ReceiveStream is the read side of a stream.
type ReceiveStream interface {
	StreamID() StreamID
	// Read reads data from the stream, in offset order.
	// It blocks until data is available or the stream is closed.
	Read(p []byte) (int, error)
	// CancelRead aborts receiving. It asks the peer to stop transmitting
	// and discards everything buffered and in flight.
	CancelRead(code ErrorCode)
	SetReadDeadline(t time.Time) error
}

// A SendStream is the write side of a stream.
type SendStream interface {
	StreamID() StreamID
	// Write writes data to the stream. It blocks until all data was handed
	// to the connection, the deadline expires, or the stream is aborted.
	Write(p []byte) (int, error)
	// Close finishes the stream gracefully. The peer sees the final offset.
	Close() error
	// CancelWrite aborts sending. Buffered unsent data is discarded, the
	// peer is informed via a reset.
	CancelWrite(code ErrorCode)
	SetWriteDeadline(t time.Time) error
}

// A Stream is a bidirectional, ordered, flow-controlled byte channel.
type Stream interface {
	ReceiveStream
	SendStream
	SetDeadline(t time.Time) error
}

// ConnectionStats is a snapshot of a connection's transport state.
type ConnectionStats struct {
	SmoothedRTT       time.Duration
	MinRTT            time.Duration
	BytesInFlight     int64
	PacketsSent       uint64
	PacketsLost       uint64
	LossRate          float64
	BandwidthEstimate uint64 // bits per second
}

// A Connection is an established session with a peer.
type Connection interface {
	// AcceptStream blocks until the peer opens a stream.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenStream opens a normal-priority stream.
	OpenStream() (Stream, error)
	// OpenExpeditedStream opens a stream whose data is sent ahead of
	// normal streams.
	OpenExpeditedStream() (Stream, error)
	// GoAway tells the peer to stop opening streams. Existing streams keep
	// running and the connection stays up until closed.
	GoAway()
	// CloseWithError closes the connection with an application error.
	CloseWithError(code ErrorCode, reason string) error
	// RemotePublicKey is the peer's authenticated static identity.
	RemotePublicKey() PublicKey
	// Stats returns a snapshot of transport statistics.
	Stats() ConnectionStats
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Context is canceled when the connection is closed.
	Context() context.Context
}
