package protocol

import "time"

// A ByteCount in silk
type ByteCount int64

// MaxByteCount is the maximum value of a ByteCount
const MaxByteCount = ByteCount(1<<62 - 1)

const (
	// FrameHeaderSize is the size of the fixed frame header.
	FrameHeaderSize = 28
	// ConnectionIDSize is the length of a connection ID on the wire.
	ConnectionIDSize = 8
	// AEADOverhead is the size of the authentication tag.
	AEADOverhead = 16
	// PacketOverhead is the minimum outer overhead of a packet: CID plus tag.
	PacketOverhead = ConnectionIDSize + AEADOverhead
)

// MaxDatagramSize is the maximum size of a datagram handed to the I/O boundary.
const MaxDatagramSize ByteCount = 1280

// MaxFrameSize is the maximum size of a decrypted frame (header, payload and padding).
const MaxFrameSize = MaxDatagramSize - PacketOverhead

// MaxPayloadSize is the maximum payload a single frame can carry.
const MaxPayloadSize = MaxFrameSize - FrameHeaderSize

// Handshake message sizes. All three messages are fixed-size,
// the remainder after the last field is filled with random bytes.
const (
	HandshakeMsg1Size = 96
	HandshakeMsg2Size = 128
	HandshakeMsg3Size = 80
)

const (
	// InitialCongestionWindow is the initial congestion window in bytes.
	InitialCongestionWindow = 32 * MaxDatagramSize
	// MinCongestionWindow is the minimum congestion window in bytes.
	MinCongestionWindow = 4 * MaxDatagramSize
	// DefaultMaxCongestionWindow is the default maximum congestion window.
	DefaultMaxCongestionWindow = 2000 * MaxDatagramSize
)

const (
	// InitialStreamReceiveWindow is the initial stream-level flow control window.
	InitialStreamReceiveWindow ByteCount = 256 << 10
	// DefaultMaxStreamReceiveWindow is the default maximum stream-level flow control window.
	DefaultMaxStreamReceiveWindow ByteCount = 4 << 20
	// InitialConnectionReceiveWindow is the initial connection-level flow control window.
	InitialConnectionReceiveWindow ByteCount = 512 << 10
	// DefaultMaxConnectionReceiveWindow is the default maximum connection-level flow control window.
	DefaultMaxConnectionReceiveWindow ByteCount = 12 << 20
)

// WindowUpdateThreshold is the fraction of the receive window that has to be
// consumed before a window update is sent.
const WindowUpdateThreshold = 0.25

// ConnectionFlowControlMultiplier determines how much larger the connection
// flow control window needs to be relative to any single stream's window.
const ConnectionFlowControlMultiplier = 1.5

// DefaultMaxIncomingStreams is the default maximum number of peer-initiated streams.
const DefaultMaxIncomingStreams = 128

// MaxAckRanges is the maximum number of ack/gap range pairs carried by a
// single ACK frame. Older ranges fall out of the tracker and are
// re-advertised, if still relevant, by later ACKs.
const MaxAckRanges = 32

// MaxAckDelay is the maximum time an acknowledgment may be delayed waiting
// for more packets to bundle into the same ACK frame.
const MaxAckDelay = 25 * time.Millisecond

// PacketReorderingThreshold declares a packet lost when a packet sent this
// many sequence numbers later has been acknowledged.
const PacketReorderingThreshold = 3

// TimeLossThresholdNumerator / TimeLossThresholdDenominator express the time
// threshold for loss declaration as a fraction of the smoothed RTT (3/2).
const (
	TimeLossThresholdNumerator   = 3
	TimeLossThresholdDenominator = 2
)

// MaxConsecutiveProbeTimeouts is the number of unanswered probe timeouts
// after which a connection is declared dead.
const MaxConsecutiveProbeTimeouts = 5

const (
	// DefaultIdleTimeout is the idle timeout after which a connection is closed.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultRekeyInterval is the maximum time between DH ratchets.
	DefaultRekeyInterval = 2 * time.Minute
	// DefaultRekeyPacketLimit is the maximum number of packets sent between DH ratchets.
	DefaultRekeyPacketLimit = 1 << 20
	// MigrationChallengeTimeout is how long a path challenge stays outstanding.
	MigrationChallengeTimeout = 3 * time.Second
	// DefaultHandshakeTimeout is the overall handshake deadline.
	DefaultHandshakeTimeout = 10 * time.Second
	// HandshakeRetransmitTimeout is how long an endpoint waits for the next
	// handshake message before resending its last one. Doubles per resend.
	HandshakeRetransmitTimeout = 500 * time.Millisecond
)

// MaxSkippedMessageKeys bounds the receive-side cache of message keys for
// packets that arrive out of order within one ratchet epoch.
const MaxSkippedMessageKeys = 64

// PathChallengeSize is the length of the random value in a path challenge.
const PathChallengeSize = 8

// MinPacingDelay is the minimum duration the pacer delays a packet for.
const MinPacingDelay = time.Millisecond

// TimerGranularity is the granularity of cooperative deadline checks.
const TimerGranularity = time.Millisecond
