package silk

import (
	"net"
	"time"

	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/utils"
)

// A PaddingPolicy decides the total size of a frame before encryption. The
// transport works, if less covertly, with no padding at all.
type PaddingPolicy interface {
	// PadTo returns the total frame size (header, payload and padding) for
	// a frame of the given size. The result is clamped to
	// [frameSize, maxFrameSize].
	PadTo(frameSize, maxFrameSize int) int
}

// A TimingPolicy decides when the next packet may leave, on top of the
// congestion controller's pacing.
type TimingPolicy interface {
	// Release returns the earliest time the packet may be sent.
	// The zero time means immediately.
	Release(now time.Time) time.Time
}

// A Tracer is notified of transport events. The metrics package implements
// it on prometheus counters.
type Tracer interface {
	StartedConnection(local, remote net.Addr)
	ClosedConnection(err error)
	SentPacket(size int)
	ReceivedPacket(size int)
	LostPacket()
	DroppedPacket(reason string)
	CompletedHandshake()
	Rekeyed()
	Migrated(addr net.Addr)
}

// Config holds the connection parameters. The zero value is valid, every
// unset field gets a default.
type Config struct {
	// HandshakeTimeout is the overall deadline for establishing a
	// connection. Defaults to 10s.
	HandshakeTimeout time.Duration
	// MaxIdleTimeout closes the connection when no packet was received for
	// this long. Defaults to 30s.
	MaxIdleTimeout time.Duration
	// KeepAlive sends Pings at half the idle interval to keep the
	// connection from timing out.
	KeepAlive bool

	// InitialStreamReceiveWindow, MaxStreamReceiveWindow bound the
	// per-stream flow control window.
	InitialStreamReceiveWindow protocol.ByteCount
	MaxStreamReceiveWindow     protocol.ByteCount
	// InitialConnectionReceiveWindow, MaxConnectionReceiveWindow bound the
	// connection-level flow control window.
	InitialConnectionReceiveWindow protocol.ByteCount
	MaxConnectionReceiveWindow     protocol.ByteCount

	// MaxIncomingStreams limits concurrent peer-initiated streams.
	// Defaults to 128. A negative value disables incoming streams.
	MaxIncomingStreams int

	// RekeyInterval and RekeyPacketLimit trigger the DH ratchet, whichever
	// is reached first. Defaults: 2 minutes, 1<<20 packets.
	RekeyInterval    time.Duration
	RekeyPacketLimit uint64

	// Padding and Timing are the obfuscation hooks. Nil means no padding
	// and immediate release.
	Padding PaddingPolicy
	Timing  TimingPolicy

	Tracer Tracer
	Logger utils.Logger
}

// Clone clones a Config.
func (c *Config) Clone() *Config {
	copy := *c
	return &copy
}

// populateConfig fills in default values. It may be called with nil.
func populateConfig(config *Config) *Config {
	if config == nil {
		config = &Config{}
	}
	handshakeTimeout := protocol.DefaultHandshakeTimeout
	if config.HandshakeTimeout != 0 {
		handshakeTimeout = config.HandshakeTimeout
	}
	idleTimeout := protocol.DefaultIdleTimeout
	if config.MaxIdleTimeout != 0 {
		idleTimeout = config.MaxIdleTimeout
	}
	initialStreamWindow := config.InitialStreamReceiveWindow
	if initialStreamWindow == 0 {
		initialStreamWindow = protocol.InitialStreamReceiveWindow
	}
	maxStreamWindow := config.MaxStreamReceiveWindow
	if maxStreamWindow == 0 {
		maxStreamWindow = protocol.DefaultMaxStreamReceiveWindow
	}
	initialConnWindow := config.InitialConnectionReceiveWindow
	if initialConnWindow == 0 {
		initialConnWindow = protocol.InitialConnectionReceiveWindow
	}
	maxConnWindow := config.MaxConnectionReceiveWindow
	if maxConnWindow == 0 {
		maxConnWindow = protocol.DefaultMaxConnectionReceiveWindow
	}
	maxIncomingStreams := config.MaxIncomingStreams
	if maxIncomingStreams == 0 {
		maxIncomingStreams = protocol.DefaultMaxIncomingStreams
	} else if maxIncomingStreams < 0 {
		maxIncomingStreams = 0
	}
	rekeyInterval := config.RekeyInterval
	if rekeyInterval == 0 {
		rekeyInterval = protocol.DefaultRekeyInterval
	}
	rekeyPacketLimit := config.RekeyPacketLimit
	if rekeyPacketLimit == 0 {
		rekeyPacketLimit = protocol.DefaultRekeyPacketLimit
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.DefaultLogger
	}

	return &Config{
		HandshakeTimeout:               handshakeTimeout,
		MaxIdleTimeout:                 idleTimeout,
		KeepAlive:                      config.KeepAlive,
		InitialStreamReceiveWindow:     initialStreamWindow,
		MaxStreamReceiveWindow:         maxStreamWindow,
		InitialConnectionReceiveWindow: initialConnWindow,
		MaxConnectionReceiveWindow:     maxConnWindow,
		MaxIncomingStreams:             maxIncomingStreams,
		RekeyInterval:                  rekeyInterval,
		RekeyPacketLimit:               rekeyPacketLimit,
		Padding:                        config.Padding,
		Timing:                         config.Timing,
		Tracer:                         config.Tracer,
		Logger:                         logger,
	}
}
