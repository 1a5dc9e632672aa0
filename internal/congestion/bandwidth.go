package congestion

import (
	"time"

	"github.com/silktransport/silk/internal/protocol"
)

// Bandwidth of a connection
type Bandwidth uint64

const (
	// BitsPerSecond is 1 bit per second
	BitsPerSecond Bandwidth = 1
	// BytesPerSecond is 1 byte per second
	BytesPerSecond = 8 * BitsPerSecond
)

// BandwidthFromDelta calculates the bandwidth from a number of bytes and a time delta
func BandwidthFromDelta(bytes protocol.ByteCount, delta time.Duration) Bandwidth {
	if delta == 0 {
		return 0
	}
	return Bandwidth(bytes) * Bandwidth(time.Second/time.Nanosecond) / Bandwidth(delta/time.Nanosecond) * BytesPerSecond
}
