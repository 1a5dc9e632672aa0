package flowcontrol

import (
	"errors"
	"fmt"

	"github.com/silktransport/silk/internal/congestion"
	"github.com/silktransport/silk/internal/protocol"
)

// ErrFlowControlViolation is returned when the peer sends beyond the
// advertised window.
var ErrFlowControlViolation = errors.New("flow control violation")

type streamFlowController struct {
	baseFlowController

	streamID protocol.StreamID

	connection ConnectionFlowController

	receivedFinalOffset bool
	finalOffset         protocol.ByteCount
}

var _ StreamFlowController = &streamFlowController{}

// NewStreamFlowController gets a new flow controller for a stream.
func NewStreamFlowController(
	streamID protocol.StreamID,
	cfc ConnectionFlowController,
	receiveWindow protocol.ByteCount,
	maxReceiveWindow protocol.ByteCount,
	initialSendWindow protocol.ByteCount,
	rttStats *congestion.RTTStats,
) StreamFlowController {
	return &streamFlowController{
		streamID:   streamID,
		connection: cfc,
		baseFlowController: baseFlowController{
			rttStats:             rttStats,
			receiveWindow:        receiveWindow,
			receiveWindowSize:    receiveWindow,
			maxReceiveWindowSize: maxReceiveWindow,
			sendWindow:           initialSendWindow,
		},
	}
}

// UpdateHighestReceived updates the highestReceived value, if the offset is
// higher. It checks both the stream window and, for the growth of the
// highest offset, the connection window.
func (c *streamFlowController) UpdateHighestReceived(offset protocol.ByteCount, final bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// If the final offset for this stream is already known, check for consistency.
	if c.receivedFinalOffset {
		// If the final offset was already received, a duplicate must not change it.
		if final && offset != c.finalOffset {
			return fmt.Errorf("%w: inconsistent final offset for stream %d", ErrFlowControlViolation, c.streamID)
		}
		if offset > c.finalOffset {
			return fmt.Errorf("%w: data past final offset for stream %d", ErrFlowControlViolation, c.streamID)
		}
	}
	if final {
		c.receivedFinalOffset = true
		c.finalOffset = offset
	}

	if offset == c.highestReceived {
		return nil
	}
	// A higher offset was received before. This can happen due to reordering.
	if offset <= c.highestReceived {
		return nil
	}

	increment := offset - c.highestReceived
	c.highestReceived = offset
	if c.checkFlowControlViolation() {
		return fmt.Errorf("%w: received %d bytes on stream %d, window is %d", ErrFlowControlViolation, offset, c.streamID, c.receiveWindow)
	}
	return c.connection.IncrementHighestReceived(increment)
}

func (c *streamFlowController) AddBytesRead(n protocol.ByteCount) {
	c.baseFlowController.AddBytesRead(n)
	c.connection.AddBytesRead(n)
}

// Abandon is called when the stream is reset or the read side closes.
// Everything not yet read is released to the connection window.
func (c *streamFlowController) Abandon() {
	c.mutex.Lock()
	unread := c.highestReceived - c.bytesRead
	c.mutex.Unlock()
	if unread > 0 {
		c.connection.AddBytesRead(unread)
	}
}

func (c *streamFlowController) AddBytesSent(n protocol.ByteCount) {
	c.baseFlowController.AddBytesSent(n)
	c.connection.AddBytesSent(n)
}

// SendWindowSize returns the stream's send window, capped by the connection window.
func (c *streamFlowController) SendWindowSize() protocol.ByteCount {
	return min(c.baseFlowController.sendWindowSize(), c.connection.SendWindowSize())
}

func (c *streamFlowController) GetWindowUpdate() protocol.ByteCount {
	// If the final offset was already received, no further updates are needed.
	if c.receivedFinalOffset {
		return 0
	}

	c.mutex.Lock()
	oldWindowSize := c.receiveWindowSize
	offset := c.getWindowUpdate()
	if c.receiveWindowSize > oldWindowSize {
		// the window size was auto-tuned; also grow the connection window
		if cfc, ok := c.connection.(*connectionFlowController); ok {
			cfc.EnsureMinimumWindowSize(protocol.ByteCount(float64(c.receiveWindowSize) * protocol.ConnectionFlowControlMultiplier))
		}
	}
	c.mutex.Unlock()
	return offset
}
