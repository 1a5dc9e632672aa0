// Package flowcontrol implements stream-level and connection-level flow control.
package flowcontrol

import "github.com/silktransport/silk/internal/protocol"

type flowController interface {
	// for sending
	SendWindowSize() protocol.ByteCount
	UpdateSendWindow(protocol.ByteCount) (updated bool)
	AddBytesSent(protocol.ByteCount)
	// for receiving
	AddBytesRead(protocol.ByteCount)
	GetWindowUpdate() protocol.ByteCount // returns 0 if no update is necessary
	IsNewlyBlocked() (bool, protocol.ByteCount)
}

// A StreamFlowController is a flow controller for a stream.
type StreamFlowController interface {
	flowController
	// UpdateHighestReceived is called when a frame with a new highest offset
	// arrives. It errors when the peer violates the flow control window.
	UpdateHighestReceived(offset protocol.ByteCount, final bool) error
	// Abandon is called when reading from the stream stops (reset or close).
	// It releases whatever the stream still counted against the connection window.
	Abandon()
}

// The ConnectionFlowController is the flow controller for the connection.
type ConnectionFlowController interface {
	flowController
	IncrementHighestReceived(protocol.ByteCount) error
}
