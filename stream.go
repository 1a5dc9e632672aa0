package silk

import (
	"sync"
	"time"

	"github.com/silktransport/silk/internal/flowcontrol"
	"github.com/silktransport/silk/internal/protocol"
)

// A stream is a bidirectional stream: a send half and a receive half sharing
// an ID. It reports completion to the connection only once both halves are
// done, so the ID is released exactly once.
type stream struct {
	*receiveStream
	*sendStream

	completedMutex         sync.Mutex
	sender                 streamSender
	receiveStreamCompleted bool
	sendStreamCompleted    bool
}

var _ Stream = &stream{}

func newStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
) *stream {
	s := &stream{sender: sender}
	senderForSendStream := &uniStreamSender{
		streamSender: sender,
		onStreamCompletedImpl: func() {
			s.completedMutex.Lock()
			s.sendStreamCompleted = true
			s.checkIfCompleted()
			s.completedMutex.Unlock()
		},
	}
	s.sendStream = newSendStream(streamID, senderForSendStream, flowController)
	senderForReceiveStream := &uniStreamSender{
		streamSender: sender,
		onStreamCompletedImpl: func() {
			s.completedMutex.Lock()
			s.receiveStreamCompleted = true
			s.checkIfCompleted()
			s.completedMutex.Unlock()
		},
	}
	s.receiveStream = newReceiveStream(streamID, senderForReceiveStream, flowController)
	return s
}

func (s *stream) StreamID() protocol.StreamID {
	// the result is same for both halves
	return s.sendStream.StreamID()
}

func (s *stream) SetDeadline(t time.Time) error {
	_ = s.SetReadDeadline(t)
	_ = s.SetWriteDeadline(t)
	return nil
}

// closeForShutdown closes the stream abruptly when the connection dies.
func (s *stream) closeForShutdown(err error) {
	s.sendStream.closeForShutdown(err)
	s.receiveStream.closeForShutdown(err)
}

// handleStreamReset resets both halves.
func (s *stream) handleStreamReset(code ErrorCode, finalOffset protocol.ByteCount) error {
	s.sendStream.handleStreamReset(code)
	return s.receiveStream.handleStreamReset(code, finalOffset)
}

// checkIfCompleted is called with the completedMutex held.
func (s *stream) checkIfCompleted() {
	if s.sendStreamCompleted && s.receiveStreamCompleted {
		s.sender.onStreamCompleted(s.StreamID())
	}
}

// uniStreamSender routes the completion callback of one half to the stream
// wrapper instead of the connection.
type uniStreamSender struct {
	streamSender
	onStreamCompletedImpl func()
}

func (s *uniStreamSender) onStreamCompleted(protocol.StreamID) {
	s.onStreamCompletedImpl()
}

var _ streamSender = &uniStreamSender{}
