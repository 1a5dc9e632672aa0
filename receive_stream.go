package silk

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/silktransport/silk/internal/flowcontrol"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

type receiveStream struct {
	mutex sync.Mutex

	streamID protocol.StreamID
	sender   streamSender

	sorter *frameSorter

	currentChunk      []byte
	readPosInChunk    int
	readOffset        protocol.ByteCount
	finalOffset       protocol.ByteCount
	hasFinalOffset    bool
	finRead           bool // set once everything up to the final offset was read
	canceledRead      bool
	resetRemotely     bool
	closedForShutdown bool
	completed         bool

	resetErr            error
	closeForShutdownErr error

	readChan     chan struct{}
	readDeadline time.Time

	flowController flowcontrol.StreamFlowController
}

var _ ReceiveStream = &receiveStream{}

func newReceiveStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
) *receiveStream {
	return &receiveStream{
		streamID:       streamID,
		sender:         sender,
		flowController: flowController,
		sorter:         newFrameSorter(),
		readChan:       make(chan struct{}, 1),
	}
}

func (s *receiveStream) StreamID() protocol.StreamID {
	return s.streamID
}

func (s *receiveStream) Read(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.finRead {
		return 0, io.EOF
	}
	if s.canceledRead {
		return 0, s.resetErr
	}

	bytesRead := 0
	for bytesRead < len(p) {
		if s.currentChunk == nil || s.readPosInChunk >= len(s.currentChunk) {
			// pop the next chunk, blocking if the stream has a hole
			for {
				if s.closedForShutdown {
					return bytesRead, s.closeForShutdownErr
				}
				if s.canceledRead || s.resetRemotely {
					return bytesRead, s.resetErr
				}
				if s.hasFinalOffset && s.readOffset >= s.finalOffset {
					s.finRead = true
					s.maybeComplete()
					return bytesRead, io.EOF
				}
				if s.sorter.HasMoreData() {
					break
				}
				if bytesRead > 0 {
					return bytesRead, nil
				}
				deadline := s.readDeadline
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return bytesRead, errDeadline
				}
				s.mutex.Unlock()
				if deadline.IsZero() {
					<-s.readChan
				} else {
					select {
					case <-s.readChan:
					case <-time.After(time.Until(deadline)):
					}
				}
				s.mutex.Lock()
			}
			_, s.currentChunk = s.sorter.Pop()
			s.readPosInChunk = 0
		}

		m := copy(p[bytesRead:], s.currentChunk[s.readPosInChunk:])
		s.readPosInChunk += m
		bytesRead += m
		s.readOffset += protocol.ByteCount(m)
		s.flowController.AddBytesRead(protocol.ByteCount(m))
		s.signalWindowUpdate()

		if s.hasFinalOffset && s.readOffset >= s.finalOffset {
			s.finRead = true
			s.maybeComplete()
			return bytesRead, io.EOF
		}
	}
	return bytesRead, nil
}

// handleDataFrame queues the frame's payload for in-order delivery.
func (s *receiveStream) handleDataFrame(f *wire.Frame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	maxOffset := f.Offset + protocol.ByteCount(len(f.Payload))
	fin := f.Flags&wire.FlagFin != 0
	if err := s.flowController.UpdateHighestReceived(maxOffset, fin); err != nil {
		return err
	}
	if s.canceledRead || s.resetRemotely {
		// data for an abandoned read side still consumed window
		s.flowController.Abandon()
		return nil
	}
	if fin {
		s.hasFinalOffset = true
		s.finalOffset = maxOffset
	}
	s.sorter.Push(f.Payload, f.Offset)
	s.signalRead()
	return nil
}

// handleStreamClose records the final offset announced by a StreamClose
// frame: the peer finished without a trailing data frame.
func (s *receiveStream) handleStreamClose(f *wire.Frame) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.flowController.UpdateHighestReceived(f.Offset, true); err != nil {
		return err
	}
	s.hasFinalOffset = true
	s.finalOffset = f.Offset
	s.signalRead()
	return nil
}

// handleStreamReset processes a reset sent by the peer.
func (s *receiveStream) handleStreamReset(code ErrorCode, finalOffset protocol.ByteCount) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.flowController.UpdateHighestReceived(finalOffset, true); err != nil {
		return err
	}
	if s.finRead || s.canceledRead || s.resetRemotely {
		return nil
	}
	s.resetRemotely = true
	s.resetErr = &StreamError{StreamID: s.streamID, ErrorCode: code, Remote: true}
	s.flowController.Abandon()
	s.signalRead()
	s.maybeComplete()
	return nil
}

func (s *receiveStream) CancelRead(code ErrorCode) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.finRead || s.canceledRead || s.resetRemotely {
		return
	}
	s.canceledRead = true
	s.resetErr = &StreamError{StreamID: s.streamID, ErrorCode: code}
	s.flowController.Abandon()
	s.sender.queueControlFrame(&wire.Frame{
		Type:     wire.FrameTypeStreamReset,
		StreamID: s.streamID,
		Payload:  wire.AppendStreamReset(nil, uint16(code)),
	})
	s.signalRead()
	s.maybeComplete()
}

func (s *receiveStream) SetReadDeadline(t time.Time) error {
	s.mutex.Lock()
	oldDeadline := s.readDeadline
	s.readDeadline = t
	s.mutex.Unlock()
	if t.Before(oldDeadline) {
		s.signalRead()
	}
	return nil
}

func (s *receiveStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closedForShutdown = true
	s.closeForShutdownErr = err
	s.mutex.Unlock()
	s.signalRead()
}

// must be called after locking the mutex
func (s *receiveStream) maybeComplete() {
	if s.completed {
		return
	}
	if s.finRead || s.canceledRead || s.resetRemotely {
		s.completed = true
		s.sender.onStreamCompleted(s.streamID)
	}
}

func (s *receiveStream) signalRead() {
	select {
	case s.readChan <- struct{}{}:
	default:
	}
}

// signalWindowUpdate tells the run loop that a WindowUpdate may be due.
func (s *receiveStream) signalWindowUpdate() {
	if offset := s.flowController.GetWindowUpdate(); offset > 0 {
		s.sender.queueControlFrame(&wire.Frame{
			Type:     wire.FrameTypeWindowUpdate,
			StreamID: s.streamID,
			Payload:  wire.AppendWindowUpdate(nil, offset),
		})
	}
}

func (s *receiveStream) String() string {
	return fmt.Sprintf("receiveStream(%d)", s.streamID)
}
