package silk

import (
	"fmt"
	"sync"
	"time"

	"github.com/silktransport/silk/internal/flowcontrol"
	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

// A streamSender is the stream's handle to the connection's run loop.
type streamSender interface {
	// onHasStreamData registers the stream with the framer and wakes the
	// run loop.
	onHasStreamData(id protocol.StreamID)
	// queueControlFrame queues a fully built control frame and wakes the
	// run loop.
	queueControlFrame(f *wire.Frame)
	onStreamCompleted(id protocol.StreamID)
}

type sendStream struct {
	mutex sync.Mutex

	streamID protocol.StreamID
	sender   streamSender

	writeOffset protocol.ByteCount

	cancelWriteErr      error
	closeForShutdownErr error

	closedForShutdown bool // set when closeForShutdown() is called
	finishedWriting   bool // set once Close() is called
	canceledWrite     bool // set when CancelWrite() is called, or a StreamReset frame arrives
	finSent           bool // set when a frame with the FIN flag was sent
	synSent           bool // set when the first frame was sent
	completed         bool // reported to the sender

	dataForWriting []byte
	writeChan      chan struct{}
	writeDeadline  time.Time

	flowController flowcontrol.StreamFlowController
}

var _ SendStream = &sendStream{}

func newSendStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
) *sendStream {
	return &sendStream{
		streamID:       streamID,
		sender:         sender,
		flowController: flowController,
		writeChan:      make(chan struct{}, 1),
	}
}

func (s *sendStream) StreamID() protocol.StreamID {
	return s.streamID
}

func (s *sendStream) Write(p []byte) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.finishedWriting {
		return 0, fmt.Errorf("write on closed stream %d", s.streamID)
	}
	if s.canceledWrite {
		return 0, s.cancelWriteErr
	}
	if s.closeForShutdownErr != nil {
		return 0, s.closeForShutdownErr
	}
	if !s.writeDeadline.IsZero() && !time.Now().Before(s.writeDeadline) {
		return 0, errDeadline
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.dataForWriting = make([]byte, len(p))
	copy(s.dataForWriting, p)
	s.sender.onHasStreamData(s.streamID)

	var bytesWritten int
	var err error
	for {
		bytesWritten = len(p) - len(s.dataForWriting)
		deadline := s.writeDeadline
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			s.dataForWriting = nil
			err = errDeadline
			break
		}
		if s.dataForWriting == nil || s.canceledWrite || s.closedForShutdown {
			break
		}

		s.mutex.Unlock()
		if deadline.IsZero() {
			<-s.writeChan
		} else {
			select {
			case <-s.writeChan:
			case <-time.After(time.Until(deadline)):
			}
		}
		s.mutex.Lock()
	}

	if s.closeForShutdownErr != nil {
		err = s.closeForShutdownErr
	} else if s.cancelWriteErr != nil {
		err = s.cancelWriteErr
	}
	return bytesWritten, err
}

// popFrame returns the next Data frame to send on this stream, limited to
// maxPayload payload bytes, and says if the stream has more data queued.
// It returns nil if nothing can be sent right now.
func (s *sendStream) popFrame(maxPayload protocol.ByteCount) (*wire.Frame, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closeForShutdownErr != nil || s.canceledWrite {
		return nil, false
	}

	data, fin := s.getDataForWriting(maxPayload)
	if len(data) == 0 && !fin {
		if isBlocked, offset := s.flowController.IsNewlyBlocked(); isBlocked {
			s.sender.queueControlFrame(&wire.Frame{
				Type:     wire.FrameTypeBlocked,
				StreamID: s.streamID,
				Payload:  wire.AppendBlocked(nil, offset),
			})
		}
		return nil, s.dataForWriting != nil
	}

	f := &wire.Frame{
		Type:     wire.FrameTypeData,
		StreamID: s.streamID,
		Offset:   s.writeOffset - protocol.ByteCount(len(data)),
		Payload:  data,
	}
	if !s.synSent {
		f.Flags |= wire.FlagSyn
		s.synSent = true
	}
	if s.streamID.IsExpedited() {
		f.Flags |= wire.FlagPriority
	}
	if fin {
		f.Flags |= wire.FlagFin
		s.finSent = true
	}
	s.maybeComplete()
	return f, s.dataForWriting != nil
}

func (s *sendStream) getDataForWriting(maxBytes protocol.ByteCount) ([]byte, bool /* should send FIN */) {
	if s.dataForWriting == nil {
		return nil, s.finishedWriting && !s.finSent
	}

	maxBytes = min(maxBytes, s.flowController.SendWindowSize())
	if maxBytes == 0 {
		return nil, false
	}

	var ret []byte
	if protocol.ByteCount(len(s.dataForWriting)) > maxBytes {
		ret = s.dataForWriting[:maxBytes]
		s.dataForWriting = s.dataForWriting[maxBytes:]
	} else {
		ret = s.dataForWriting
		s.dataForWriting = nil
		s.signalWrite()
	}
	s.writeOffset += protocol.ByteCount(len(ret))
	s.flowController.AddBytesSent(protocol.ByteCount(len(ret)))
	return ret, s.finishedWriting && s.dataForWriting == nil && !s.finSent
}

func (s *sendStream) hasData() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.dataForWriting != nil || (s.finishedWriting && !s.finSent)
}

func (s *sendStream) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.canceledWrite {
		return fmt.Errorf("close called for canceled stream %d", s.streamID)
	}
	s.finishedWriting = true
	s.sender.onHasStreamData(s.streamID)
	return nil
}

func (s *sendStream) CancelWrite(code ErrorCode) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cancelWriteImpl(code, &StreamError{StreamID: s.streamID, ErrorCode: code})
}

// must be called after locking the mutex
func (s *sendStream) cancelWriteImpl(code ErrorCode, writeErr error) {
	if s.canceledWrite || s.finSent {
		return
	}
	s.canceledWrite = true
	s.cancelWriteErr = writeErr
	s.dataForWriting = nil
	s.signalWrite()
	s.sender.queueControlFrame(&wire.Frame{
		Type:     wire.FrameTypeStreamReset,
		StreamID: s.streamID,
		Offset:   s.writeOffset,
		Payload:  wire.AppendStreamReset(nil, uint16(code)),
	})
	s.maybeComplete()
}

// handleStreamReset processes a reset sent by the peer. Both directions of
// the stream die; the write side stops transmitting.
func (s *sendStream) handleStreamReset(code ErrorCode) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.canceledWrite || s.finSent {
		return
	}
	s.canceledWrite = true
	s.cancelWriteErr = &StreamError{StreamID: s.streamID, ErrorCode: code, Remote: true}
	s.dataForWriting = nil
	s.signalWrite()
	s.maybeComplete()
}

func (s *sendStream) updateSendWindow(offset protocol.ByteCount) {
	updated := s.flowController.UpdateSendWindow(offset)
	if updated && s.hasData() {
		s.sender.onHasStreamData(s.streamID)
	}
}

func (s *sendStream) SetWriteDeadline(t time.Time) error {
	s.mutex.Lock()
	oldDeadline := s.writeDeadline
	s.writeDeadline = t
	s.mutex.Unlock()
	if t.Before(oldDeadline) {
		s.signalWrite()
	}
	return nil
}

// closeForShutdown closes the stream abruptly when the connection dies.
// Write unblocks immediately; the peer is not informed.
func (s *sendStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closedForShutdown = true
	s.closeForShutdownErr = err
	s.mutex.Unlock()
	s.signalWrite()
}

// must be called after locking the mutex
func (s *sendStream) maybeComplete() {
	if s.completed {
		return
	}
	if s.finSent || s.canceledWrite {
		s.completed = true
		s.sender.onStreamCompleted(s.streamID)
	}
}

// signalWrite performs a non-blocking send on the writeChan
func (s *sendStream) signalWrite() {
	select {
	case s.writeChan <- struct{}{}:
	default:
	}
}
