package silk

import (
	"context"
	"sync"

	"github.com/silktransport/silk/internal/protocol"
)

type newStreamFunc func(protocol.StreamID) *stream

type streamsMap struct {
	mutex sync.Mutex

	perspective protocol.Perspective

	streams map[protocol.StreamID]*stream

	nextOutgoingStream          protocol.StreamID
	nextOutgoingExpeditedStream protocol.StreamID
	highestPeerStream           protocol.StreamID
	highestPeerExpeditedStream  protocol.StreamID

	numIncomingStreams int
	maxIncomingStreams int

	// goAwayStream is set once the peer sent a GoAway; streams above it are
	// refused.
	goAwayReceived bool
	goAwayStream   protocol.StreamID

	acceptQueue []*stream
	acceptCond  *sync.Cond

	closeErr  error
	newStream newStreamFunc
}

func newStreamsMap(newStream newStreamFunc, pers protocol.Perspective, maxIncomingStreams int) *streamsMap {
	m := &streamsMap{
		perspective:                 pers,
		streams:                     make(map[protocol.StreamID]*stream),
		newStream:                   newStream,
		maxIncomingStreams:          maxIncomingStreams,
		nextOutgoingStream:          protocol.FirstOutgoingStreamID(pers),
		nextOutgoingExpeditedStream: protocol.FirstOutgoingStreamID(pers) | protocol.ExpeditedStreamFlag,
	}
	m.acceptCond = sync.NewCond(&m.mutex)
	return m
}

// OpenStream opens the next outgoing stream.
func (m *streamsMap) OpenStream(expedited bool) (*stream, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closeErr != nil {
		return nil, m.closeErr
	}
	if m.goAwayReceived {
		return nil, ErrServerGone
	}

	var id protocol.StreamID
	if expedited {
		id = m.nextOutgoingExpeditedStream
		next := id + 2
		if next&protocol.ExpeditedStreamFlag == 0 {
			return nil, ErrTooManyOpenStreams
		}
		m.nextOutgoingExpeditedStream = next
	} else {
		id = m.nextOutgoingStream
		next := id + 2
		if next&protocol.ExpeditedStreamFlag != 0 {
			return nil, ErrTooManyOpenStreams
		}
		m.nextOutgoingStream = next
	}

	str := m.newStream(id)
	m.streams[id] = str
	return str, nil
}

// AcceptStream blocks until the peer opened a stream.
func (m *streamsMap) AcceptStream(ctx context.Context) (*stream, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.acceptCond.Broadcast()
		case <-done:
		}
	}()

	for {
		if m.closeErr != nil {
			return nil, m.closeErr
		}
		if len(m.acceptQueue) > 0 {
			str := m.acceptQueue[0]
			m.acceptQueue = m.acceptQueue[1:]
			return str, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.acceptCond.Wait()
	}
}

// GetOrOpenStream returns the stream with the given ID, opening it if the
// peer may legitimately introduce it. Returns nil for streams that already
// completed: late frames for them are dropped by the caller.
func (m *streamsMap) GetOrOpenStream(id protocol.StreamID) (*stream, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if str, ok := m.streams[id]; ok {
		return str, nil
	}
	if id.InitiatedBy() == m.perspective {
		// an outgoing stream that no longer exists: already completed
		return nil, nil
	}
	highest := &m.highestPeerStream
	next := protocol.FirstOutgoingStreamID(m.perspective.Opposite())
	if id.IsExpedited() {
		highest = &m.highestPeerExpeditedStream
		next |= protocol.ExpeditedStreamFlag
	}
	if *highest != 0 {
		if id.StreamNum() <= highest.StreamNum() {
			// every peer stream up to the highest was opened once, so this
			// is a reordered frame for a completed stream
			return nil, nil
		}
		next = *highest + 2
	}
	if m.closeErr != nil {
		return nil, m.closeErr
	}

	// Open every peer stream up to id. The peer opens streams in order; a
	// lower announcement that has not arrived yet was lost or reordered,
	// and refusing it here would lose that stream for good.
	numNewStreams := int(id.StreamNum()-next.StreamNum()) + 1
	if m.numIncomingStreams+numNewStreams > m.maxIncomingStreams {
		return nil, &TransportError{ErrorCode: StreamLimitError, Reason: "too many open streams"}
	}
	var str *stream
	for n := next; ; n += 2 {
		str = m.newStream(n)
		m.streams[n] = str
		m.numIncomingStreams++
		m.acceptQueue = append(m.acceptQueue, str)
		if n == id {
			break
		}
	}
	*highest = id
	m.acceptCond.Broadcast()
	return str, nil
}

// DeleteStream releases a stream whose both halves completed.
func (m *streamsMap) DeleteStream(id protocol.StreamID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.streams[id]; !ok {
		return
	}
	delete(m.streams, id)
	if id.InitiatedBy() != m.perspective {
		m.numIncomingStreams--
	}
}

// HighestIncomingStream returns the highest peer-opened stream ID, the value
// an outgoing GoAway announces.
func (m *streamsMap) HighestIncomingStream() protocol.StreamID {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.highestPeerExpeditedStream.StreamNum() > m.highestPeerStream.StreamNum() {
		return m.highestPeerExpeditedStream
	}
	return m.highestPeerStream
}

// HandleGoAway refuses opening streams beyond the announced last stream.
func (m *streamsMap) HandleGoAway(lastStream protocol.StreamID) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.goAwayReceived = true
	m.goAwayStream = lastStream
}

// CloseWithError aborts every stream and unblocks all accepts.
func (m *streamsMap) CloseWithError(err error) {
	m.mutex.Lock()
	m.closeErr = err
	for _, str := range m.streams {
		str.closeForShutdown(err)
	}
	m.mutex.Unlock()
	m.acceptCond.Broadcast()
}

// Range calls f for every open stream.
func (m *streamsMap) Range(f func(*stream)) {
	m.mutex.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, str := range m.streams {
		streams = append(streams, str)
	}
	m.mutex.Unlock()
	for _, str := range streams {
		f(str)
	}
}
