package silk

import (
	"sync"

	"github.com/silktransport/silk/internal/protocol"
	"github.com/silktransport/silk/internal/wire"
)

// The framer decides which stream gets to send next. Expedited streams are
// drained before normal streams; within a priority class streams are served
// round-robin.
type framer struct {
	mutex sync.Mutex

	streamGetter func(protocol.StreamID) *stream

	activeStreams  map[protocol.StreamID]struct{}
	normalQueue    []protocol.StreamID
	expeditedQueue []protocol.StreamID

	controlMutex  sync.Mutex
	controlFrames []*wire.Frame
}

func newFramer(streamGetter func(protocol.StreamID) *stream) *framer {
	return &framer{
		streamGetter:  streamGetter,
		activeStreams: make(map[protocol.StreamID]struct{}),
	}
}

// QueueControlFrame queues a fully built control frame. Control frames are
// sent before stream data.
func (f *framer) QueueControlFrame(frame *wire.Frame) {
	f.controlMutex.Lock()
	f.controlFrames = append(f.controlFrames, frame)
	f.controlMutex.Unlock()
}

// PopControlFrame returns the next queued control frame, or nil.
func (f *framer) PopControlFrame() *wire.Frame {
	f.controlMutex.Lock()
	defer f.controlMutex.Unlock()
	if len(f.controlFrames) == 0 {
		return nil
	}
	frame := f.controlFrames[0]
	f.controlFrames = f.controlFrames[1:]
	return frame
}

// HasControlFrames says if control frames wait to be sent.
func (f *framer) HasControlFrames() bool {
	f.controlMutex.Lock()
	defer f.controlMutex.Unlock()
	return len(f.controlFrames) > 0
}

// AddActiveStream marks a stream as having data to send.
func (f *framer) AddActiveStream(id protocol.StreamID) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if _, ok := f.activeStreams[id]; ok {
		return
	}
	f.activeStreams[id] = struct{}{}
	if id.IsExpedited() {
		f.expeditedQueue = append(f.expeditedQueue, id)
	} else {
		f.normalQueue = append(f.normalQueue, id)
	}
}

// HasData says if any stream has data to send.
func (f *framer) HasData() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.activeStreams) > 0
}

// PopDataFrame asks the next active stream for a Data frame of at most
// maxPayload payload bytes. Streams that still have data afterwards are
// re-queued at the back of their class.
func (f *framer) PopDataFrame(maxPayload protocol.ByteCount) *wire.Frame {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	// one pass over the streams queued on entry; a stream blocked by flow
	// control is re-queued for the next call instead of spinning this loop
	numQueued := len(f.expeditedQueue) + len(f.normalQueue)
	for i := 0; i < numQueued; i++ {
		if len(f.expeditedQueue) == 0 && len(f.normalQueue) == 0 {
			break
		}
		var id protocol.StreamID
		expedited := len(f.expeditedQueue) > 0
		if expedited {
			id = f.expeditedQueue[0]
			f.expeditedQueue = f.expeditedQueue[1:]
		} else {
			id = f.normalQueue[0]
			f.normalQueue = f.normalQueue[1:]
		}
		delete(f.activeStreams, id)

		str := f.streamGetter(id)
		if str == nil {
			continue
		}
		frame, hasMore := str.popFrame(maxPayload)
		if hasMore {
			f.activeStreams[id] = struct{}{}
			if expedited {
				f.expeditedQueue = append(f.expeditedQueue, id)
			} else {
				f.normalQueue = append(f.normalQueue, id)
			}
		}
		if frame != nil {
			return frame
		}
	}
	return nil
}
