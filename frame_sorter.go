package silk

import (
	"github.com/silktransport/silk/internal/protocol"
)

type byteInterval struct {
	Start protocol.ByteCount
	End   protocol.ByteCount
}

// A frameSorter buffers out-of-order stream data and surfaces it strictly in
// offset order. Queued chunks are disjoint: each covers a subrange of an
// outstanding gap, and the gap is closed the moment the chunk is queued, so
// reordered and duplicated frames can never double-buffer a byte.
type frameSorter struct {
	queue   map[protocol.ByteCount][]byte
	readPos protocol.ByteCount
	gaps    []byteInterval
}

func newFrameSorter() *frameSorter {
	return &frameSorter{
		queue: make(map[protocol.ByteCount][]byte),
		gaps:  []byteInterval{{Start: 0, End: protocol.MaxByteCount}},
	}
}

// Push inserts data at the given offset. The data is copied. Duplicate and
// already-consumed ranges are trimmed away; fully redundant frames are
// dropped silently.
func (s *frameSorter) Push(data []byte, offset protocol.ByteCount) {
	if len(data) == 0 {
		return
	}
	start := offset
	end := offset + protocol.ByteCount(len(data))

	// cut off the part already read
	if start < s.readPos {
		if end <= s.readPos {
			return
		}
		data = data[s.readPos-start:]
		start = s.readPos
	}

	// queue the parts that fall into outstanding gaps
	queued := false
	for _, gap := range s.gaps {
		if end <= gap.Start {
			break
		}
		if gap.End <= start {
			continue
		}
		from := max(start, gap.Start)
		to := min(end, gap.End)
		chunk := make([]byte, to-from)
		copy(chunk, data[from-start:to-start])
		s.queue[from] = chunk
		queued = true
	}
	if queued {
		s.closeGaps(start, end)
	}
}

// closeGaps removes [start, end) from the gap list.
func (s *frameSorter) closeGaps(start, end protocol.ByteCount) {
	// a gap fully containing [start, end) splits in two, the slice may grow
	out := make([]byteInterval, 0, len(s.gaps)+1)
	for _, gap := range s.gaps {
		if gap.End <= start || end <= gap.Start {
			out = append(out, gap)
			continue
		}
		if gap.Start < start {
			out = append(out, byteInterval{Start: gap.Start, End: start})
		}
		if end < gap.End {
			out = append(out, byteInterval{Start: end, End: gap.End})
		}
	}
	s.gaps = out
}

// HasMoreData says if data at the read position is available.
func (s *frameSorter) HasMoreData() bool {
	_, ok := s.queue[s.readPos]
	return ok
}

// Pop returns the next contiguous chunk, or nil if the stream has a hole at
// the read position.
func (s *frameSorter) Pop() (protocol.ByteCount, []byte) {
	data, ok := s.queue[s.readPos]
	if !ok {
		return s.readPos, nil
	}
	delete(s.queue, s.readPos)
	offset := s.readPos
	s.readPos += protocol.ByteCount(len(data))
	return offset, data
}
