package wstduplex

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ChannelStats counts the frames and payload bytes that have crossed one
// channel. The channel workers update it atomically; read it through
// Snapshot.
type ChannelStats struct {
	framesIn  int64
	framesOut int64
	bytesIn   int64
	bytesOut  int64
}

// StatsSnapshot is a point-in-time copy of a channel's counters.
type StatsSnapshot struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}

func (s *ChannelStats) addIn(payloadLen int) {
	atomic.AddInt64(&s.framesIn, 1)
	atomic.AddInt64(&s.bytesIn, int64(payloadLen))
}

func (s *ChannelStats) addOut(payloadLen int) {
	atomic.AddInt64(&s.framesOut, 1)
	atomic.AddInt64(&s.bytesOut, int64(payloadLen))
}

// Snapshot returns a consistent-enough copy for logging and inspection.
func (s *ChannelStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesIn:  atomic.LoadInt64(&s.framesIn),
		FramesOut: atomic.LoadInt64(&s.framesOut),
		BytesIn:   atomic.LoadInt64(&s.bytesIn),
		BytesOut:  atomic.LoadInt64(&s.bytesOut),
	}
}

func (s *ChannelStats) String() string {
	ss := s.Snapshot()
	return fmt.Sprintf("in %d/%s out %d/%s",
		ss.FramesIn, sizestr.ToString(ss.BytesIn),
		ss.FramesOut, sizestr.ToString(ss.BytesOut))
}
