package receiver

import (
	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/host"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// slot is one tracker binding and its live statistics. The slot index is
// the tracker ID; the pairing coordinator is the only allocator, which is
// what keeps IDs unique among paired slots.
type slot struct {
	mac    wire.MAC
	paired bool
	active bool

	lastSeenUS     int64
	lastFrameHeard uint16

	lastSeq uint8
	haveSeq bool

	battery uint8
	flags   uint8
	rssi    int8
	quat    [4]int16

	totalPackets uint32
	lostPackets  uint32
}

// noteSequence updates the loss counters from the packet sequence number.
// Gaps wider than half the counter space are treated as retransmissions or
// reordering, not loss.
func (s *slot) noteSequence(seq uint8) {
	if s.haveSeq {
		gap := seq - s.lastSeq - 1 // mod 256
		if gap > 0 && gap < 128 {
			s.lostPackets += uint32(gap)
		}
	}
	s.lastSeq = seq
	s.haveSeq = true
	s.totalPackets++
}

// clear wipes the binding and all statistics.
func (s *slot) clear() {
	*s = slot{}
}

func (s *slot) lossRatePct() uint8 {
	seen := s.totalPackets + s.lostPackets
	if seen == 0 {
		return 0
	}
	return uint8(s.lostPackets * 100 / seen)
}

// Status publishes a consistent snapshot for the host layer.
func (e *Engine) Status() host.ReceiverStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := host.ReceiverStatus{
		State:       e.state.String(),
		FrameNumber: e.frame,
		Channel:     e.channel,
		Pairing:     e.state == StatePairing,
		PairedCount: e.pairedCount(),
		CRCErrors:   e.quality.CRCErrors(),
	}

	for id := range e.slots {
		s := &e.slots[id]
		if !s.paired {
			continue
		}
		st.Trackers = append(st.Trackers, host.TrackerStatus{
			ID:         uint8(id),
			MAC:        s.mac.String(),
			Paired:     true,
			Active:     s.active,
			Online:     s.active,
			LastSeenUS: s.lastSeenUS,
			Battery:    s.battery,
			Flags:      s.flags,
			RSSI:       s.rssi,
			Quat:       s.quat,
			Stats: host.LinkStats{
				TotalPackets: s.totalPackets,
				LostPackets:  s.lostPackets,
				LossRatePct:  s.lossRatePct(),
			},
		})
	}
	return st
}

// ChannelQuality exposes the channel table for recording and rendering.
// Scoring expires stale blacklist entries in place, so despite being a
// read-style call it takes the write lock.
func (e *Engine) ChannelQuality() (snapshot [hopping.ChannelCount]uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.hw.NowMicros()
	for ch := range snapshot {
		snapshot[ch] = e.quality.Quality(uint8(ch), now)
	}
	return snapshot
}
