package hopping

import "github.com/mingyuefenglou/slimerf/internal/wire"

// lfsrTaps is the 16-bit Fibonacci LFSR feedback mask (taps 16,14,13,11).
const lfsrTaps = 0xB400

// Seed combines the shared network key with the frame counter. Receiver and
// tracker must feed identical seeds to stay on the same channels.
func Seed(networkKey uint32, frameNumber uint16) uint32 {
	return networkKey ^ uint32(frameNumber)
}

// HopSequence derives the next 8-channel hop sequence from seed, sampling
// only non-blacklisted channels and never the pairing channel. It is a pure
// function of (seed, blacklist state): given the same inputs both ends of
// the link produce the same sequence.
func (q *QualityTracker) HopSequence(seed uint32, nowUS int64) [wire.HopSequenceLen]uint8 {
	eligible := make([]uint8, 0, ChannelCount)
	for ch := uint8(0); ch < ChannelCount; ch++ {
		if ch == PairingChannel {
			continue
		}
		if !q.Blacklisted(ch, nowUS) {
			eligible = append(eligible, ch)
		}
	}

	if len(eligible) < MinEligible {
		q.ResetBlacklist()
		eligible = eligible[:0]
		for ch := uint8(0); ch < ChannelCount; ch++ {
			if ch != PairingChannel {
				eligible = append(eligible, ch)
			}
		}
	}

	lfsr := uint16(seed) ^ uint16(seed>>16)
	if lfsr == 0 {
		lfsr = 0xACE1 // the LFSR has a fixed point at zero
	}

	var seq [wire.HopSequenceLen]uint8
	for i := range seq {
		lfsr = (lfsr >> 1) ^ (-(lfsr & 1) & lfsrTaps)
		seq[i] = eligible[int(lfsr)%len(eligible)]
	}
	return seq
}
