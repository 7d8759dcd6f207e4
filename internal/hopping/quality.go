// Package hopping maintains per-channel link quality statistics and derives
// the frequency-hop sequence both ends of the link must agree on.
package hopping

const (
	// ChannelCount is the number of 2MHz channels in the 2.4GHz plan.
	ChannelCount = 40

	// PairingChannel is reserved for the pairing handshake and never
	// appears in a hop sequence.
	PairingChannel = 37

	// MinEligible is the minimum pool the hop generator needs. With fewer
	// non-blacklisted channels than this the blacklist is reset globally.
	MinEligible = 8

	// BlacklistTimeoutUS clears a blacklist entry after 30s without help.
	BlacklistTimeoutUS = 30_000_000

	compressAt     = 10 // outcomes before counters are compressed
	blacklistBelow = 50 // success percentage triggering a blacklist
	rssiUnset      = -100
)

// Record holds one channel's running statistics. Counters are compressed
// to a percentage once compressAt outcomes accumulate so they never grow
// unbounded.
type Record struct {
	SuccessCount  uint16
	TotalCount    uint16
	AvgRSSI       int16 // dBm, IIR filtered
	Blacklisted   bool
	BlacklistedAt int64 // µs timestamp of the blacklist decision
}

// QualityTracker owns the channel statistics table. It is written from both
// transmit-result and receive-result paths and read by the hop generator;
// callers on the single protocol thread need no locking.
type QualityTracker struct {
	records [ChannelCount]Record

	crcErrors uint32
}

// NewQualityTracker returns a table with all channels untried.
func NewQualityTracker() *QualityTracker {
	q := &QualityTracker{}
	for i := range q.records {
		q.records[i].AvgRSSI = rssiUnset
	}
	return q
}

// Update records one TX or RX outcome on channel. RSSI feeds an exponential
// filter (7/8 old, 1/8 new); the first sample seeds the filter directly.
func (q *QualityTracker) Update(channel uint8, success bool, rssi int8, nowUS int64) {
	if int(channel) >= ChannelCount {
		return
	}
	r := &q.records[channel]

	r.TotalCount++
	if success {
		r.SuccessCount++
	}
	if r.AvgRSSI == rssiUnset {
		r.AvgRSSI = int16(rssi)
	} else {
		r.AvgRSSI = r.AvgRSSI*7/8 + int16(rssi)/8
	}

	if r.TotalCount >= compressAt {
		rate := uint16(successRate(r))
		r.SuccessCount = rate
		r.TotalCount = 100

		if rate < blacklistBelow && !r.Blacklisted {
			r.Blacklisted = true
			r.BlacklistedAt = nowUS
		}
	}
}

// CountCRCError bumps the transport error counter. Invalid packets never
// change channel statistics.
func (q *QualityTracker) CountCRCError() { q.crcErrors++ }

// CRCErrors returns the number of checksum failures seen so far.
func (q *QualityTracker) CRCErrors() uint32 { return q.crcErrors }

// Quality scores channel 0..100: the mean of its success rate and an RSSI
// bucket score. A blacklisted channel scores 0.
func (q *QualityTracker) Quality(channel uint8, nowUS int64) uint8 {
	if int(channel) >= ChannelCount {
		return 0
	}
	r := &q.records[channel]

	q.expire(r, nowUS)
	if r.Blacklisted {
		return 0
	}
	if r.TotalCount == 0 {
		return 50 // untried, assume average
	}

	var rssiScore uint8
	switch {
	case r.AvgRSSI >= -60:
		rssiScore = 100
	case r.AvgRSSI >= -75:
		rssiScore = 70
	case r.AvgRSSI >= -85:
		rssiScore = 40
	default:
		rssiScore = 10
	}

	return uint8((successRate(r) + uint32(rssiScore)) / 2)
}

// IsGood reports whether channel clears the usability threshold.
func (q *QualityTracker) IsGood(channel uint8, nowUS int64) bool {
	return q.Quality(channel, nowUS) >= 60
}

// Blacklisted reports the channel's blacklist state after expiry handling.
func (q *QualityTracker) Blacklisted(channel uint8, nowUS int64) bool {
	if int(channel) >= ChannelCount {
		return true
	}
	r := &q.records[channel]
	q.expire(r, nowUS)
	return r.Blacklisted
}

// ResetBlacklist clears every blacklist entry. The hop generator calls this
// when too few channels remain eligible.
func (q *QualityTracker) ResetBlacklist() {
	for i := range q.records {
		q.records[i].Blacklisted = false
	}
}

// Snapshot copies the current table, expiring stale blacklist entries first.
func (q *QualityTracker) Snapshot(nowUS int64) [ChannelCount]Record {
	for i := range q.records {
		q.expire(&q.records[i], nowUS)
	}
	return q.records
}

func (q *QualityTracker) expire(r *Record, nowUS int64) {
	if r.Blacklisted && nowUS-r.BlacklistedAt >= BlacklistTimeoutUS {
		r.Blacklisted = false
		// Give the channel a clean slate so it is not re-blacklisted
		// from stale counters on the next outcome.
		r.SuccessCount = 0
		r.TotalCount = 0
	}
}

func successRate(r *Record) uint32 {
	if r.TotalCount == 0 {
		return 0
	}
	return uint32(r.SuccessCount) * 100 / uint32(r.TotalCount)
}
