package timing

const (
	maxBeaconErrorUS = 5000    // beacon arrival outliers beyond this are discarded
	maxDriftPPB      = 500_000 // ±500ppm clamp on the drift estimate

	offsetStepUS     = 20
	maxSlotOffsetUS  = 500
	offsetHysteresis = 3   // same-direction misses before the offset moves
	offsetDeadbandUS = 100 // landings this close to nominal are on time
)

// DriftCompensator estimates the tracker's clock drift against the
// receiver's superframe clock and adapts the transmit wake-up point. One
// instance lives per tracker and is updated from beacon arrivals and slot
// outcomes on the protocol thread.
type DriftCompensator struct {
	driftPPB     int64
	lastBeaconUS int64
	haveBeacon   bool

	slotOffsetUS int64
	earlyStreak  int
	lateStreak   int

	missCount    uint32
	avgLatencyUS int64
	maxLatencyUS int64
}

// NewDriftCompensator returns a compensator with no drift estimate.
func NewDriftCompensator() *DriftCompensator {
	return &DriftCompensator{}
}

// OnBeacon feeds one beacon arrival. expectedUS is where the local clock
// predicted the beacon, actualUS is where it landed. Arrival errors larger
// than 5ms are treated as a resync, not drift, and only reset the baseline.
func (d *DriftCompensator) OnBeacon(expectedUS, actualUS int64) {
	defer func() {
		d.lastBeaconUS = actualUS
		d.haveBeacon = true
	}()

	if !d.haveBeacon {
		return
	}

	errUS := actualUS - expectedUS
	if errUS > maxBeaconErrorUS || errUS < -maxBeaconErrorUS {
		return
	}

	elapsed := actualUS - d.lastBeaconUS
	if elapsed <= 0 {
		return
	}

	instantPPB := errUS * 1_000_000_000 / elapsed
	d.driftPPB = (d.driftPPB*15 + instantPPB) / 16

	if d.driftPPB > maxDriftPPB {
		d.driftPPB = maxDriftPPB
	} else if d.driftPPB < -maxDriftPPB {
		d.driftPPB = -maxDriftPPB
	}
}

// DriftPPB returns the current drift estimate in parts per billion.
func (d *DriftCompensator) DriftPPB() int64 { return d.driftPPB }

// Compensation returns the clock correction to apply to a deadline
// elapsedUS after the last sync point.
func (d *DriftCompensator) Compensation(elapsedUS int64) int64 {
	return elapsedUS * d.driftPPB / 1_000_000_000
}

// SlotTxTime returns the drift-corrected transmit time for trackerID in the
// superframe that began at syncUS: the nominal slot start led by SlotGuardUS
// for radio warm-up, advanced further by the adaptive slot offset.
func (d *DriftCompensator) SlotTxTime(syncUS int64, trackerID uint8) int64 {
	nominal := SlotStart(syncUS, trackerID)
	return nominal + d.Compensation(nominal-syncUS) - SlotGuardUS - d.slotOffsetUS
}

// SlotFeedback feeds one transmit slot outcome. offsetUS is how far the
// actual transmission landed from the nominal slot start; positive means
// late. The adaptive offset only moves after offsetHysteresis consecutive
// landings outside the deadband in the same direction, so single flukes
// cannot walk it.
func (d *DriftCompensator) SlotFeedback(success bool, offsetUS int64) {
	if !success {
		d.missCount++
		return
	}

	latency := offsetUS
	if latency < 0 {
		latency = -latency
	}
	d.avgLatencyUS = (d.avgLatencyUS*7 + latency) / 8
	if latency > d.maxLatencyUS {
		d.maxLatencyUS = latency
	}

	switch {
	case offsetUS > offsetDeadbandUS:
		// Landing late: wake up earlier.
		d.lateStreak++
		d.earlyStreak = 0
		if d.lateStreak >= offsetHysteresis {
			d.lateStreak = 0
			d.slotOffsetUS += offsetStepUS
			if d.slotOffsetUS > maxSlotOffsetUS {
				d.slotOffsetUS = maxSlotOffsetUS
			}
		}

	case offsetUS < -offsetDeadbandUS:
		// Landing early: give some advance back.
		d.earlyStreak++
		d.lateStreak = 0
		if d.earlyStreak >= offsetHysteresis {
			d.earlyStreak = 0
			d.slotOffsetUS -= offsetStepUS
			if d.slotOffsetUS < 0 {
				d.slotOffsetUS = 0
			}
		}

	default:
		d.earlyStreak = 0
		d.lateStreak = 0
	}
}

// MissCount returns the number of failed slots fed to SlotFeedback.
func (d *DriftCompensator) MissCount() uint32 { return d.missCount }

// Latency returns the filtered and worst-case slot landing latency.
func (d *DriftCompensator) Latency() (avgUS, maxUS int64) {
	return d.avgLatencyUS, d.maxLatencyUS
}

// SlotOffsetUS returns the current adaptive wake-up advance.
func (d *DriftCompensator) SlotOffsetUS() int64 { return d.slotOffsetUS }

// Reset drops all state, used when the tracker loses sync entirely.
func (d *DriftCompensator) Reset() {
	*d = DriftCompensator{}
}
