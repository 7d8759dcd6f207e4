// Package timing fixes the TDMA schedule of the link and compensates for
// clock drift between receiver and trackers.
package timing

// Superframe layout, all in microseconds. One superframe is the beacon's
// sync slot followed by a fixed window per tracker ID.
const (
	SuperframePeriodUS = 5000 // 200Hz update rate
	SyncSlotUS         = 250  // beacon transmission window
	SlotDurationUS     = 400  // per-tracker window
	SlotGuardUS        = 50   // radio warm-up lead inside the slot

	AckTimeoutUS       = 500 // tracker waits this long for an Ack
	MaxRetries         = 3   // in-slot retransmissions after the first try
	RetryBackoffBaseUS = 100
	RetryBackoffStepUS = 50

	// SyncLostThreshold is the number of consecutive unacknowledged slots
	// before a tracker abandons the schedule and re-searches for a beacon.
	SyncLostThreshold = 5

	// HopEpochFrames is how many superframes a hop sequence stays valid;
	// the receiver reseeds the generator on each epoch boundary.
	HopEpochFrames = 8
)

// SlotStart returns the nominal start of trackerID's transmit window within
// the superframe that began at syncUS. The rule is shared by both ends; two
// distinct tracker IDs can never produce the same slot.
func SlotStart(syncUS int64, trackerID uint8) int64 {
	return syncUS + SyncSlotUS + int64(trackerID)*SlotDurationUS
}

// RetryBackoff returns the in-slot delay before retransmission attempt
// retry (1-based).
func RetryBackoff(retry int) int64 {
	return RetryBackoffBaseUS + int64(retry)*RetryBackoffStepUS
}
