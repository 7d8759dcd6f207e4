package timing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotStartUniqueness(t *testing.T) {
	const sync = int64(123_456)

	seen := make(map[int64]uint8)
	for id := uint8(0); id < 24; id++ {
		start := SlotStart(sync, id)

		if prev, dup := seen[start]; dup {
			t.Fatalf("trackers %d and %d share slot start %d", prev, id, start)
		}
		seen[start] = id

		if start < sync+SyncSlotUS {
			t.Errorf("tracker %d slot %d overlaps the sync slot", id, start)
		}
	}

	// Adjacent slots must not overlap.
	for id := uint8(1); id < 24; id++ {
		gap := SlotStart(sync, id) - SlotStart(sync, id-1)
		assert.EqualValues(t, SlotDurationUS, gap)
	}
}

func TestDriftEstimateConverges(t *testing.T) {
	d := NewDriftCompensator()

	// A clock running 100ppm fast arrives 0.5µs late per 5ms superframe.
	// Feed beacon arrivals at 100-superframe spacing so the per-sample
	// error is 50µs.
	const spacing = 100 * SuperframePeriodUS
	arrival := int64(0)
	d.OnBeacon(0, 0)
	for i := 0; i < 200; i++ {
		arrival += spacing + 50
		expected := arrival - 50
		d.OnBeacon(expected, arrival)
	}

	assert.InDelta(t, 100_000, float64(d.DriftPPB()), 5_000, "drift ppb")

	// Compensation over one second should be close to 100µs.
	comp := d.Compensation(1_000_000)
	assert.InDelta(t, 100, float64(comp), 10)
}

func TestDriftRejectsOutliers(t *testing.T) {
	d := NewDriftCompensator()
	d.OnBeacon(0, 0)
	d.OnBeacon(5000, 5000)
	require.EqualValues(t, 0, d.DriftPPB())

	// A 6ms arrival error is a resync event, not drift.
	d.OnBeacon(10_000, 16_000)
	assert.EqualValues(t, 0, d.DriftPPB())
}

func TestDriftClamp(t *testing.T) {
	d := NewDriftCompensator()
	d.OnBeacon(0, 0)

	arrival := int64(0)
	for i := 0; i < 100; i++ {
		arrival += SuperframePeriodUS + 4000 // absurdly fast clock
		d.OnBeacon(arrival-4000, arrival)
	}

	assert.EqualValues(t, maxDriftPPB, d.DriftPPB())
}

func TestSlotOffsetHysteresis(t *testing.T) {
	d := NewDriftCompensator()

	// Two late landings do not move the offset, the third does.
	d.SlotFeedback(true, 200)
	d.SlotFeedback(true, 200)
	assert.EqualValues(t, 0, d.SlotOffsetUS())
	d.SlotFeedback(true, 200)
	assert.EqualValues(t, offsetStepUS, d.SlotOffsetUS())

	// An in-deadband landing resets the streak.
	d.SlotFeedback(true, 200)
	d.SlotFeedback(true, 200)
	d.SlotFeedback(true, 0)
	d.SlotFeedback(true, 200)
	d.SlotFeedback(true, 200)
	assert.EqualValues(t, offsetStepUS, d.SlotOffsetUS())

	// Offset never goes below zero.
	for i := 0; i < 30; i++ {
		d.SlotFeedback(true, -200)
	}
	assert.EqualValues(t, 0, d.SlotOffsetUS())

	// Or above the cap.
	for i := 0; i < 200; i++ {
		d.SlotFeedback(true, 200)
	}
	assert.EqualValues(t, maxSlotOffsetUS, d.SlotOffsetUS())
}

func TestSlotFeedbackCountsMisses(t *testing.T) {
	d := NewDriftCompensator()
	d.SlotFeedback(false, 0)
	d.SlotFeedback(false, 0)
	assert.EqualValues(t, 2, d.MissCount())
	assert.EqualValues(t, 0, d.SlotOffsetUS(), "misses must not move the offset")
}

func TestSlotTxTimeLeadsNominalStart(t *testing.T) {
	d := NewDriftCompensator()

	nominal := SlotStart(1000, 4)
	assert.Equal(t, nominal-SlotGuardUS, d.SlotTxTime(1000, 4),
		"fresh compensator wakes a guard time early for radio warm-up")

	for i := 0; i < 3; i++ {
		d.SlotFeedback(true, 200)
	}
	assert.Equal(t, nominal-SlotGuardUS-offsetStepUS, d.SlotTxTime(1000, 4))
}

func TestPlannerShrinksLowPriorityFirst(t *testing.T) {
	p := NewSlotPlanner()

	// 13 struggling trackers want 500µs each (6500µs) against a 4750µs
	// budget.
	for id := uint8(0); id < 13; id++ {
		prio := uint8(10)
		if id < 3 {
			prio = 200 // keep the first three at full size
		}
		p.Track(id, prio)
		for i := 0; i < 8; i++ {
			p.Observe(id, false)
		}
	}

	plans := p.Plan()
	require.Len(t, plans, 13)

	var total int64
	for _, pl := range plans {
		total += pl.DurationUS
		assert.GreaterOrEqual(t, pl.DurationUS, int64(minPlannedSlotUS))
	}
	assert.LessOrEqual(t, total, int64(SuperframePeriodUS-SyncSlotUS))

	// High-priority trackers keep their full slots.
	for _, pl := range plans[:3] {
		assert.EqualValues(t, maxPlannedSlotUS, pl.DurationUS, "tracker %d", pl.TrackerID)
	}
}

func TestPlannerCompressesGoodLinks(t *testing.T) {
	p := NewSlotPlanner()
	p.Track(7, DefaultPriority)
	for i := 0; i < 20; i++ {
		p.Observe(7, true)
	}

	plans := p.Plan()
	require.Len(t, plans, 1)
	assert.EqualValues(t, 300, plans[0].DurationUS)
}
