package timing

import "sort"

const (
	minPlannedSlotUS = 250
	maxPlannedSlotUS = 500

	// DefaultPriority is assigned to trackers the host has not ranked.
	DefaultPriority = 128
)

// SlotPlan is one tracker's advisory slot sizing.
type SlotPlan struct {
	TrackerID  uint8
	Priority   uint8
	DurationUS int64
}

// SlotPlanner sizes per-tracker slot durations from observed link quality.
// High-quality links get compressed slots, struggling links a larger guard
// margin. The plan is advisory on the receiver side; the broadcast slot
// rule (SlotStart) stays fixed so both ends agree without extra signaling.
type SlotPlanner struct {
	entries map[uint8]*slotEntry
}

type slotEntry struct {
	priority    uint8
	successRate int // 0..100, IIR filtered
	observed    bool
}

// NewSlotPlanner returns an empty planner.
func NewSlotPlanner() *SlotPlanner {
	return &SlotPlanner{entries: make(map[uint8]*slotEntry)}
}

// Track registers trackerID with the given priority, keeping existing
// statistics when the tracker is already known.
func (p *SlotPlanner) Track(trackerID, priority uint8) {
	if e, ok := p.entries[trackerID]; ok {
		e.priority = priority
		return
	}
	p.entries[trackerID] = &slotEntry{priority: priority, successRate: 100}
}

// Remove drops trackerID from the plan.
func (p *SlotPlanner) Remove(trackerID uint8) {
	delete(p.entries, trackerID)
}

// Observe feeds one slot outcome for trackerID.
func (p *SlotPlanner) Observe(trackerID uint8, success bool) {
	e, ok := p.entries[trackerID]
	if !ok {
		return
	}

	sample := 0
	if success {
		sample = 100
	}
	if !e.observed {
		e.successRate = sample
		e.observed = true
		return
	}
	e.successRate = (e.successRate*7 + sample) / 8
}

// Plan returns the current slot sizing, ordered by tracker ID. When the
// desired durations exceed the superframe budget, the lowest-priority slots
// shrink first, never below minPlannedSlotUS.
func (p *SlotPlanner) Plan() []SlotPlan {
	if len(p.entries) == 0 {
		return nil
	}

	plans := make([]SlotPlan, 0, len(p.entries))
	for id, e := range p.entries {
		plans = append(plans, SlotPlan{
			TrackerID:  id,
			Priority:   e.priority,
			DurationUS: desiredDuration(e.successRate),
		})
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].TrackerID < plans[j].TrackerID })

	budget := int64(SuperframePeriodUS - SyncSlotUS)
	total := int64(0)
	for _, pl := range plans {
		total += pl.DurationUS
	}
	if total <= budget {
		return plans
	}

	// Over budget: shrink in ascending priority order (tracker ID breaks
	// ties so the result is stable).
	order := make([]int, len(plans))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := plans[order[a]], plans[order[b]]
		if pa.Priority != pb.Priority {
			return pa.Priority < pb.Priority
		}
		return pa.TrackerID < pb.TrackerID
	})

	for _, i := range order {
		if total <= budget {
			break
		}
		cut := plans[i].DurationUS - minPlannedSlotUS
		if over := total - budget; cut > over {
			cut = over
		}
		plans[i].DurationUS -= cut
		total -= cut
	}
	return plans
}

func desiredDuration(successRate int) int64 {
	switch {
	case successRate >= 90:
		return 300
	case successRate < 50:
		return maxPlannedSlotUS
	default:
		return SlotDurationUS
	}
}
