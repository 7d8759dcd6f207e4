package airsim

import "time"

// Clock supplies the microsecond timebase ports hand to the protocol core.
type Clock interface {
	NowMicros() int64
}

// VirtualClock is a manually advanced clock for deterministic simulation.
// The orchestrator advances it one quantum at a time between engine steps.
type VirtualClock struct {
	nowUS int64
}

// NewVirtualClock starts at zero.
func NewVirtualClock() *VirtualClock { return &VirtualClock{} }

func (c *VirtualClock) NowMicros() int64 { return c.nowUS }

// Advance moves the clock forward by d microseconds.
func (c *VirtualClock) Advance(d int64) { c.nowUS += d }

// WallClock runs the simulation against real time.
type WallClock struct {
	start time.Time
}

// NewWallClock anchors the microsecond timebase at the current instant.
func NewWallClock() *WallClock { return &WallClock{start: time.Now()} }

func (c *WallClock) NowMicros() int64 { return time.Since(c.start).Microseconds() }
