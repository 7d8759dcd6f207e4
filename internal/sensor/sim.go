package sensor

import "math"

// SimProvider synthesizes a slow rotation around the vertical axis with a
// draining battery, enough motion to exercise the link end to end.
type SimProvider struct {
	now func() int64 // µs clock shared with the radio

	periodUS  int64
	battery   float64
	drainPerS float64
	lastUS    int64
}

// NewSimProvider creates a provider rotating once per periodUS.
func NewSimProvider(now func() int64, periodUS int64) *SimProvider {
	if periodUS <= 0 {
		periodUS = 10_000_000 // one revolution per 10s
	}
	return &SimProvider{
		now:       now,
		periodUS:  periodUS,
		battery:   100,
		drainPerS: 0.05,
		lastUS:    now(),
	}
}

func (p *SimProvider) Sample() Sample {
	nowUS := p.now()

	if dt := nowUS - p.lastUS; dt > 0 {
		p.battery -= p.drainPerS * float64(dt) / 1e6
		if p.battery < 0 {
			p.battery = 0
		}
		p.lastUS = nowUS
	}

	// Rotation about Z: q = (cos θ/2, 0, 0, sin θ/2).
	theta := 2 * math.Pi * float64(nowUS%p.periodUS) / float64(p.periodUS)
	s := Sample{
		Orientation: Quaternion{
			W: float32(math.Cos(theta / 2)),
			Z: float32(math.Sin(theta / 2)),
		},
		Battery: uint8(p.battery),
	}
	s.Accel[2] = 1 // gravity
	return s
}
