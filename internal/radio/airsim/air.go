// Package airsim simulates a shared 2.4GHz medium so the protocol engines
// can run end to end on a host without radio hardware. Frames transmitted
// on a channel are delivered to every other port that is tuned to it and in
// receive mode, subject to a configurable per-channel loss model.
package airsim

import (
	"log/slog"
	"math/rand"
	"sync"

	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

const rssiJitterDB = 5

// Config shapes the simulated medium.
type Config struct {
	Seed        int64   // PRNG seed; identical seeds replay identical runs
	DefaultLoss float64 // frame loss probability on unshaped channels
	BaseRSSI    int8    // mean received signal strength in dBm
}

// WithLogger sets the logger for the medium.
func WithLogger(logger *slog.Logger) func(a *Air) {
	return func(a *Air) {
		a.logger = logger.With(slog.String("component", "airsim"))
	}
}

// Air is the shared medium. Ports attach to it and exchange frames through
// it; the zero loss configuration delivers everything.
type Air struct {
	mu    sync.Mutex
	rng   *rand.Rand
	ports []*Port

	defaultLoss float64
	channelLoss map[uint8]float64
	baseRSSI    int8

	delivered uint64
	dropped   uint64

	logger *slog.Logger
}

// NewAir creates a medium with the given loss model.
func NewAir(cfg Config, options ...func(a *Air)) *Air {
	if cfg.BaseRSSI == 0 {
		cfg.BaseRSSI = -65
	}

	a := &Air{
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		defaultLoss: cfg.DefaultLoss,
		channelLoss: make(map[uint8]float64),
		baseRSSI:    cfg.BaseRSSI,
		logger:      slog.Default(),
	}

	for _, option := range options {
		option(a)
	}

	return a
}

// SetChannelLoss overrides the loss probability for one channel, used to
// provoke blacklisting in tests and demos.
func (a *Air) SetChannelLoss(channel uint8, loss float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channelLoss[channel] = loss
}

// Stats returns delivered and dropped frame counts.
func (a *Air) Stats() (delivered, dropped uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered, a.dropped
}

// NewPort attaches a transceiver with the given hardware address.
func (a *Air) NewPort(mac wire.MAC, clock Clock) *Port {
	p := newPort(a, mac, clock)

	a.mu.Lock()
	a.ports = append(a.ports, p)
	a.mu.Unlock()

	return p
}

// transmit propagates one frame from src to every listening port on the
// same channel.
func (a *Air) transmit(src *Port, frame []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loss := a.defaultLoss
	if l, ok := a.channelLoss[src.channel]; ok {
		loss = l
	}

	for _, p := range a.ports {
		if p == src || p.mode != radio.ModeRX || p.channel != src.channel {
			continue
		}

		if loss > 0 && a.rng.Float64() < loss {
			a.dropped++
			continue
		}

		rssi := a.baseRSSI + int8(a.rng.Intn(2*rssiJitterDB+1)-rssiJitterDB)
		if p.push(frame, rssi) {
			a.delivered++
		} else {
			a.dropped++
			a.logger.Warn("rx queue overflow", slog.String("port", p.mac.String()))
		}
	}
}
