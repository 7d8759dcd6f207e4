// Package tracker implements the sensor-node side of the link: beacon
// search and synchronization, the slot-timed transmit/ack/retry cycle,
// tracker-side pairing and the sleep path. The engine is advanced by
// calling Step from a single goroutine; all waits are deadline checks
// against the radio's microsecond clock, never internal blocking.
package tracker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/sensor"
	"github.com/mingyuefenglou/slimerf/internal/timing"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// State is the link state machine's top level.
type State uint8

const (
	StateInit State = iota
	StatePairing
	StateSearchSync
	StateRunning
	StateSleep
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePairing:
		return "pairing"
	case StateSearchSync:
		return "search"
	case StateRunning:
		return "running"
	case StateSleep:
		return "sleep"
	default:
		return "unknown"
	}
}

// phase is the Running sub-state, one transmit cycle per superframe.
type phase uint8

const (
	phaseWaitBeacon phase = iota
	phaseWaitSlot
	phaseAwaitAck
	phaseRetryWait
	phaseIdle
)

const (
	// retuneMarginUS is how early before the expected beacon the radio
	// moves to the next hop channel.
	retuneMarginUS = 200

	// beaconLateMarginUS is how long past the expected arrival a beacon
	// counts as missed for this frame.
	beaconLateMarginUS = 1000

	// maxPredictedFrames bounds how long the tracker free-runs on
	// predicted timing without hearing a single beacon.
	maxPredictedFrames = 32

	pairConfirmRepeats = 3
)

// Config tunes a tracker engine. Zero values take defaults.
type Config struct {
	DeviceType uint8
	FwMajor    uint8
	FwMinor    uint8

	MaxRetries        int   // in-slot retransmissions after the first try
	SleepTimeoutUS    int64 // inactivity before entering sleep
	SearchDwellUS     int64 // per-channel listen time while scanning
	PairRetryUS       int64 // pairing request retransmit interval
	StationaryDivider int   // transmit every Nth frame when stationary
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = timing.MaxRetries
	}
	if c.SleepTimeoutUS <= 0 {
		c.SleepTimeoutUS = 30_000_000
	}
	if c.SearchDwellUS <= 0 {
		c.SearchDwellUS = 2 * timing.SuperframePeriodUS
	}
	if c.PairRetryUS <= 0 {
		c.PairRetryUS = 500_000
	}
	if c.StationaryDivider <= 0 {
		c.StationaryDivider = 4
	}
}

// Stats are the tracker's link counters.
type Stats struct {
	TxCount      uint32
	AckCount     uint32
	RetryCount   uint32
	TimeoutCount uint32
	SyncLosses   uint32
	Pairings     uint32
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) func(e *Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "tracker"))
	}
}

// WithCommandHandler receives RF commands the engine does not consume
// itself (calibration, tare and friends).
func WithCommandHandler(fn func(cmd, param uint8)) func(e *Engine) {
	return func(e *Engine) {
		e.cmdHandler = fn
	}
}

// Engine is one tracker's protocol core.
type Engine struct {
	hw       radio.Hardware
	store    nvs.Storage
	provider sensor.Provider
	cfg      Config
	logger   *slog.Logger

	mu sync.RWMutex

	state State

	// identity, valid when paired
	paired      bool
	trackerID   uint8
	networkKey  uint32
	receiverMAC wire.MAC

	drift   *timing.DriftCompensator
	quality *hopping.QualityTracker

	// sync
	frame           uint16
	realSyncUS      int64 // last real beacon arrival
	frameSyncUS     int64 // this frame's timing base, real or predicted
	framesSinceReal int
	curPlan         [wire.HopSequenceLen]uint8
	nextPlan        [wire.HopSequenceLen]uint8
	nextPlanFresh   bool
	locked          bool // curPlan valid, slots may be taken

	// running phase
	phase         phase
	beaconWaitUS  int64 // deadline in phaseWaitBeacon
	txAtUS        int64
	slotNominalUS int64
	slotEndUS     int64
	ackDeadlineUS int64
	retryAtUS     int64
	lastTxUS      int64
	attempts      int
	txFrame       []byte // cached encoding for in-slot retries
	retuneAtUS    int64

	seq          uint8
	failStreak   int
	lastActiveUS int64

	// search
	searchChannel uint8
	searchHopUS   int64

	// pairing
	pairNextTxUS int64

	// adaptive tx power
	power      radio.Power
	ackRSSIAvg int16
	haveRSSI   bool

	stats      Stats
	cmdHandler func(cmd, param uint8)
	rxBuf      [64]byte
}

// NewEngine wires a tracker over the given radio, persistence and sensor
// provider.
func NewEngine(hw radio.Hardware, store nvs.Storage, provider sensor.Provider, cfg Config, options ...func(e *Engine)) *Engine {
	cfg.applyDefaults()

	e := Engine{
		hw:       hw,
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		drift:    timing.NewDriftCompensator(),
		quality:  hopping.NewQualityTracker(),
		power:    radio.PowerHigh,
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// Start restores a stored pairing and enters search, or begins pairing
// when none exists. A storage read failure degrades to "no stored
// pairing" rather than an error.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateInit {
		return fmt.Errorf("tracker: already started")
	}

	now := e.hw.NowMicros()
	e.lastActiveUS = now

	buf := make([]byte, nvs.TrackerRecordSize)
	err := e.store.Load(0, buf)
	if err == nil {
		var rec *nvs.TrackerRecord
		if rec, err = nvs.DecodeTrackerRecord(buf); err == nil {
			e.paired = true
			e.trackerID = rec.TrackerID
			e.networkKey = rec.NetworkKey
			e.receiverMAC = rec.ReceiverMAC
		}
	}
	if err != nil && !errors.Is(err, nvs.ErrNoRecord) {
		e.logger.Warn("pairing record unreadable, treating as unpaired", slog.Any("error", err))
	}

	if e.paired {
		e.logger.Info("stored pairing found",
			slog.Int("trackerID", int(e.trackerID)),
			slog.String("receiver", e.receiverMAC.String()),
		)
		e.enterSearch(now)
	} else {
		e.enterPairing(now)
	}
	return nil
}

// Step advances the state machine by one main-loop iteration.
func (e *Engine) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.hw.NowMicros()
	switch e.state {
	case StateSleep, StateInit:
		return
	case StatePairing:
		e.stepPairing(now)
	case StateSearchSync:
		e.stepSearch(now)
	case StateRunning:
		e.stepRunning(now)
	}
}

// Wake leaves sleep via search, the way a button press or motion interrupt
// would.
func (e *Engine) Wake() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateSleep {
		return
	}
	now := e.hw.NowMicros()
	e.lastActiveUS = now
	if e.paired {
		e.enterSearch(now)
	} else {
		e.enterPairing(now)
	}
}

// State returns the current top-level state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// TrackerID returns the assigned ID; meaningful only when paired.
func (e *Engine) TrackerID() (uint8, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trackerID, e.paired
}

// Statistics returns a copy of the link counters.
func (e *Engine) Statistics() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// enterSearch begins scanning the channel plan for a beacon.
func (e *Engine) enterSearch(nowUS int64) {
	e.state = StateSearchSync
	e.locked = false
	e.nextPlanFresh = false
	e.failStreak = 0
	e.framesSinceReal = 0
	e.searchChannel = 0
	e.searchHopUS = nowUS + e.cfg.SearchDwellUS

	e.hw.SetChannel(e.searchChannel)
	e.hw.SetMode(radio.ModeRX)
	e.logger.Info("searching for sync")
}

// stepSearch dwells on each channel in turn until a beacon from our
// network shows up.
func (e *Engine) stepSearch(nowUS int64) {
	if nowUS-e.lastActiveUS > e.cfg.SleepTimeoutUS {
		e.enterSleep()
		return
	}

	for {
		n, _, ok := e.hw.Receive(e.rxBuf[:])
		if !ok {
			break
		}

		pkt, err := wire.Decode(e.rxBuf[:n])
		if err != nil {
			e.quality.CountCRCError()
			continue
		}
		b, ok := pkt.(*wire.Beacon)
		if !ok || b.NetworkKey != e.networkKey {
			continue
		}

		e.onSyncCaught(b, nowUS)
		return
	}

	if nowUS >= e.searchHopUS {
		e.searchChannel = (e.searchChannel + 1) % hopping.ChannelCount
		if e.searchChannel == hopping.PairingChannel {
			e.searchChannel++
		}
		e.hw.SetChannel(e.searchChannel)
		e.searchHopUS = nowUS + e.cfg.SearchDwellUS
	}
}

// onSyncCaught processes the first beacon after a search. The beacon
// carries the NEXT epoch's channel plan, so the tracker tunes to that
// plan's first channel and waits for the epoch boundary before taking its
// slot.
func (e *Engine) onSyncCaught(b *wire.Beacon, nowUS int64) {
	e.frame = uint16(b.FrameNum)
	e.nextPlan = b.HopSequence
	e.nextPlanFresh = true
	e.locked = false
	e.realSyncUS = nowUS
	e.frameSyncUS = nowUS
	e.framesSinceReal = 0

	framesToBoundary := int64(timing.HopEpochFrames - int(e.frame%timing.HopEpochFrames))
	e.beaconWaitUS = nowUS + framesToBoundary*timing.SuperframePeriodUS + beaconLateMarginUS

	e.state = StateRunning
	e.phase = phaseWaitBeacon
	e.hw.SetChannel(e.nextPlan[0])
	e.hw.SetMode(radio.ModeRX)

	e.logger.Info("beacon found, waiting for epoch boundary",
		slog.Int("frame", int(e.frame)),
		slog.Int("framesToBoundary", int(framesToBoundary)),
	)
}

func (e *Engine) enterSleep() {
	e.state = StateSleep
	e.hw.SetMode(radio.ModeSleep)
	e.logger.Info("entering sleep")
}
