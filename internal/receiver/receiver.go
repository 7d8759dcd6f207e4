// Package receiver implements the dongle side of the link: the superframe
// scheduler with its beacon broadcast, telemetry intake, pairing
// coordination and the persisted tracker table.
package receiver

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/host"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/sensor"
	"github.com/mingyuefenglou/slimerf/internal/timing"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// State is the scheduler's top-level state.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StatePairing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePairing:
		return "pairing"
	default:
		return "unknown"
	}
}

// ErrMailboxFull is returned when the command queue cannot take another
// host command.
var ErrMailboxFull = errors.New("receiver: command mailbox full")

const commandMailboxDepth = 16

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	// MaxTrackers caps slot assignment. The wire format allows up to 24
	// but that many 400µs slots would not fit a 5ms superframe; the
	// default keeps the schedule inside the budget.
	MaxTrackers int

	SuperframePeriodUS int64
	PairingWindowUS    int64

	// OfflineTimeoutUS marks a paired tracker inactive when nothing has
	// been heard from it for this long.
	OfflineTimeoutUS int64
}

func (c *Config) applyDefaults() {
	if c.MaxTrackers <= 0 {
		c.MaxTrackers = 10
	}
	if c.MaxTrackers > wire.MaxTrackers {
		c.MaxTrackers = wire.MaxTrackers
	}
	if c.SuperframePeriodUS <= 0 {
		c.SuperframePeriodUS = timing.SuperframePeriodUS
	}
	if c.PairingWindowUS <= 0 {
		c.PairingWindowUS = 30_000_000
	}
	if c.OfflineTimeoutUS <= 0 {
		c.OfflineTimeoutUS = 30_000_000
	}
}

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) func(e *Engine) {
	return func(e *Engine) {
		e.logger = logger.With(slog.String("component", "receiver"))
	}
}

// WithPairingNotify registers a callback fired on the protocol goroutine
// when a pairing completes, for LED pulses and the like.
func WithPairingNotify(fn func(trackerID uint8, mac wire.MAC)) func(e *Engine) {
	return func(e *Engine) {
		e.onPaired = fn
	}
}

// Engine is the receiver's protocol core. Step advances everything and is
// called from a single goroutine; the host command methods and Status are
// safe from any goroutine.
type Engine struct {
	hw     radio.Hardware
	store  nvs.Storage
	sink   host.Sink
	cfg    Config
	logger *slog.Logger

	mu sync.RWMutex

	state      State
	networkKey uint32
	frame      uint16
	seeded     bool

	// curPlan carries the current epoch's channels; nextPlan, generated
	// at each epoch boundary and broadcast in every beacon, carries the
	// upcoming epoch's so trackers can follow across the boundary.
	curPlan  [wire.HopSequenceLen]uint8
	nextPlan [wire.HopSequenceLen]uint8
	channel  uint8

	superframeStartUS int64
	nextBeaconUS      int64

	slots   []slot
	quality *hopping.QualityTracker
	planner *timing.SlotPlanner
	pairing pairingContext

	pendingCmd map[uint8][2]uint8
	commands   chan command

	rxBuf    [64]byte
	onPaired func(trackerID uint8, mac wire.MAC)
}

// NewEngine wires a receiver over the given radio, persistence and sink.
func NewEngine(hw radio.Hardware, store nvs.Storage, sink host.Sink, cfg Config, options ...func(e *Engine)) *Engine {
	cfg.applyDefaults()

	e := Engine{
		hw:         hw,
		store:      store,
		sink:       sink,
		cfg:        cfg,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		slots:      make([]slot, cfg.MaxTrackers),
		quality:    hopping.NewQualityTracker(),
		planner:    timing.NewSlotPlanner(),
		pendingCmd: make(map[uint8][2]uint8),
		commands:   make(chan command, commandMailboxDepth),
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// Start restores persisted state (or mints a fresh network key on first
// boot) and arms the beacon schedule.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return fmt.Errorf("receiver: already started")
	}

	if err := e.restore(); err != nil {
		return err
	}

	e.state = StateRunning
	e.nextBeaconUS = e.hw.NowMicros()
	e.hw.SetMode(radio.ModeRX)

	e.logger.Info("receiver started",
		slog.String("mac", e.hw.MAC().String()),
		slog.Int("maxTrackers", e.cfg.MaxTrackers),
		slog.Int("pairedCount", e.pairedCount()),
	)
	return nil
}

// Step advances the scheduler by one main-loop iteration: drain host
// commands, beacon if due, then consume whatever the radio has pending.
func (e *Engine) Step() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainCommands()

	if e.state == StateIdle {
		return
	}

	now := e.hw.NowMicros()
	if now >= e.nextBeaconUS {
		e.sendBeacon(now)
	}
	e.pollRadio(now)

	if e.state == StatePairing {
		e.stepPairing(now)
	}
	e.expireSlots(now)
}

// sendBeacon opens the next superframe.
func (e *Engine) sendBeacon(nowUS int64) {
	prevFrame := e.frame
	e.frame++

	if !e.seeded {
		base := e.frame &^ (timing.HopEpochFrames - 1)
		e.curPlan = e.quality.HopSequence(hopping.Seed(e.networkKey, base), nowUS)
		e.nextPlan = e.quality.HopSequence(hopping.Seed(e.networkKey, base+timing.HopEpochFrames), nowUS)
		e.seeded = true
	} else if e.frame%timing.HopEpochFrames == 0 {
		e.curPlan = e.nextPlan
		e.nextPlan = e.quality.HopSequence(hopping.Seed(e.networkKey, e.frame+timing.HopEpochFrames), nowUS)
	}

	// Account the frame that just ended before moving on.
	e.closeFrame(prevFrame, nowUS)

	e.channel = e.curPlan[e.frame%timing.HopEpochFrames]
	e.hw.SetChannel(e.channel)
	e.hw.SetMode(radio.ModeTX)

	b := wire.Beacon{
		FrameNum:      uint8(e.frame),
		NetworkKey:    e.networkKey,
		HopSequence:   e.nextPlan,
		TrackerBitmap: e.trackerBitmap(),
	}
	if err := e.hw.Transmit(b.Encode()); err != nil {
		e.logger.Warn("beacon transmit failed", slog.Any("error", err))
	}
	e.hw.SetMode(radio.ModeRX)

	e.superframeStartUS = nowUS
	e.nextBeaconUS = nowUS + e.cfg.SuperframePeriodUS
	e.pairing.parked = false // beacon retuned us to the hop schedule
}

// closeFrame records a missed-slot outcome for every active tracker that
// stayed silent through the frame that just ended. Trackers whose last
// telemetry carried the stationary flag decimate their transmissions, so
// their silent frames are expected and never booked as channel loss.
func (e *Engine) closeFrame(frame uint16, nowUS int64) {
	if frame == 0 {
		return
	}
	for id := range e.slots {
		s := &e.slots[id]
		if !s.paired || !s.active || s.lastFrameHeard == frame {
			continue
		}
		if s.flags&wire.FlagStationary != 0 {
			continue
		}
		e.quality.Update(e.channel, false, s.rssi, nowUS)
		e.planner.Observe(uint8(id), false)
	}
}

// pollRadio drains every pending frame from the radio.
func (e *Engine) pollRadio(nowUS int64) {
	for {
		n, rssi, ok := e.hw.Receive(e.rxBuf[:])
		if !ok {
			return
		}

		pkt, err := wire.Decode(e.rxBuf[:n])
		if err != nil {
			// Transport errors never mutate protocol state beyond
			// this counter.
			e.quality.CountCRCError()
			e.logger.Debug("dropped frame", slog.Any("error", err))
			continue
		}

		switch p := pkt.(type) {
		case *wire.Telemetry:
			e.handleTelemetry(p, rssi, nowUS)
		case *wire.PairRequest:
			if e.state == StatePairing {
				e.handlePairRequest(p, nowUS)
			}
		case *wire.PairConfirm:
			if e.state == StatePairing {
				e.handlePairConfirm(p, nowUS)
			}
		default:
			// Beacons, acks and pair responses are our own traffic
			// reflected by a shared medium; ignore.
		}
	}
}

// handleTelemetry accepts one tracker slot transmission, acknowledges it
// and pushes the decoded update to the host sink.
func (e *Engine) handleTelemetry(p *wire.Telemetry, rssi int8, nowUS int64) {
	if int(p.TrackerID) >= len(e.slots) {
		return
	}
	s := &e.slots[p.TrackerID]
	if !s.paired {
		return // not ours; the sender will give up and re-pair
	}

	s.noteSequence(p.Sequence)
	s.active = true
	s.lastSeenUS = nowUS
	s.lastFrameHeard = e.frame
	s.battery = p.Battery
	s.flags = p.Flags
	s.rssi = rssi
	s.quat = [4]int16{p.QuatW, p.QuatX, p.QuatY, p.QuatZ}

	ack := wire.Ack{
		TrackerID:    p.TrackerID,
		Status:       wire.AckStatusOK,
		FrameNumEcho: uint8(e.frame),
	}
	if cmd, ok := e.pendingCmd[p.TrackerID]; ok {
		ack.Command, ack.CommandParam = cmd[0], cmd[1]
		delete(e.pendingCmd, p.TrackerID)
	}

	e.hw.SetMode(radio.ModeTX)
	if err := e.hw.Transmit(ack.Encode()); err != nil {
		e.logger.Warn("ack transmit failed", slog.Any("error", err))
	}
	e.hw.SetMode(radio.ModeRX)

	e.quality.Update(e.channel, true, rssi, nowUS)
	e.planner.Observe(p.TrackerID, true)

	e.sink.OnTrackerUpdate(host.Update{
		TrackerID: p.TrackerID,
		Quat: [4]float32{
			sensor.FromQ15(p.QuatW),
			sensor.FromQ15(p.QuatX),
			sensor.FromQ15(p.QuatY),
			sensor.FromQ15(p.QuatZ),
		},
		AccelX:     float32(p.AccelX) / 1000,
		Battery:    p.Battery,
		Flags:      p.Flags,
		RSSI:       rssi,
		FrameNum:   e.frame,
		ReceivedUS: nowUS,
	})
}

// expireSlots marks paired trackers inactive after the offline timeout.
func (e *Engine) expireSlots(nowUS int64) {
	for id := range e.slots {
		s := &e.slots[id]
		if s.paired && s.active && nowUS-s.lastSeenUS > e.cfg.OfflineTimeoutUS {
			s.active = false
			e.logger.Info("tracker offline",
				slog.Int("trackerID", id),
				slog.String("mac", s.mac.String()),
			)
		}
	}
}

func (e *Engine) trackerBitmap() uint32 {
	var bm uint32
	for id := range e.slots {
		if e.slots[id].paired {
			bm |= 1 << uint(id)
		}
	}
	return bm
}

func (e *Engine) pairedCount() int {
	n := 0
	for id := range e.slots {
		if e.slots[id].paired {
			n++
		}
	}
	return n
}

// restore reads the persisted pairing table, generating a fresh network
// key when the region holds no valid record.
func (e *Engine) restore() error {
	buf := make([]byte, nvs.ReceiverRecordSize)
	if err := e.store.Load(0, buf); err != nil {
		return fmt.Errorf("receiver: loading pairing record: %w", err)
	}

	rec, err := nvs.DecodeReceiverRecord(buf)
	switch {
	case errors.Is(err, nvs.ErrNoRecord):
		e.networkKey = newNetworkKey(e.hw.NowMicros())
		e.logger.Info("first boot, generated network key")
		e.persist()
		return nil
	case err != nil:
		return fmt.Errorf("receiver: decoding pairing record: %w", err)
	}

	e.networkKey = rec.NetworkKey
	for _, b := range rec.Bindings {
		if int(b.TrackerID) >= len(e.slots) {
			continue
		}
		s := &e.slots[b.TrackerID]
		s.mac = b.MAC
		s.paired = true
		e.planner.Track(b.TrackerID, timing.DefaultPriority)
	}
	return nil
}

// persist writes the pairing table. A write failure is logged and the
// in-memory state stands; the next successful save catches up.
func (e *Engine) persist() {
	rec := nvs.ReceiverRecord{NetworkKey: e.networkKey}
	for id := range e.slots {
		if e.slots[id].paired {
			rec.Bindings = append(rec.Bindings, nvs.Binding{
				MAC:       e.slots[id].mac,
				TrackerID: uint8(id),
			})
		}
	}

	if err := e.store.Write(0, rec.Encode()); err != nil {
		e.logger.Warn("persisting pairing table failed", slog.Any("error", err))
	}
}

// newNetworkKey mints the shared secret. The timestamp fallback keeps a
// first boot functional on platforms without an entropy source.
func newNetworkKey(nowUS int64) uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(nowUS) ^ uint32(nowUS>>17) ^ 0x5A5AA5A5
	}
	key := binary.LittleEndian.Uint32(b[:])
	if key == 0 {
		key = 1 // zero would degrade the hop seed
	}
	return key
}
