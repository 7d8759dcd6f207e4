package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/sensor"
	"github.com/mingyuefenglou/slimerf/internal/timing"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// scriptRadio is a scriptable Hardware: tests inject inbound frames and
// inspect everything the engine transmitted.
type scriptRadio struct {
	nowUS   int64
	channel uint8
	mode    radio.Mode
	power   radio.Power
	mac     wire.MAC

	sent  [][]byte
	queue []rxFrame
}

type rxFrame struct {
	data []byte
	rssi int8
}

func (r *scriptRadio) SetChannel(c uint8)     { r.channel = c }
func (r *scriptRadio) SetMode(m radio.Mode)   { r.mode = m }
func (r *scriptRadio) SetPower(p radio.Power) { r.power = p }
func (r *scriptRadio) NowMicros() int64       { return r.nowUS }
func (r *scriptRadio) MAC() wire.MAC          { return r.mac }

func (r *scriptRadio) Transmit(frame []byte) error {
	r.sent = append(r.sent, append([]byte(nil), frame...))
	return nil
}

func (r *scriptRadio) Receive(buf []byte) (int, int8, bool) {
	if len(r.queue) == 0 {
		return 0, 0, false
	}
	f := r.queue[0]
	r.queue = r.queue[1:]
	return copy(buf, f.data), f.rssi, true
}

func (r *scriptRadio) inject(p wire.Packet, rssi int8) {
	r.queue = append(r.queue, rxFrame{data: p.Encode(), rssi: rssi})
}

type stubProvider struct {
	sample sensor.Sample
}

func (p *stubProvider) Sample() sensor.Sample { return p.sample }

func newTestTracker(t *testing.T, store nvs.Storage, cfg Config) (*Engine, *scriptRadio, *stubProvider) {
	t.Helper()

	r := &scriptRadio{mac: wire.MAC{0x02, 0x11, 0, 0, 0, 0}}
	p := &stubProvider{}
	return NewEngine(r, store, p, cfg), r, p
}

// armRunning puts the engine mid-epoch in a locked, synchronized state with
// its slot phase begun, the way a boundary beacon would leave it.
func armRunning(e *Engine, r *scriptRadio) {
	e.state = StateRunning
	e.paired = true
	e.trackerID = 1
	e.networkKey = 0xDEADBEEF
	e.locked = true
	for i := range e.curPlan {
		e.curPlan[i] = uint8(i + 1)
	}
	e.nextPlan = e.curPlan
	e.nextPlanFresh = true
	e.frame = 9
	e.realSyncUS = r.nowUS
	e.frameSyncUS = r.nowUS
	e.framesSinceReal = 0
	e.lastActiveUS = r.nowUS
	e.beginSlotPhase(r.nowUS)
}

func TestStartWithStoredPairingEntersSearch(t *testing.T) {
	store := nvs.NewMemStorage(64)
	rec := nvs.TrackerRecord{
		TrackerID:   4,
		NetworkKey:  0xAB12CD34,
		ReceiverMAC: wire.MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
	}
	require.NoError(t, store.Write(0, rec.Encode()))

	e, _, _ := newTestTracker(t, store, Config{})
	require.NoError(t, e.Start())

	assert.Equal(t, StateSearchSync, e.State())
	id, paired := e.TrackerID()
	require.True(t, paired)
	assert.EqualValues(t, 4, id)
	assert.EqualValues(t, 0xAB12CD34, e.networkKey)
}

func TestStartUnpairedRunsPairingHandshake(t *testing.T) {
	store := nvs.NewMemStorage(64)
	e, r, _ := newTestTracker(t, store, Config{PairRetryUS: 1000})
	require.NoError(t, e.Start())

	require.Equal(t, StatePairing, e.State())
	assert.EqualValues(t, hopping.PairingChannel, r.channel)

	e.Step()
	require.Len(t, r.sent, 1, "first request goes out immediately")
	pkt, err := wire.Decode(r.sent[0])
	require.NoError(t, err)
	req, ok := pkt.(*wire.PairRequest)
	require.True(t, ok)
	assert.Equal(t, r.mac, req.MAC)

	// A response for someone else's handshake is ignored.
	r.inject(&wire.PairResponse{MAC: wire.MAC{9, 9, 9, 9, 9, 9}, AssignedID: 5}, -60)
	e.Step()
	_, paired := e.TrackerID()
	assert.False(t, paired)
	assert.Len(t, r.sent, 1, "retransmit interval has not elapsed")

	r.inject(&wire.PairResponse{
		MAC:         r.mac,
		AssignedID:  2,
		ReceiverMAC: wire.MAC{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		NetworkKey:  0x12345678,
	}, -60)
	e.Step()

	id, paired := e.TrackerID()
	require.True(t, paired)
	assert.EqualValues(t, 2, id)
	assert.Equal(t, StateSearchSync, e.State())
	assert.Len(t, r.sent, 1+pairConfirmRepeats, "confirm is repeated")

	buf := make([]byte, nvs.TrackerRecordSize)
	require.NoError(t, store.Load(0, buf))
	got, err := nvs.DecodeTrackerRecord(buf)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TrackerID)
	assert.EqualValues(t, 0x12345678, got.NetworkKey)
}

func TestRetryBoundWithinSlot(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	for i := 0; e.phase == phaseWaitSlot; i++ {
		require.Less(t, i, 1000, "never reached the slot")
		r.nowUS += 50
		e.Step()
	}
	require.EqualValues(t, 1, e.stats.TxCount)

	// Give the slot room for every retry the budget allows.
	e.slotEndUS = r.nowUS + 100_000

	for i := 0; e.phase != phaseIdle && e.state == StateRunning; i++ {
		require.Less(t, i, 1000, "slot cycle never settled")
		r.nowUS += 50
		e.Step()
	}

	assert.EqualValues(t, e.cfg.MaxRetries+1, e.stats.TxCount, "initial try plus MaxRetries")
	assert.EqualValues(t, e.cfg.MaxRetries, e.stats.RetryCount)
	assert.EqualValues(t, e.cfg.MaxRetries+1, e.stats.TimeoutCount)
	assert.Equal(t, 1, e.failStreak)
}

func TestConsecutiveFailuresLoseSync(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	for i := 0; i < timing.SyncLostThreshold-1; i++ {
		e.onSlotFailed(r.nowUS)
		require.Equal(t, StateRunning, e.state)
	}
	e.onSlotFailed(r.nowUS)

	assert.Equal(t, StateSearchSync, e.state)
	assert.EqualValues(t, 1, e.stats.SyncLosses)
	assert.Zero(t, e.failStreak, "search resets the streak")
}

func TestAckClosesCycleAndFeedsDrift(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	for i := 0; e.phase == phaseWaitSlot; i++ {
		require.Less(t, i, 1000)
		r.nowUS += 50
		e.Step()
	}
	require.Equal(t, phaseAwaitAck, e.phase)

	r.inject(&wire.Ack{TrackerID: e.trackerID, Status: wire.AckStatusOK}, -60)
	e.Step()

	assert.Equal(t, phaseIdle, e.phase)
	assert.EqualValues(t, 1, e.stats.AckCount)
	assert.Zero(t, e.failStreak)
}

func TestAckForOtherTrackerIgnored(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	for i := 0; e.phase == phaseWaitSlot; i++ {
		require.Less(t, i, 1000)
		r.nowUS += 50
		e.Step()
	}

	r.inject(&wire.Ack{TrackerID: e.trackerID + 1, Status: wire.AckStatusOK}, -60)
	e.Step()

	assert.Equal(t, phaseAwaitAck, e.phase)
	assert.Zero(t, e.stats.AckCount)
}

func TestStaleBeaconIgnored(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)
	syncBefore := e.realSyncUS

	r.nowUS += 100
	e.onBeacon(&wire.Beacon{
		FrameNum:    uint8(e.frame) - 3,
		NetworkKey:  e.networkKey,
		HopSequence: e.nextPlan,
	}, r.nowUS)

	assert.Equal(t, syncBefore, e.realSyncUS)
}

func TestMidEpochSyncWaitsForBoundary(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	e.paired = true
	e.networkKey = 0xDEADBEEF
	e.trackerID = 0
	e.state = StateSearchSync

	plan := [wire.HopSequenceLen]uint8{30, 31, 32, 33, 34, 35, 36, 38}
	e.onSyncCaught(&wire.Beacon{FrameNum: 13, NetworkKey: e.networkKey, HopSequence: plan}, r.nowUS)

	require.Equal(t, StateRunning, e.state)
	assert.False(t, e.locked, "mid-epoch sync must not take slots")
	assert.EqualValues(t, plan[0], r.channel, "parks on the next plan's first channel")

	// Beacons before the boundary keep the plan fresh but open no slot.
	r.nowUS += timing.SuperframePeriodUS
	e.onBeacon(&wire.Beacon{FrameNum: 14, NetworkKey: e.networkKey, HopSequence: plan}, r.nowUS)
	assert.Equal(t, phaseWaitBeacon, e.phase)
	assert.False(t, e.locked)

	// The boundary beacon (frame 16, 16 % 8 == 0) locks and opens the slot.
	r.nowUS += 2 * timing.SuperframePeriodUS
	e.onBeacon(&wire.Beacon{FrameNum: 16, NetworkKey: e.networkKey, HopSequence: plan}, r.nowUS)
	assert.True(t, e.locked)
	assert.Equal(t, phaseWaitSlot, e.phase)
	assert.Equal(t, plan, e.curPlan)
}

func TestAdvanceFramesRequiresFreshPlan(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	next := e.curPlan
	next[0] = 39
	e.nextPlan = next
	e.nextPlanFresh = true
	e.frame = 15

	require.True(t, e.advanceFrames(1))
	assert.Equal(t, next, e.curPlan, "plan rotates at the boundary")
	assert.False(t, e.nextPlanFresh, "rotation consumes the plan")

	// The next boundary without a beacon in between drops sync.
	e.frame = 23
	assert.False(t, e.advanceFrames(1))
	assert.Equal(t, StateSearchSync, e.state)
}

func TestStationaryDecimation(t *testing.T) {
	e, r, p := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)
	p.sample = sensor.Sample{Stationary: true, Battery: 90}

	e.frame = 9 // 9 % 4 != 0: skip
	e.transmitTelemetry(r.nowUS)
	assert.Equal(t, phaseIdle, e.phase)
	assert.Empty(t, r.sent, "skipped frames stay silent")

	e.frame = 12 // 12 % 4 == 0: transmit
	e.transmitTelemetry(r.nowUS)
	assert.Len(t, r.sent, 1)
}

func TestUnpairCommandErasesBinding(t *testing.T) {
	store := nvs.NewMemStorage(64)
	rec := nvs.TrackerRecord{TrackerID: 1, NetworkKey: 0xDEADBEEF}
	require.NoError(t, store.Write(0, rec.Encode()))

	e, r, _ := newTestTracker(t, store, Config{})
	armRunning(e, r)

	e.handleCommand(wire.CmdUnpair, 0, r.nowUS)

	assert.Equal(t, StatePairing, e.state)
	assert.False(t, e.paired)
	assert.EqualValues(t, hopping.PairingChannel, r.channel)

	buf := make([]byte, nvs.TrackerRecordSize)
	require.NoError(t, store.Load(0, buf))
	_, err := nvs.DecodeTrackerRecord(buf)
	assert.ErrorIs(t, err, nvs.ErrNoRecord)
}

func TestSetPowerCommand(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)

	e.handleCommand(wire.CmdSetPower, uint8(radio.PowerLow), r.nowUS)
	assert.Equal(t, radio.PowerLow, r.power)

	e.handleCommand(wire.CmdSetPower, 9, r.nowUS) // out of range
	assert.Equal(t, radio.PowerLow, r.power)
}

func TestAdaptPowerWalksWithRSSI(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	armRunning(e, r)
	require.Equal(t, radio.PowerHigh, e.power)

	// A hot downlink steps power down one level per ack.
	e.adaptPower(-40)
	assert.Equal(t, radio.PowerMedium, e.power)
	e.adaptPower(-40)
	assert.Equal(t, radio.PowerLow, e.power)
	e.adaptPower(-40)
	assert.Equal(t, radio.PowerLow, e.power, "bounded at the lowest level")

	// A weak downlink walks it back up once the average catches up.
	for i := 0; i < 50; i++ {
		e.adaptPower(-90)
	}
	assert.Equal(t, radio.PowerHigh, e.power)
	assert.Equal(t, radio.PowerHigh, r.power)
}

func TestSearchSkipsPairingChannel(t *testing.T) {
	e, r, _ := newTestTracker(t, nvs.NewMemStorage(64), Config{})
	e.paired = true
	e.enterSearch(r.nowUS)

	e.searchChannel = hopping.PairingChannel - 1
	e.searchHopUS = r.nowUS
	e.stepSearch(r.nowUS)

	assert.EqualValues(t, hopping.PairingChannel+1, e.searchChannel)
	assert.EqualValues(t, hopping.PairingChannel+1, r.channel)
}

func TestSleepAndWake(t *testing.T) {
	store := nvs.NewMemStorage(64)
	rec := nvs.TrackerRecord{TrackerID: 1, NetworkKey: 5}
	require.NoError(t, store.Write(0, rec.Encode()))

	e, r, _ := newTestTracker(t, store, Config{SleepTimeoutUS: 1000})
	require.NoError(t, e.Start())

	r.nowUS += 2000
	e.Step()
	require.Equal(t, StateSleep, e.State())
	assert.Equal(t, radio.ModeSleep, r.mode)

	e.Step() // asleep: nothing moves
	require.Equal(t, StateSleep, e.State())

	e.Wake()
	assert.Equal(t, StateSearchSync, e.State(), "a paired tracker resumes by searching")
}

func TestBuildFlags(t *testing.T) {
	tests := []struct {
		name       string
		sample     sensor.Sample
		failStreak int
		want       uint8
	}{
		{"nominal", sensor.Sample{Battery: 80}, 0, 0},
		{"charging", sensor.Sample{Battery: 80, Charging: true}, 0, wire.FlagCharging},
		{"low battery", sensor.Sample{Battery: 10}, 0, wire.FlagLowBattery},
		{"stationary", sensor.Sample{Battery: 80, Stationary: true}, 0, wire.FlagStationary},
		{"rf trouble", sensor.Sample{Battery: 80}, 2, wire.FlagRFLost},
		{
			"everything at once",
			sensor.Sample{Battery: 5, Charging: true, Stationary: true},
			1,
			wire.FlagCharging | wire.FlagLowBattery | wire.FlagStationary | wire.FlagRFLost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildFlags(tt.sample, tt.failStreak))
		})
	}
}
