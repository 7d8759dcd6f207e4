package receiver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingyuefenglou/slimerf/internal/host"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio/airsim"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

type nullSink struct{}

func (nullSink) OnTrackerUpdate(host.Update) {}

func newTestEngine(t *testing.T, store nvs.Storage, cfg Config) (*Engine, *airsim.VirtualClock) {
	t.Helper()

	clock := airsim.NewVirtualClock()
	air := airsim.NewAir(airsim.Config{Seed: 1})

	e := NewEngine(air.NewPort(wire.MAC{0xAA, 1, 2, 3, 4, 5}, clock), store, nullSink{}, cfg)
	return e, clock
}

func TestAllocSlotIdempotence(t *testing.T) {
	e, _ := newTestEngine(t, nvs.NewMemStorage(512), Config{MaxTrackers: 4})

	macA := wire.MAC{1, 1, 1, 1, 1, 1}
	macB := wire.MAC{2, 2, 2, 2, 2, 2}

	id, ok := e.allocSlot(macA)
	require.True(t, ok)
	assert.EqualValues(t, 0, id)

	// Not yet confirmed, so the slot is still free; B gets the same
	// lowest index until A completes.
	e.slots[0].mac = macA
	e.slots[0].paired = true

	id, ok = e.allocSlot(macB)
	require.True(t, ok)
	assert.EqualValues(t, 1, id)

	// Re-pairing A returns its existing assignment.
	id, ok = e.allocSlot(macA)
	require.True(t, ok)
	assert.EqualValues(t, 0, id)
}

func TestAllocSlotFullTableDrops(t *testing.T) {
	e, _ := newTestEngine(t, nvs.NewMemStorage(512), Config{MaxTrackers: 2})

	e.slots[0].paired = true
	e.slots[0].mac = wire.MAC{1, 0, 0, 0, 0, 0}
	e.slots[1].paired = true
	e.slots[1].mac = wire.MAC{2, 0, 0, 0, 0, 0}

	_, ok := e.allocSlot(wire.MAC{3, 0, 0, 0, 0, 0})
	assert.False(t, ok)
}

func TestStartRestoresPersistedBindings(t *testing.T) {
	store := nvs.NewMemStorage(512)
	rec := nvs.ReceiverRecord{
		NetworkKey: 0xCAFEBABE,
		Bindings: []nvs.Binding{
			{MAC: wire.MAC{1, 2, 3, 4, 5, 6}, TrackerID: 0},
			{MAC: wire.MAC{6, 5, 4, 3, 2, 1}, TrackerID: 3},
		},
	}
	require.NoError(t, store.Write(0, rec.Encode()))

	e, _ := newTestEngine(t, store, Config{MaxTrackers: 4})
	require.NoError(t, e.Start())

	assert.EqualValues(t, 0xCAFEBABE, e.networkKey)

	st := e.Status()
	require.Len(t, st.Trackers, 2)
	assert.EqualValues(t, 0, st.Trackers[0].ID)
	assert.EqualValues(t, 3, st.Trackers[1].ID)
	assert.Equal(t, "01:02:03:04:05:06", st.Trackers[0].MAC)
}

func TestFirstBootGeneratesAndPersistsKey(t *testing.T) {
	store := nvs.NewMemStorage(512)

	e, _ := newTestEngine(t, store, Config{})
	require.NoError(t, e.Start())
	require.NotZero(t, e.networkKey)

	// A second engine over the same storage restores the same key.
	e2, _ := newTestEngine(t, store, Config{})
	require.NoError(t, e2.Start())
	assert.Equal(t, e.networkKey, e2.networkKey)
}

func TestBeaconFrameNumberIncrements(t *testing.T) {
	e, clock := newTestEngine(t, nvs.NewMemStorage(512), Config{})
	require.NoError(t, e.Start())

	for i := 0; i < 100; i++ {
		e.Step()
		clock.Advance(5000)
	}

	assert.EqualValues(t, 100, e.Status().FrameNumber)
}

func TestUnpairCommandClearsAndPersists(t *testing.T) {
	store := nvs.NewMemStorage(512)
	rec := nvs.ReceiverRecord{
		NetworkKey: 7,
		Bindings:   []nvs.Binding{{MAC: wire.MAC{1, 2, 3, 4, 5, 6}, TrackerID: 0}},
	}
	require.NoError(t, store.Write(0, rec.Encode()))

	e, clock := newTestEngine(t, store, Config{})
	require.NoError(t, e.Start())
	require.Equal(t, 1, e.Status().PairedCount)

	require.NoError(t, e.Unpair(0))
	e.Step()
	clock.Advance(5000)

	assert.Equal(t, 0, e.Status().PairedCount)

	buf := make([]byte, nvs.ReceiverRecordSize)
	require.NoError(t, store.Load(0, buf))
	got, err := nvs.DecodeReceiverRecord(buf)
	require.NoError(t, err)
	assert.Empty(t, got.Bindings)
	assert.EqualValues(t, 7, got.NetworkKey, "network key survives unpair")
}

func TestCommandMailboxOverflow(t *testing.T) {
	e, _ := newTestEngine(t, nvs.NewMemStorage(512), Config{})

	var err error
	for i := 0; i < commandMailboxDepth+1; i++ {
		err = e.StartPairing()
	}
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestTrackerBitmap(t *testing.T) {
	e, _ := newTestEngine(t, nvs.NewMemStorage(512), Config{MaxTrackers: 8})

	e.slots[0].paired = true
	e.slots[3].paired = true
	e.slots[7].paired = true

	assert.EqualValues(t, 1|1<<3|1<<7, e.trackerBitmap())
}
