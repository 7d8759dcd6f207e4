package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/host"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	s := NewSqliteStore(filepath.Join(t.TempDir(), "link.db"))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:ff", map[string]int{"trackers": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.ReceiverMAC)
	require.NotNil(t, got.Config)
	assert.JSONEq(t, `{"trackers": 3}`, *got.Config)
	assert.False(t, got.StartedAt.IsZero())
}

func TestSessionsOrderedAndDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:01", nil)
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:02", nil)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Nil(t, sessions[0].Config)

	latest, err := s.LatestSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)
}

func TestStoreUpdatesBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:ff", nil)
	require.NoError(t, err)

	batch := make([]host.Update, 50)
	for i := range batch {
		batch[i] = host.Update{
			TrackerID:  uint8(i % 3),
			Quat:       [4]float32{1, 0, 0, 0},
			Battery:    90,
			RSSI:       -62,
			FrameNum:   uint16(i),
			ReceivedUS: int64(i) * 5000,
		}
	}
	require.NoError(t, s.StoreUpdates(ctx, id, batch))
	require.NoError(t, s.StoreUpdates(ctx, id, nil), "empty batch is a no-op")

	stats, err := s.Stats(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 50, stats.Updates)
	assert.EqualValues(t, 3, stats.Trackers)
	assert.EqualValues(t, 0, stats.FirstUS)
	assert.EqualValues(t, 49*5000, stats.LastUS)
}

func TestQualityReaderRegroupsSnapshots(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:ff", nil)
	require.NoError(t, err)

	var snapA, snapB [hopping.ChannelCount]uint8
	for ch := range snapA {
		snapA[ch] = uint8(ch)
		snapB[ch] = uint8(100 - ch)
	}
	require.NoError(t, s.StoreQualitySnapshot(ctx, id, 1_000_000, snapA))
	require.NoError(t, s.StoreQualitySnapshot(ctx, id, 2_000_000, snapB))

	r, err := s.ReadQuality(ctx, id)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next())
	assert.EqualValues(t, 1_000_000, r.Current().RecordedUS)
	assert.Equal(t, snapA, r.Current().Quality)

	require.True(t, r.Next())
	assert.EqualValues(t, 2_000_000, r.Current().RecordedUS)
	assert.Equal(t, snapB, r.Current().Quality)

	assert.False(t, r.Next())
	require.NoError(t, r.Error())
}

func TestQualityReaderTimeRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "aa:bb:cc:dd:ee:ff", nil)
	require.NoError(t, err)

	var snap [hopping.ChannelCount]uint8
	for _, us := range []int64{1000, 2000, 3000} {
		require.NoError(t, s.StoreQualitySnapshot(ctx, id, us, snap))
	}

	r, err := s.ReadQuality(ctx, id, WithTimeRangeUS(1500, 2500))
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Next())
	assert.EqualValues(t, 2000, r.Current().RecordedUS)
	assert.False(t, r.Next())
}
