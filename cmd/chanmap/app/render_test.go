package app

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/storage"
)

func sampleGrid(times ...int64) *QualityGrid {
	grid := NewQualityGrid()
	for _, t := range times {
		snap := &storage.QualitySnapshot{RecordedUS: t}
		for ch := range snap.Quality {
			snap.Quality[ch] = uint8(ch * 2)
		}
		grid.Update(snap)
	}
	return grid
}

func TestGridTracksTimeSpan(t *testing.T) {
	grid := sampleGrid(2_000_000, 1_000_000, 5_000_000)

	assert.EqualValues(t, 1_000_000, grid.StartUS)
	assert.EqualValues(t, 5_000_000, grid.EndUS)
	assert.EqualValues(t, 4_000_000, grid.DurationUS())
	assert.Len(t, grid.Columns, 3)

	assert.EqualValues(t, 1_000_000, grid.TimeAt(0))
	assert.EqualValues(t, 5_000_000, grid.TimeAt(2))
}

func TestEmptyGrid(t *testing.T) {
	grid := NewQualityGrid()
	assert.True(t, grid.Empty())
	assert.Zero(t, grid.DurationUS())
}

func TestColorMapClampsQuality(t *testing.T) {
	cm := newColorMap(GrayscaleTheme)

	assert.Equal(t, cm.Get(100), cm.Get(200), "out of range clamps to full quality")
	assert.NotEqual(t, cm.Get(0), cm.Get(100))

	// Grayscale is monochrome at both ends.
	r, g, b, _ := cm.Get(0).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestThemesCoverFullRange(t *testing.T) {
	for _, theme := range []ColorTheme{ClassicTheme, GrayscaleTheme, ThermalTheme} {
		cm := newColorMap(theme)
		for q := 0; q <= 100; q++ {
			require.NotNil(t, cm.Get(uint8(q)), "theme %s quality %d", theme, q)
		}
	}
}

func TestRendererDimensions(t *testing.T) {
	grid := sampleGrid(0, 1_000_000, 2_000_000)

	r := NewRenderer(RenderConfig{
		Theme:         ClassicTheme,
		CellWidth:     4,
		CellHeight:    10,
		NoAnnotations: true,
	})

	img, err := r.Render(grid, RenderInfo{})
	require.NoError(t, err)

	assert.Equal(t, 3*4, img.Bounds().Dx())
	assert.Equal(t, hopping.ChannelCount*10, img.Bounds().Dy())
}

func TestRendererPaintsChannelsBottomUp(t *testing.T) {
	grid := NewQualityGrid()
	snap := &storage.QualitySnapshot{RecordedUS: 0}
	snap.Quality[0] = 100 // bottom row, full quality
	grid.Update(snap)

	r := NewRenderer(RenderConfig{
		Theme:         GrayscaleTheme,
		CellWidth:     2,
		CellHeight:    2,
		NoAnnotations: true,
	})

	img, err := r.Render(grid, RenderInfo{})
	require.NoError(t, err)

	bottom := img.At(0, img.Bounds().Max.Y-1)
	top := img.At(0, 0)

	rB, _, _, _ := bottom.RGBA()
	assert.EqualValues(t, 0xffff, rB, "channel 0 at full quality renders white")
	assert.Equal(t, color.RGBA{A: 255}, top, "silent top channel renders black")
}

func TestRendererAnnotatesWithBuiltinFace(t *testing.T) {
	grid := sampleGrid(0, 30_000_000)

	r := NewRenderer(RenderConfig{Theme: ClassicTheme, CellWidth: 8, CellHeight: 12})

	img, err := r.Render(grid, RenderInfo{SessionID: "abc", Updates: "1,024", Trackers: 2})
	require.NoError(t, err)

	// Borders are added around the map when annotations are on.
	assert.Greater(t, img.Bounds().Dx(), 2*8)
	assert.Greater(t, img.Bounds().Dy(), hopping.ChannelCount*12)
}

func TestNiceTimeStep(t *testing.T) {
	tests := []struct {
		durationUS int64
		width      int
		want       int64
	}{
		{10_000_000, 1200, 1_000_000},        // 10s over 10 labels
		{600_000_000, 600, 300_000_000},      // 10m over 5 labels
		{36_000_000_000, 240, 3_600_000_000}, // capped at 1h
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, niceTimeStep(tt.durationUS, tt.width))
	}
}
