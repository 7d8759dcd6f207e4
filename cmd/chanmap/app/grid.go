package app

import (
	"math"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/storage"
)

// QualityGrid accumulates a session's channel-quality snapshots into the
// columns of the rendered map, one column per snapshot, one row per channel.
type QualityGrid struct {
	Columns [][hopping.ChannelCount]uint8
	StartUS int64
	EndUS   int64
}

func NewQualityGrid() *QualityGrid {
	return &QualityGrid{StartUS: math.MaxInt64}
}

func (g *QualityGrid) Update(snap *storage.QualitySnapshot) {
	g.StartUS = min(g.StartUS, snap.RecordedUS)
	g.EndUS = max(g.EndUS, snap.RecordedUS)
	g.Columns = append(g.Columns, snap.Quality)
}

func (g *QualityGrid) Empty() bool {
	return len(g.Columns) == 0
}

// DurationUS is the link time spanned by the recorded snapshots.
func (g *QualityGrid) DurationUS() int64 {
	if g.Empty() {
		return 0
	}
	return g.EndUS - g.StartUS
}

// TimeAt maps a column index back to its approximate link time.
func (g *QualityGrid) TimeAt(col int) int64 {
	if len(g.Columns) < 2 {
		return g.StartUS
	}
	return g.StartUS + g.DurationUS()*int64(col)/int64(len(g.Columns)-1)
}
