package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
)

const (
	fontSize       = 12.0
	fontDPI        = 96.0
	tickMarkLength = 5
	pixelsPerLabel = 120
	channelsPerTag = 4
)

// BorderConfig defines the white space around the quality map.
type BorderConfig struct {
	Top    int // time scale
	Left   int // channel labels
	Bottom int // information bar
	Right  int
}

// RenderConfig holds the visual options for the channel map.
type RenderConfig struct {
	Theme      ColorTheme
	CellWidth  int
	CellHeight int
	FontPath   string // empty uses a builtin bitmap face

	Borders       BorderConfig
	NoAnnotations bool
}

// RenderInfo is the session summary line drawn under the map.
type RenderInfo struct {
	SessionID string
	Updates   string
	Trackers  int64
}

// Renderer draws a session's channel quality over time: one column per
// snapshot, one row per channel, colored by the quality score.
type Renderer struct {
	colors *colorMap
	config RenderConfig
}

func NewRenderer(config RenderConfig) *Renderer {
	if config.CellWidth < 1 {
		config.CellWidth = 1
	}
	if config.CellHeight < 1 {
		config.CellHeight = 1
	}
	if config.Borders.Top == 0 {
		config.Borders.Top = 40
	}
	if config.Borders.Left == 0 {
		config.Borders.Left = 90
	}
	if config.Borders.Bottom == 0 {
		config.Borders.Bottom = 40
	}
	if config.Borders.Right == 0 {
		config.Borders.Right = 40
	}
	if config.NoAnnotations {
		config.Borders = BorderConfig{}
	}

	return &Renderer{
		colors: newColorMap(config.Theme),
		config: config,
	}
}

func (r *Renderer) Render(grid *QualityGrid, info RenderInfo) (*image.RGBA, error) {
	mapWidth := len(grid.Columns) * r.config.CellWidth
	mapHeight := hopping.ChannelCount * r.config.CellHeight

	b := r.config.Borders
	img := image.NewRGBA(image.Rect(0, 0, mapWidth+b.Left+b.Right, mapHeight+b.Top+b.Bottom))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(b.Left, b.Top, b.Left+mapWidth, b.Top+mapHeight)
	r.renderCells(img, area, grid)

	if r.config.NoAnnotations {
		return img, nil
	}

	ann, err := newAnnotator(r.config)
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	if err = ann.annotate(img, area, grid, info); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}
	return img, nil
}

func (r *Renderer) renderCells(img *image.RGBA, area image.Rectangle, grid *QualityGrid) {
	for col, column := range grid.Columns {
		x0 := area.Min.X + col*r.config.CellWidth
		for ch := 0; ch < hopping.ChannelCount; ch++ {
			// Channel 0 at the bottom, like a spectrum display.
			y0 := area.Max.Y - (ch+1)*r.config.CellHeight
			c := r.colors.Get(column[ch])

			cell := image.Rect(x0, y0, x0+r.config.CellWidth, y0+r.config.CellHeight)
			draw.Draw(img, cell, image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

type annotator struct {
	face   font.Face
	config RenderConfig
}

func newAnnotator(config RenderConfig) (*annotator, error) {
	a := &annotator{config: config}

	if config.FontPath == "" {
		a.face = basicfont.Face7x13
		return a, nil
	}

	data, err := os.ReadFile(config.FontPath)
	if err != nil {
		return nil, fmt.Errorf("reading font: %w", err)
	}
	ttf, err := freetype.ParseFont(data)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	a.face = truetype.NewFace(ttf, &truetype.Options{
		Size:    fontSize,
		DPI:     fontDPI,
		Hinting: font.HintingNone,
	})
	return a, nil
}

func (a *annotator) Close() error {
	return a.face.Close()
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, grid *QualityGrid, info RenderInfo) error {
	a.drawChannelScale(img, area)
	a.drawTimeScale(img, area, grid)
	a.drawInfoBar(img, grid, info)
	return nil
}

func (a *annotator) drawString(img *image.RGBA, s string, x, y int) {
	d := font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: a.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func (a *annotator) drawChannelScale(img *image.RGBA, area image.Rectangle) {
	metrics := a.face.Metrics()
	ascent := metrics.Ascent.Round()
	descent := metrics.Descent.Round()

	for ch := 0; ch < hopping.ChannelCount; ch++ {
		if ch%channelsPerTag != 0 && ch != hopping.PairingChannel {
			continue
		}

		rowTop := area.Max.Y - (ch+1)*a.config.CellHeight
		centerY := rowTop + a.config.CellHeight/2

		for x := area.Min.X - tickMarkLength; x < area.Min.X; x++ {
			img.Set(x, centerY, color.Black)
		}

		label := fmt.Sprintf("ch %d", ch)
		if ch == hopping.PairingChannel {
			label += " P"
		}
		width := font.MeasureString(a.face, label).Round()
		a.drawString(img, label, area.Min.X-tickMarkLength-width-4, centerY+(ascent-descent)/2)
	}
}

func (a *annotator) drawTimeScale(img *image.RGBA, area image.Rectangle, grid *QualityGrid) {
	if grid.DurationUS() <= 0 {
		return
	}

	stepUS := niceTimeStep(grid.DurationUS(), area.Dx())
	startUS := (grid.StartUS / stepUS) * stepUS
	if startUS < grid.StartUS {
		startUS += stepUS
	}

	textY := area.Min.Y - tickMarkLength - 4

	for t := startUS; t <= grid.EndUS; t += stepUS {
		ratio := float64(t-grid.StartUS) / float64(grid.DurationUS())
		x := area.Min.X + int(ratio*float64(area.Dx()))

		for y := area.Min.Y - tickMarkLength; y < area.Min.Y; y++ {
			img.Set(x, y, color.Black)
		}

		label := formatLinkTime(t)
		width := font.MeasureString(a.face, label).Round()
		a.drawString(img, label, x-width/2, textY)
	}
}

func (a *annotator) drawInfoBar(img *image.RGBA, grid *QualityGrid, info RenderInfo) {
	text := fmt.Sprintf("Session %s; %s updates from %d trackers; %d snapshots over %s",
		info.SessionID, info.Updates, info.Trackers,
		len(grid.Columns),
		time.Duration(grid.DurationUS())*time.Microsecond)

	metrics := a.face.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (a.config.Borders.Bottom-fontHeight)/2 - metrics.Descent.Round()

	a.drawString(img, text, a.config.Borders.Left, textY)
}

// niceTimeStep picks a label interval that keeps roughly one label per
// pixelsPerLabel of map width.
func niceTimeStep(durationUS int64, width int) int64 {
	steps := []int64{
		1_000_000,     // 1s
		5_000_000,     // 5s
		10_000_000,    // 10s
		30_000_000,    // 30s
		60_000_000,    // 1m
		300_000_000,   // 5m
		600_000_000,   // 10m
		1_800_000_000, // 30m
		3_600_000_000, // 1h
	}

	desired := max(width/pixelsPerLabel, 1)
	target := durationUS / int64(desired)

	for _, step := range steps {
		if step >= target {
			return step
		}
	}
	return steps[len(steps)-1]
}

func formatLinkTime(us int64) string {
	s := us / 1_000_000
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
