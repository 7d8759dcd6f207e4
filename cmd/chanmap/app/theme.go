package app

import (
	"image/color"
	"math"
)

// ColorTheme names a quality-to-color gradient. Quality runs 0..100 where
// high is good, so themes map low quality to the hot end of the scale.
type ColorTheme string

const (
	ClassicTheme   ColorTheme = "classic"   // red (dead) to blue (clean)
	GrayscaleTheme ColorTheme = "grayscale" // black (dead) to white (clean)
	ThermalTheme   ColorTheme = "thermal"   // white-hot (dead) to black (clean)

	colorMapSize = 101 // one entry per quality point
)

// HSV represents a color in HSV color space.
type HSV struct {
	H float64 // Hue [0-360]
	S float64 // Saturation [0-1]
	V float64 // Value [0-1]
}

// RGB converts HSV to RGB color space.
func (hsv HSV) RGB() color.Color {
	h, s, v := hsv.H, hsv.S, hsv.V

	if s <= 0.0 {
		rgb := uint8(v * 255)
		return color.RGBA{R: rgb, G: rgb, B: rgb, A: 0xff}
	}

	h = math.Mod(h, 360) / 60
	i := math.Floor(h)
	f := h - i

	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}

	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0xff}
}

func themeFunc(theme ColorTheme) func(float64) color.Color {
	switch theme {
	case GrayscaleTheme:
		return func(q float64) color.Color {
			v := uint8(math.Pow(q, 0.7) * 255)
			return color.RGBA{R: v, G: v, B: v, A: 255}
		}

	case ThermalTheme:
		return func(q float64) color.Color {
			// Inverted heat: losses burn bright.
			heat := 1 - q
			switch {
			case heat < 0.33:
				return color.RGBA{R: uint8(heat * 3 * 255), A: 255}
			case heat < 0.66:
				return color.RGBA{R: 255, G: uint8((heat - 0.33) * 3 * 255), A: 255}
			default:
				return color.RGBA{R: 255, G: 255, B: uint8((heat - 0.66) * 3 * 255), A: 255}
			}
		}

	default: // ClassicTheme
		return func(q float64) color.Color {
			return HSV{
				H: q * 240, // 0 red, 240 blue
				S: 0.9 + (q * 0.1),
				V: 0.85,
			}.RGB()
		}
	}
}

// colorMap is a pre-computed quality-to-color lookup table.
type colorMap struct {
	colors [colorMapSize]color.Color
}

func newColorMap(theme ColorTheme) *colorMap {
	cm := &colorMap{}
	f := themeFunc(theme)
	for i := range cm.colors {
		cm.colors[i] = f(float64(i) / float64(colorMapSize-1))
	}
	return cm
}

// Get returns the color for a quality value, clamped to 0..100.
func (cm *colorMap) Get(quality uint8) color.Color {
	if int(quality) >= colorMapSize {
		quality = colorMapSize - 1
	}
	return cm.colors[quality]
}
