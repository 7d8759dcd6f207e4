package app

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"
)

type ImageFormat string

type Config struct {
	DBPath     string
	SessionID  string // empty picks the most recent session
	OutputFile string
	Format     ImageFormat
	Theme      ColorTheme
	FontPath   string // optional TTF; falls back to a builtin bitmap face

	// Time window in microseconds of link time. Nil means unbounded.
	StartUS *int64
	EndUS   *int64

	CellWidth     int
	CellHeight    int
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

var validThemes = map[ColorTheme]struct{}{
	ClassicTheme:   {},
	GrayscaleTheme: {},
	ThermalTheme:   {},
}

func NewConfig() *Config {
	return &Config{
		Format:     ImagePNG,
		Theme:      ClassicTheme,
		CellWidth:  4,
		CellHeight: 12,
	}
}

func NewConfigFromCLI() (*Config, error) {
	c := NewConfig()

	var imageFormat, theme string
	var fromSec, toSec float64
	flag.StringVar(&c.DBPath, "db", "", "Path to the session database file")
	flag.StringVar(&c.SessionID, "s", "", "Session ID (defaults to the most recent session)")
	flag.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	flag.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	flag.StringVar(&theme, "theme", string(ClassicTheme), "Color theme. [classic, grayscale, thermal]")
	flag.StringVar(&c.FontPath, "font", "", "Path to a TTF font for labels (optional)")
	flag.Float64Var(&fromSec, "from", 0, "Start of the time window, seconds of link time")
	flag.Float64Var(&toSec, "to", 0, "End of the time window, seconds of link time")
	flag.IntVar(&c.CellWidth, "cell-width", c.CellWidth, "Pixels per snapshot column")
	flag.IntVar(&c.CellHeight, "cell-height", c.CellHeight, "Pixels per channel row")
	flag.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable channel and time scales")
	flag.Parse()

	imageFormat = strings.ToLower(imageFormat)
	theme = strings.ToLower(theme)

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "from" {
			us := int64(fromSec * 1e6)
			c.StartUS = &us
		}
		if f.Name == "to" {
			us := int64(toSec * 1e6)
			c.EndUS = &us
		}
	})

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if _, ok := validThemes[ColorTheme(theme)]; !ok {
		err = fmt.Errorf("invalid color theme: %s", theme)
	} else if c.CellWidth < 1 || c.CellHeight < 1 {
		err = errors.New("cell dimensions must be at least 1px")
	}

	if err != nil {
		flag.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.Theme = ColorTheme(theme)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
