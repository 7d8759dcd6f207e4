package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mingyuefenglou/slimerf/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	session, err := resolveSession(ctx, store, config.SessionID)
	if err != nil {
		return err
	}

	logger.Info("rendering session",
		slog.String("session", session.ID),
		slog.String("receiver", session.ReceiverMAC),
		slog.String("startedAt", session.StartedAt.Local().Format(time.DateTime)))

	grid, err := readQuality(ctx, store, session.ID, config)
	if err != nil {
		return err
	}
	if grid.Empty() {
		return fmt.Errorf("session %s has no channel quality snapshots in the requested window", session.ID)
	}

	stats, err := store.Stats(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("reading session stats: %w", err)
	}

	logger.Info("finished reading snapshots",
		slog.Group("stats",
			slog.Int("snapshots", len(grid.Columns)),
			slog.String("updates", humanize.Comma(stats.Updates)),
			slog.Int64("trackers", stats.Trackers),
			slog.Duration("span", time.Duration(grid.DurationUS())*time.Microsecond),
		))

	renderer := NewRenderer(RenderConfig{
		Theme:         config.Theme,
		CellWidth:     config.CellWidth,
		CellHeight:    config.CellHeight,
		FontPath:      config.FontPath,
		NoAnnotations: config.NoAnnotations,
	})

	img, err := renderer.Render(grid, RenderInfo{
		SessionID: session.ID,
		Updates:   humanize.Comma(stats.Updates),
		Trackers:  stats.Trackers,
	})
	if err != nil {
		return fmt.Errorf("rendering channel map: %w", err)
	}

	logger.Info("writing image",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.String("theme", string(config.Theme)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: 98})
	default:
		err = png.Encode(out, img)
	}
	return err
}

func resolveSession(ctx context.Context, store *storage.SqliteStore, id string) (*storage.Session, error) {
	if id == "" {
		session, err := store.LatestSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("finding latest session: %w", err)
		}
		return session, nil
	}
	return store.Session(ctx, id)
}

func readQuality(ctx context.Context, store *storage.SqliteStore, sessionID string, config *Config) (*QualityGrid, error) {
	var opts []storage.ReaderOption
	if config.StartUS != nil {
		opts = append(opts, storage.WithStartUS(*config.StartUS))
	}
	if config.EndUS != nil {
		opts = append(opts, storage.WithEndUS(*config.EndUS))
	}

	iter, err := store.ReadQuality(ctx, sessionID, opts...)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	grid := NewQualityGrid()
	for iter.Next() {
		grid.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return nil, err
	}
	return grid, nil
}
