package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mingyuefenglou/slimerf/internal/host/httpapi"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio/airsim"
	"github.com/mingyuefenglou/slimerf/internal/receiver"
	"github.com/mingyuefenglou/slimerf/internal/sensor"
	"github.com/mingyuefenglou/slimerf/internal/storage"
	"github.com/mingyuefenglou/slimerf/internal/tracker"
)

// Run wires the simulated link from the configuration and drives it until
// the context is cancelled or the configured duration elapses.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("creating storage: %w", err)
	}
	defer store.Close()

	orch, err := buildOrchestrator(config, store, logger)
	if err != nil {
		return err
	}

	if config.API.Listen != "" {
		srv := &http.Server{
			Addr:    config.API.Listen,
			Handler: httpapi.NewHandler(orch.rx, logger),
		}

		go func() {
			logger.Info("api listening", slog.String("addr", config.API.Listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return orch.Run(ctx)
}

func buildOrchestrator(config *Config, store storage.Store, logger *slog.Logger) (*Orchestrator, error) {
	clock := airsim.NewVirtualClock()
	air := airsim.NewAir(airsim.Config{
		Seed:        config.Simulation.Seed,
		DefaultLoss: config.Simulation.DefaultLoss,
	}, airsim.WithLogger(logger))

	for ch, loss := range config.Simulation.ChannelLoss {
		air.SetChannelLoss(ch, loss)
	}

	rxMAC, err := parseMAC(config.Receiver.MAC)
	if err != nil {
		return nil, err
	}

	rxNVS, err := nvs.NewFileStorage(
		filepath.Join(config.Storage.DataDirectory, "receiver.nvs"),
		nvs.ReceiverRecordSize,
	)
	if err != nil {
		return nil, fmt.Errorf("opening receiver nvs: %w", err)
	}

	orch := NewOrchestrator(store, clock, logger,
		WithQuantum(config.Simulation.QuantumUS),
		WithDuration(config.Simulation.DurationSec*1_000_000),
		WithRealTime(config.Simulation.RealTime),
		WithMaxBatchSize(config.Storage.MaxBatchSize),
		WithQualityInterval(config.Storage.QualityIntervalMS*1000),
	)

	orch.rx = receiver.NewEngine(
		air.NewPort(rxMAC, clock),
		rxNVS,
		orch.sink(),
		receiver.Config{
			MaxTrackers:      config.Receiver.MaxTrackers,
			PairingWindowUS:  config.Receiver.PairingWindowMS * 1000,
			OfflineTimeoutUS: config.Receiver.OfflineTimeoutMS * 1000,
		},
		receiver.WithLogger(logger),
	)
	orch.rxMAC = rxMAC
	orch.autoPair = config.Receiver.AutoPair
	orch.configJSON = config

	for _, tc := range config.Trackers {
		mac, err := parseMAC(tc.MAC)
		if err != nil {
			return nil, err
		}

		trNVS, err := nvs.NewFileStorage(
			filepath.Join(config.Storage.DataDirectory, tc.Name+".nvs"),
			nvs.TrackerRecordSize,
		)
		if err != nil {
			return nil, fmt.Errorf("opening nvs for %s: %w", tc.Name, err)
		}

		orch.trackers = append(orch.trackers, tracker.NewEngine(
			air.NewPort(mac, clock),
			trNVS,
			sensor.NewSimProvider(clock.NowMicros, tc.RotationPeriodMS*1000),
			tracker.Config{},
			tracker.WithLogger(logger.With(slog.String("tracker", tc.Name))),
		))
	}

	return orch, nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	if err := os.MkdirAll(config.DataDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(config.DataDirectory,
		fmt.Sprintf("link_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}
