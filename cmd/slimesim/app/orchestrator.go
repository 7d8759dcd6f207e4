package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mingyuefenglou/slimerf/internal/host"
	"github.com/mingyuefenglou/slimerf/internal/radio/airsim"
	"github.com/mingyuefenglou/slimerf/internal/receiver"
	"github.com/mingyuefenglou/slimerf/internal/storage"
	"github.com/mingyuefenglou/slimerf/internal/tracker"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

const defaultMaxBatchSize = 100

// WithQuantum sets the virtual time step per loop iteration.
func WithQuantum(us int64) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.quantumUS = us
	}
}

// WithDuration bounds the simulated run; zero runs until cancelled.
func WithDuration(us int64) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.durationUS = us
	}
}

// WithRealTime paces the virtual clock against wall time so the HTTP API
// can be exercised interactively.
func WithRealTime(on bool) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.realTime = on
	}
}

// WithMaxBatchSize sets how many updates are stored per transaction.
func WithMaxBatchSize(size int) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.maxBatchSize = size
	}
}

// WithQualityInterval sets how often the channel table is snapshotted.
func WithQualityInterval(us int64) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.qualityIntervalUS = us
	}
}

// record is one unit of storage work handed to the writer goroutine.
type record struct {
	updates  []host.Update
	snapshot *storage.QualitySnapshot
}

// Orchestrator steps the receiver and every tracker through shared virtual
// time, one quantum per iteration with the receiver first, and streams the
// accepted telemetry and channel-quality snapshots into storage off the
// stepping goroutine.
type Orchestrator struct {
	rx       *receiver.Engine
	trackers []*tracker.Engine
	rxMAC    wire.MAC
	autoPair bool

	clock  *airsim.VirtualClock
	store  storage.Store
	logger *slog.Logger

	configJSON any // recorded into the session row

	quantumUS         int64
	durationUS        int64
	realTime          bool
	maxBatchSize      int
	qualityIntervalUS int64

	sessionID string
	pending   []host.Update

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator writing to store. The engines are
// attached by the caller before Run.
func NewOrchestrator(store storage.Store, clock *airsim.VirtualClock, logger *slog.Logger, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		clock:        clock,
		store:        store,
		logger:       logger.With(slog.String("component", "orchestrator")),
		quantumUS:    50,
		maxBatchSize: defaultMaxBatchSize,
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// sink returns the receiver sink feeding the storage batch. It runs on the
// stepping goroutine, so plain appends suffice.
func (o *Orchestrator) sink() host.Sink {
	return host.SinkFunc(func(u host.Update) {
		o.pending = append(o.pending, u)
	})
}

// Run starts the engines and drives the stepping loop until the context is
// cancelled or the configured duration elapses.
func (o *Orchestrator) Run(ctx context.Context) error {
	sessionID, err := o.store.CreateSession(ctx, o.rxMAC.String(), o.configJSON)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	o.sessionID = sessionID
	o.logger.Info("session started", slog.String("sessionID", sessionID))

	if err := o.rx.Start(); err != nil {
		return fmt.Errorf("starting receiver: %w", err)
	}
	for i, tr := range o.trackers {
		if err := tr.Start(); err != nil {
			return fmt.Errorf("starting tracker %d: %w", i, err)
		}
	}

	if o.autoPair {
		if err := o.rx.StartPairing(); err != nil {
			o.logger.Warn("auto-pair request rejected", slog.Any("error", err))
		}
	}

	records := make(chan record, 8)
	o.wg.Add(1)
	go o.handleRecords(records)

	o.loop(ctx, records)

	o.flush(records)
	close(records)
	o.wg.Wait()

	o.logReport()
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, records chan<- record) {
	nextSnapshotUS := o.qualityIntervalUS

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := o.clock.NowMicros()
		if o.durationUS > 0 && now >= o.durationUS {
			return
		}

		// Receiver first: its beacon opens the superframe the trackers
		// step through.
		o.rx.Step()
		for _, tr := range o.trackers {
			tr.Step()
		}

		if o.qualityIntervalUS > 0 && now >= nextSnapshotUS {
			q := o.rx.ChannelQuality()
			records <- record{snapshot: &storage.QualitySnapshot{
				RecordedUS: now,
				Quality:    q,
			}}
			nextSnapshotUS = now + o.qualityIntervalUS
		}

		if len(o.pending) >= o.maxBatchSize {
			o.flush(records)
		}

		o.clock.Advance(o.quantumUS)
		if o.realTime {
			time.Sleep(time.Duration(o.quantumUS) * time.Microsecond)
		}
	}
}

// flush hands the pending batch to the writer goroutine.
func (o *Orchestrator) flush(records chan<- record) {
	if len(o.pending) == 0 {
		return
	}
	records <- record{updates: o.pending}
	o.pending = nil
}

func (o *Orchestrator) handleRecords(records <-chan record) {
	defer o.wg.Done()

	// Storage errors must not stall the link; log and keep consuming.
	ctx := context.Background()
	for r := range records {
		if len(r.updates) > 0 {
			if err := o.store.StoreUpdates(ctx, o.sessionID, r.updates); err != nil {
				o.logger.Error("storing updates", slog.Any("error", err))
			}
		}
		if r.snapshot != nil {
			if err := o.store.StoreQualitySnapshot(ctx, o.sessionID, r.snapshot.RecordedUS, r.snapshot.Quality); err != nil {
				o.logger.Error("storing quality snapshot", slog.Any("error", err))
			}
		}
	}
}

func (o *Orchestrator) logReport() {
	st := o.rx.Status()
	o.logger.Info("run finished",
		slog.Int64("simTimeUS", o.clock.NowMicros()),
		slog.Int("pairedTrackers", st.PairedCount),
		slog.Uint64("crcErrors", uint64(st.CRCErrors)),
	)

	for i, tr := range o.trackers {
		stats := tr.Statistics()
		o.logger.Info("tracker link stats",
			slog.Int("tracker", i),
			slog.String("state", tr.State().String()),
			slog.Uint64("tx", uint64(stats.TxCount)),
			slog.Uint64("acked", uint64(stats.AckCount)),
			slog.Uint64("retries", uint64(stats.RetryCount)),
			slog.Uint64("syncLosses", uint64(stats.SyncLosses)),
		)
	}
}
