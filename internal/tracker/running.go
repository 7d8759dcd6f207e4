package tracker

import (
	"log/slog"

	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/sensor"
	"github.com/mingyuefenglou/slimerf/internal/timing"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// stepRunning drives one synchronized transmit cycle per superframe:
// beacon, slot wait, transmit, ack wait, in-slot retries, retune.
func (e *Engine) stepRunning(nowUS int64) {
	if nowUS-e.lastActiveUS > e.cfg.SleepTimeoutUS {
		e.enterSleep()
		return
	}

	e.pollRunning(nowUS)
	if e.state != StateRunning {
		return // packet handling escalated to search or sleep
	}

	switch e.phase {
	case phaseWaitBeacon:
		if nowUS >= e.beaconWaitUS {
			e.onBeaconMissed(nowUS)
		}

	case phaseWaitSlot:
		if nowUS >= e.txAtUS {
			e.transmitTelemetry(nowUS)
		}

	case phaseAwaitAck:
		if nowUS > e.ackDeadlineUS {
			e.onAckTimeout(nowUS)
		}

	case phaseRetryWait:
		if nowUS >= e.retryAtUS {
			e.retransmit(nowUS)
		}

	case phaseIdle:
		if nowUS >= e.retuneAtUS {
			e.retuneNextFrame(nowUS)
		}
	}
}

// pollRunning consumes pending radio frames: beacons keep sync, acks close
// the transmit cycle.
func (e *Engine) pollRunning(nowUS int64) {
	for e.state == StateRunning {
		n, rssi, ok := e.hw.Receive(e.rxBuf[:])
		if !ok {
			return
		}

		pkt, err := wire.Decode(e.rxBuf[:n])
		if err != nil {
			e.quality.CountCRCError()
			continue
		}

		switch p := pkt.(type) {
		case *wire.Beacon:
			if p.NetworkKey == e.networkKey {
				e.onBeacon(p, nowUS)
			}
		case *wire.Ack:
			if e.phase == phaseAwaitAck && p.TrackerID == e.trackerID {
				e.onAck(p, rssi, nowUS)
			}
		default:
			// Other trackers' traffic on the shared channel.
		}
	}
}

// onBeacon re-synchronizes to a received beacon and opens this frame's
// slot phase.
func (e *Engine) onBeacon(b *wire.Beacon, nowUS int64) {
	delta := int(uint8(b.FrameNum - uint8(e.frame)))
	if delta > 128 {
		return // stale or duplicated beacon
	}
	if delta > 0 && !e.advanceFrames(delta) {
		return // crossed an epoch boundary without a plan
	}

	expected := e.realSyncUS + int64(e.framesSinceReal)*timing.SuperframePeriodUS
	e.drift.OnBeacon(expected, nowUS)

	e.realSyncUS = nowUS
	e.framesSinceReal = 0
	e.frameSyncUS = nowUS
	e.nextPlan = b.HopSequence
	e.nextPlanFresh = true

	if !e.locked {
		// Mid-epoch sync: stay parked until the boundary beacon.
		return
	}
	e.beginSlotPhase(nowUS)
}

// onBeaconMissed continues on predicted timing, or gives up when the
// tracker has free-run too long or never locked to a boundary.
func (e *Engine) onBeaconMissed(nowUS int64) {
	if !e.locked || e.framesSinceReal >= maxPredictedFrames {
		e.loseSync("beacon silence")
		return
	}

	elapsed := int64(e.framesSinceReal) * timing.SuperframePeriodUS
	e.frameSyncUS = e.realSyncUS + elapsed + e.drift.Compensation(elapsed)
	e.beginSlotPhase(nowUS)
}

// beginSlotPhase schedules this frame's transmission.
func (e *Engine) beginSlotPhase(nowUS int64) {
	e.slotNominalUS = timing.SlotStart(e.frameSyncUS, e.trackerID)
	e.slotEndUS = e.slotNominalUS + timing.SlotDurationUS
	e.txAtUS = e.drift.SlotTxTime(e.frameSyncUS, e.trackerID)
	if e.txAtUS < nowUS {
		e.txAtUS = nowUS
	}
	e.attempts = 0
	e.txFrame = nil
	e.retuneAtUS = e.frameSyncUS + timing.SuperframePeriodUS - retuneMarginUS
	e.phase = phaseWaitSlot
}

// transmitTelemetry pulls a fused sample and sends it in our slot. A
// stationary tracker decimates its transmissions to save power, staying
// silent on skipped frames while keeping sync.
func (e *Engine) transmitTelemetry(nowUS int64) {
	sample := e.provider.Sample()

	if sample.Stationary && e.frame%uint16(e.cfg.StationaryDivider) != 0 {
		e.phase = phaseIdle
		return
	}

	e.seq++
	p := wire.Telemetry{
		TrackerID: e.trackerID,
		Sequence:  e.seq,
		QuatW:     sensor.ToQ15(sample.Orientation.W),
		QuatX:     sensor.ToQ15(sample.Orientation.X),
		QuatY:     sensor.ToQ15(sample.Orientation.Y),
		QuatZ:     sensor.ToQ15(sample.Orientation.Z),
		AccelX:    sensor.ToMilliG(sample.Accel[0]),
		Battery:   sample.Battery,
		Flags:     buildFlags(sample, e.failStreak),
	}
	e.txFrame = p.Encode()
	e.sendAttempt(nowUS)
}

// sendAttempt performs one physical transmission of the cached frame and
// arms the ack deadline.
func (e *Engine) sendAttempt(nowUS int64) {
	if e.attempts == 0 {
		e.lastTxUS = nowUS
	}
	e.hw.SetMode(radio.ModeTX)
	if err := e.hw.Transmit(e.txFrame); err != nil {
		e.logger.Warn("telemetry transmit failed", slog.Any("error", err))
	}
	e.hw.SetMode(radio.ModeRX)

	e.attempts++
	e.stats.TxCount++
	e.ackDeadlineUS = nowUS + timing.AckTimeoutUS
	e.phase = phaseAwaitAck
}

// onAck closes a successful transmit cycle.
func (e *Engine) onAck(a *wire.Ack, rssi int8, nowUS int64) {
	e.stats.AckCount++
	e.failStreak = 0
	e.lastActiveUS = nowUS

	e.drift.SlotFeedback(true, e.lastTxUS-e.slotNominalUS)
	e.quality.Update(e.currentChannel(), true, rssi, nowUS)
	e.adaptPower(rssi)

	if a.Command != wire.CmdNone {
		e.handleCommand(a.Command, a.CommandParam, nowUS)
	}
	if e.state == StateRunning {
		e.phase = phaseIdle
	}
}

// onAckTimeout retries within the slot while time remains, then books the
// slot as failed.
func (e *Engine) onAckTimeout(nowUS int64) {
	e.stats.TimeoutCount++

	if e.attempts <= e.cfg.MaxRetries {
		backoff := timing.RetryBackoff(e.attempts)
		if nowUS+backoff+timing.SlotGuardUS < e.slotEndUS {
			e.retryAtUS = nowUS + backoff
			e.phase = phaseRetryWait
			return
		}
	}
	e.onSlotFailed(nowUS)
}

func (e *Engine) retransmit(nowUS int64) {
	e.stats.RetryCount++
	e.sendAttempt(nowUS)
}

// onSlotFailed books one unacknowledged slot and escalates to search once
// the failure streak crosses the sync-loss threshold.
func (e *Engine) onSlotFailed(nowUS int64) {
	e.failStreak++
	e.drift.SlotFeedback(false, 0)
	e.quality.Update(e.currentChannel(), false, 0, nowUS)

	if e.failStreak >= timing.SyncLostThreshold {
		e.stats.SyncLosses++
		e.loseSync("consecutive ack failures")
		return
	}
	e.phase = phaseIdle
}

// retuneNextFrame pre-advances to the next frame and moves the radio to
// its hop channel ahead of the beacon.
func (e *Engine) retuneNextFrame(nowUS int64) {
	if !e.advanceFrames(1) {
		return
	}

	e.hw.SetChannel(e.currentChannel())
	expected := e.realSyncUS + int64(e.framesSinceReal)*timing.SuperframePeriodUS
	e.beaconWaitUS = expected + beaconLateMarginUS
	e.phase = phaseWaitBeacon
}

// advanceFrames moves the local frame counter forward, rotating the
// channel plan at epoch boundaries. It fails (entering search) when a
// boundary is crossed without a fresh plan from a beacon.
func (e *Engine) advanceFrames(n int) bool {
	for i := 0; i < n; i++ {
		e.frame++
		e.framesSinceReal++

		if e.frame%timing.HopEpochFrames == 0 {
			if !e.nextPlanFresh {
				e.loseSync("no hop plan for next epoch")
				return false
			}
			e.curPlan = e.nextPlan
			e.nextPlanFresh = false
			e.locked = true
		}
	}
	return true
}

func (e *Engine) currentChannel() uint8 {
	return e.curPlan[e.frame%timing.HopEpochFrames]
}

func (e *Engine) loseSync(reason string) {
	e.logger.Warn("sync lost", slog.String("reason", reason))
	e.enterSearch(e.hw.NowMicros())
}

// handleCommand executes an RF command carried by an Ack.
func (e *Engine) handleCommand(cmd, param uint8, nowUS int64) {
	e.logger.Info("rf command", slog.Int("cmd", int(cmd)), slog.Int("param", int(param)))

	switch cmd {
	case wire.CmdSleep:
		e.enterSleep()

	case wire.CmdWake:
		// Already awake when we can hear an Ack.

	case wire.CmdSetPower:
		if param <= uint8(radio.PowerLow) {
			e.power = radio.Power(param)
			e.hw.SetPower(e.power)
		}

	case wire.CmdUnpair:
		e.unpair(nowUS)

	default:
		if e.cmdHandler != nil {
			e.cmdHandler(cmd, param)
		}
	}
}

// unpair erases the stored binding and restarts pairing.
func (e *Engine) unpair(nowUS int64) {
	if err := e.store.Erase(0, nvs.TrackerRecordSize); err != nil {
		e.logger.Warn("erasing pairing record failed", slog.Any("error", err))
	}
	e.paired = false
	e.trackerID = 0
	e.networkKey = 0
	e.receiverMAC = wire.MAC{}
	e.enterPairing(nowUS)
}

// adaptPower walks the TX power level against the smoothed downlink RSSI:
// a hot signal steps power down, a weak one steps it back up.
func (e *Engine) adaptPower(rssi int8) {
	if !e.haveRSSI {
		e.ackRSSIAvg = int16(rssi)
		e.haveRSSI = true
	} else {
		e.ackRSSIAvg = e.ackRSSIAvg*7/8 + int16(rssi)/8
	}

	switch {
	case e.ackRSSIAvg >= -50 && e.power < radio.PowerLow:
		e.power++
		e.hw.SetPower(e.power)
	case e.ackRSSIAvg <= -80 && e.power > radio.PowerHigh:
		e.power--
		e.hw.SetPower(e.power)
	}
}

func buildFlags(s sensor.Sample, failStreak int) uint8 {
	var f uint8
	if s.Charging {
		f |= wire.FlagCharging
	}
	if s.Battery <= 15 {
		f |= wire.FlagLowBattery
	}
	if s.Stationary {
		f |= wire.FlagStationary
	}
	if failStreak > 0 {
		f |= wire.FlagRFLost
	}
	return f
}
