package tracker

import (
	"encoding/binary"
	"log/slog"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/nvs"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// enterPairing parks on the pairing channel and starts broadcasting
// requests.
func (e *Engine) enterPairing(nowUS int64) {
	e.state = StatePairing
	e.pairNextTxUS = nowUS

	e.hw.SetChannel(hopping.PairingChannel)
	e.hw.SetMode(radio.ModeRX)
	e.logger.Info("pairing", slog.String("mac", e.hw.MAC().String()))
}

// pairRetryInterval staggers retransmissions per device so two trackers
// pairing at once do not stay phase-locked with the receiver's schedule.
func (e *Engine) pairRetryInterval() int64 {
	mac := e.hw.MAC()
	jitter := int64(binary.LittleEndian.Uint32(mac[2:6]) % 4999)
	return e.cfg.PairRetryUS + jitter
}

// stepPairing retransmits the request on an interval and waits for a
// response addressed to our MAC.
func (e *Engine) stepPairing(nowUS int64) {
	if nowUS-e.lastActiveUS > e.cfg.SleepTimeoutUS {
		e.enterSleep()
		return
	}

	for {
		n, _, ok := e.hw.Receive(e.rxBuf[:])
		if !ok {
			break
		}

		pkt, err := wire.Decode(e.rxBuf[:n])
		if err != nil {
			e.quality.CountCRCError()
			continue
		}
		resp, ok := pkt.(*wire.PairResponse)
		if !ok || resp.MAC != e.hw.MAC() {
			continue // someone else's handshake
		}

		e.onPairResponse(resp, nowUS)
		return
	}

	if nowUS >= e.pairNextTxUS {
		req := wire.PairRequest{
			MAC:        e.hw.MAC(),
			DeviceType: e.cfg.DeviceType,
			FwMajor:    e.cfg.FwMajor,
			FwMinor:    e.cfg.FwMinor,
		}

		e.hw.SetMode(radio.ModeTX)
		if err := e.hw.Transmit(req.Encode()); err != nil {
			e.logger.Warn("pair request transmit failed", slog.Any("error", err))
		}
		e.hw.SetMode(radio.ModeRX)

		e.pairNextTxUS = nowUS + e.pairRetryInterval()
	}
}

// onPairResponse adopts the assignment, confirms it and heads for sync.
// The confirm is repeated a few times since its loss would leave the two
// ends disagreeing about the pairing.
func (e *Engine) onPairResponse(resp *wire.PairResponse, nowUS int64) {
	e.trackerID = resp.AssignedID
	e.networkKey = resp.NetworkKey
	e.receiverMAC = resp.ReceiverMAC
	e.paired = true
	e.stats.Pairings++

	confirm := wire.PairConfirm{
		TrackerID: e.trackerID,
		MAC:       e.hw.MAC(),
		Status:    0,
	}
	frame := confirm.Encode()

	e.hw.SetMode(radio.ModeTX)
	for i := 0; i < pairConfirmRepeats; i++ {
		if err := e.hw.Transmit(frame); err != nil {
			e.logger.Warn("pair confirm transmit failed", slog.Any("error", err))
			break
		}
	}
	e.hw.SetMode(radio.ModeRX)

	// A write failure is logged and the pairing stands in RAM; the next
	// successful save catches up.
	rec := nvs.TrackerRecord{
		TrackerID:   e.trackerID,
		NetworkKey:  e.networkKey,
		ReceiverMAC: e.receiverMAC,
	}
	if err := e.store.Write(0, rec.Encode()); err != nil {
		e.logger.Warn("persisting pairing failed", slog.Any("error", err))
	}

	e.logger.Info("paired",
		slog.Int("trackerID", int(e.trackerID)),
		slog.String("receiver", e.receiverMAC.String()),
	)

	e.lastActiveUS = nowUS
	e.enterSearch(nowUS)
}
