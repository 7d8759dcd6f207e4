package receiver

import (
	"fmt"
	"log/slog"

	"github.com/mingyuefenglou/slimerf/internal/hopping"
	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/timing"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// pairingContext is the receiver side of the 3-way handshake. While the
// window is open the scheduler keeps beaconing; the radio parks on the
// pairing channel only in the tail of each superframe, after the last
// assigned slot has passed.
type pairingContext struct {
	windowEndUS int64
	parked      bool

	pending    bool
	pendingMAC wire.MAC
	pendingID  uint8
}

// startPairing opens the pairing window.
func (e *Engine) startPairing(nowUS int64) {
	if e.state != StateRunning {
		return
	}
	e.state = StatePairing
	e.pairing = pairingContext{windowEndUS: nowUS + e.cfg.PairingWindowUS}
	e.logger.Info("pairing window open",
		slog.Int64("windowMS", e.cfg.PairingWindowUS/1000))
}

// endPairing closes the window and returns the radio to the hop schedule.
func (e *Engine) endPairing() {
	if e.state != StatePairing {
		return
	}
	e.state = StateRunning
	e.pairing = pairingContext{}
	e.hw.SetChannel(e.channel)
	e.logger.Info("pairing window closed")
}

// stepPairing parks the radio on the pairing channel for the superframe's
// tail and enforces the window timeout.
func (e *Engine) stepPairing(nowUS int64) {
	if nowUS >= e.pairing.windowEndUS {
		e.logger.Info("pairing window timed out")
		e.endPairing()
		return
	}

	if e.pairing.pending {
		// A response is out; hold the pairing channel for the confirm.
		if !e.pairing.parked {
			e.hw.SetChannel(hopping.PairingChannel)
			e.pairing.parked = true
		}
		return
	}

	slotRegionEnd := e.superframeStartUS + timing.SyncSlotUS +
		int64(len(e.slots))*timing.SlotDurationUS
	if nowUS >= slotRegionEnd && !e.pairing.parked {
		e.hw.SetChannel(hopping.PairingChannel)
		e.pairing.parked = true
	}
	if nowUS < slotRegionEnd && e.pairing.parked {
		// New superframe; sendBeacon retuned to the hop channel.
		e.pairing.parked = false
	}
}

// handlePairRequest assigns (or re-issues) a tracker ID. A full table is a
// silent drop so the requester retries and eventually times out.
func (e *Engine) handlePairRequest(p *wire.PairRequest, nowUS int64) {
	id, ok := e.allocSlot(p.MAC)
	if !ok {
		e.logger.Warn("pair request with no free slot", slog.String("mac", p.MAC.String()))
		return
	}

	resp := wire.PairResponse{
		MAC:         p.MAC,
		AssignedID:  id,
		ReceiverMAC: e.hw.MAC(),
		NetworkKey:  e.networkKey,
	}

	// The requester is parked on the pairing channel; answer there even
	// if the radio has moved back to the hop schedule since the request
	// was queued, and stay there for the confirm.
	e.hw.SetChannel(hopping.PairingChannel)
	e.hw.SetMode(radio.ModeTX)
	if err := e.hw.Transmit(resp.Encode()); err != nil {
		e.logger.Warn("pair response transmit failed", slog.Any("error", err))
	}
	e.hw.SetMode(radio.ModeRX)

	e.pairing.parked = true
	e.pairing.pending = true
	e.pairing.pendingMAC = p.MAC
	e.pairing.pendingID = id

	e.logger.Info("pair request",
		slog.String("mac", p.MAC.String()),
		slog.Int("assignedID", int(id)),
		slog.String("fw", fmt.Sprintf("%d.%d", p.FwMajor, p.FwMinor)),
	)
}

// handlePairConfirm completes the handshake, persists the binding and
// closes the window.
func (e *Engine) handlePairConfirm(p *wire.PairConfirm, nowUS int64) {
	pr := &e.pairing
	if !pr.pending || p.TrackerID != pr.pendingID || p.MAC != pr.pendingMAC || p.Status != 0 {
		return
	}

	s := &e.slots[p.TrackerID]
	s.clear()
	s.mac = p.MAC
	s.paired = true
	s.active = true
	s.lastSeenUS = nowUS

	e.planner.Track(p.TrackerID, timing.DefaultPriority)
	e.persist()

	e.logger.Info("tracker paired",
		slog.Int("trackerID", int(p.TrackerID)),
		slog.String("mac", p.MAC.String()),
	)
	if e.onPaired != nil {
		e.onPaired(p.TrackerID, p.MAC)
	}

	e.endPairing()
}

// allocSlot returns the ID for mac: the existing binding when the MAC is
// already paired (re-pairing is idempotent), else the lowest free slot.
func (e *Engine) allocSlot(mac wire.MAC) (uint8, bool) {
	for id := range e.slots {
		if e.slots[id].paired && e.slots[id].mac == mac {
			return uint8(id), true
		}
	}
	for id := range e.slots {
		if !e.slots[id].paired {
			return uint8(id), true
		}
	}
	return 0, false
}
