package receiver

import "log/slog"

type cmdKind uint8

const (
	cmdStartPairing cmdKind = iota
	cmdStopPairing
	cmdUnpair
	cmdUnpairAll
	cmdTracker
)

type command struct {
	kind      cmdKind
	trackerID uint8
	rfCmd     uint8
	rfParam   uint8
}

// StartPairing asks the scheduler to open a pairing window on its next
// step. Safe from any goroutine.
func (e *Engine) StartPairing() error { return e.enqueue(command{kind: cmdStartPairing}) }

// StopPairing aborts an open pairing window, discarding any half-finished
// handshake.
func (e *Engine) StopPairing() error { return e.enqueue(command{kind: cmdStopPairing}) }

// Unpair clears one tracker slot and persists the change.
func (e *Engine) Unpair(trackerID uint8) error {
	return e.enqueue(command{kind: cmdUnpair, trackerID: trackerID})
}

// UnpairAll clears the whole tracker table.
func (e *Engine) UnpairAll() error { return e.enqueue(command{kind: cmdUnpairAll}) }

// SendCommand queues an RF command to piggy-back on the tracker's next
// Ack. A newer command to the same tracker replaces an undelivered one.
func (e *Engine) SendCommand(trackerID, rfCmd, param uint8) error {
	return e.enqueue(command{kind: cmdTracker, trackerID: trackerID, rfCmd: rfCmd, rfParam: param})
}

func (e *Engine) enqueue(c command) error {
	select {
	case e.commands <- c:
		return nil
	default:
		return ErrMailboxFull
	}
}

// drainCommands applies queued host commands on the protocol goroutine.
func (e *Engine) drainCommands() {
	for {
		select {
		case c := <-e.commands:
			e.apply(c)
		default:
			return
		}
	}
}

func (e *Engine) apply(c command) {
	switch c.kind {
	case cmdStartPairing:
		e.startPairing(e.hw.NowMicros())

	case cmdStopPairing:
		e.endPairing()

	case cmdUnpair:
		if int(c.trackerID) < len(e.slots) && e.slots[c.trackerID].paired {
			e.slots[c.trackerID].clear()
			e.planner.Remove(c.trackerID)
			delete(e.pendingCmd, c.trackerID)
			e.persist()
			e.logger.Info("tracker unpaired", slog.Int("trackerID", int(c.trackerID)))
		}

	case cmdUnpairAll:
		for id := range e.slots {
			if e.slots[id].paired {
				e.slots[id].clear()
				e.planner.Remove(uint8(id))
			}
		}
		e.pendingCmd = make(map[uint8][2]uint8)
		e.persist()
		e.logger.Info("all trackers unpaired")

	case cmdTracker:
		if int(c.trackerID) < len(e.slots) && e.slots[c.trackerID].paired {
			e.pendingCmd[c.trackerID] = [2]uint8{c.rfCmd, c.rfParam}
		}
	}
}
