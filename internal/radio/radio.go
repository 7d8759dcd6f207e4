// Package radio defines the hardware capability surface the protocol core
// runs against. The state machines never touch a radio directly; anything
// that can tune, transmit and timestamp can carry the link, including the
// simulated medium used for host-side testing.
package radio

import "github.com/mingyuefenglou/slimerf/internal/wire"

// Mode is the radio's operating state.
type Mode uint8

const (
	ModeSleep Mode = iota
	ModeRX
	ModeTX
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeRX:
		return "rx"
	case ModeTX:
		return "tx"
	default:
		return "unknown"
	}
}

// TX power levels, highest first.
type Power uint8

const (
	PowerHigh Power = iota
	PowerMedium
	PowerLow
)

// Hardware is the capability interface over one radio transceiver. All
// calls are non-blocking: Transmit queues the frame for the current
// channel, Receive drains at most one pending frame. Implementations are
// owned by a single protocol goroutine and need not be thread safe.
type Hardware interface {
	// SetChannel tunes the radio. Channels are 0-based indexes into the
	// 2.4GHz plan, not MHz.
	SetChannel(channel uint8)

	// SetMode switches between sleep, receive and transmit.
	SetMode(mode Mode)

	// SetPower selects the transmit power level.
	SetPower(power Power)

	// Transmit sends one frame on the current channel.
	Transmit(frame []byte) error

	// Receive copies the oldest pending frame into buf and reports its
	// length and RSSI. ok is false when nothing is pending.
	Receive(buf []byte) (n int, rssi int8, ok bool)

	// NowMicros is the radio's monotonic microsecond clock. All protocol
	// deadlines derive from it.
	NowMicros() int64

	// MAC returns the transceiver's burned-in hardware address.
	MAC() wire.MAC
}
