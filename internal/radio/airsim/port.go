package airsim

import (
	"errors"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/mingyuefenglou/slimerf/internal/radio"
	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// rxQueueDepth bounds the frames a port can hold between polls, mirroring
// a real transceiver's tiny RX FIFO.
const rxQueueDepth = 16

// ErrNotTransmitting is returned by Transmit when the port is not in TX mode.
var ErrNotTransmitting = errors.New("port is not in tx mode")

type rxFrame struct {
	data []byte
	rssi int8
}

// Port is one simulated transceiver attached to an Air medium. It
// implements radio.Hardware. Delivery happens on the transmitter's
// goroutine and consumption on the owner's, so the RX path uses a
// lock-free ring buffer the way an interrupt handler would hand frames to
// a main loop.
type Port struct {
	air   *Air
	mac   wire.MAC
	clock Clock

	mode    radio.Mode
	channel uint8
	power   radio.Power

	rx *queue.RingBuffer
}

func newPort(a *Air, mac wire.MAC, clock Clock) *Port {
	return &Port{
		air:   a,
		mac:   mac,
		clock: clock,
		mode:  radio.ModeSleep,
		rx:    queue.NewRingBuffer(rxQueueDepth),
	}
}

func (p *Port) SetChannel(channel uint8) { p.channel = channel }

func (p *Port) SetMode(mode radio.Mode) { p.mode = mode }

func (p *Port) SetPower(power radio.Power) { p.power = power }

// Transmit propagates frame over the medium on the current channel.
func (p *Port) Transmit(frame []byte) error {
	if p.mode != radio.ModeTX {
		return ErrNotTransmitting
	}
	p.air.transmit(p, frame)
	return nil
}

// Receive drains at most one pending frame. The port is the queue's only
// consumer, so a non-empty length check followed by Get cannot block.
func (p *Port) Receive(buf []byte) (int, int8, bool) {
	if p.mode != radio.ModeRX || p.rx.Len() == 0 {
		return 0, 0, false
	}

	item, err := p.rx.Get()
	if err != nil {
		return 0, 0, false
	}

	f := item.(rxFrame)
	return copy(buf, f.data), f.rssi, true
}

func (p *Port) NowMicros() int64 { return p.clock.NowMicros() }

func (p *Port) MAC() wire.MAC { return p.mac }

// push enqueues a frame from the medium, dropping it when the FIFO is full.
func (p *Port) push(frame []byte, rssi int8) bool {
	data := make([]byte, len(frame))
	copy(data, frame)

	ok, err := p.rx.Offer(rxFrame{data: data, rssi: rssi})
	return ok && err == nil
}
