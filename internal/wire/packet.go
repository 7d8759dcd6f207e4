// Package wire implements the on-air packet formats of the tracking link.
// All multi-byte fields are little-endian and every packet ends in a
// CRC-16/Modbus checksum of the preceding bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet type bytes.
const (
	TypeTelemetry    uint8 = 0x01
	TypePairRequest  uint8 = 0x80
	TypePairResponse uint8 = 0x81
	TypePairConfirm  uint8 = 0x82
	TypeAck          uint8 = 0xAC
	TypeBeacon       uint8 = 0xBE
)

const (
	// MaxTrackers is bounded by the beacon's 3-byte tracker bitmap.
	MaxTrackers = 24

	// HopSequenceLen is the number of channels carried in each beacon.
	HopSequenceLen = 8
)

// Encoded packet sizes in bytes, checksum included.
const (
	BeaconSize       = 20
	TelemetrySize    = 17
	AckSize          = 8
	PairRequestSize  = 12
	PairResponseSize = 20
	PairConfirmSize  = 11
)

// Ack status codes.
const (
	AckStatusOK     uint8 = 0
	AckStatusResend uint8 = 1
	AckStatusError  uint8 = 2
)

// Commands the receiver may piggy-back on an Ack.
const (
	CmdNone           uint8 = 0x00
	CmdCalibrateGyro  uint8 = 0x01
	CmdCalibrateAccel uint8 = 0x02
	CmdCalibrateMag   uint8 = 0x03
	CmdTare           uint8 = 0x04
	CmdReset          uint8 = 0x05
	CmdSleep          uint8 = 0x06
	CmdWake           uint8 = 0x07
	CmdSetPower       uint8 = 0x10
	CmdUnpair         uint8 = 0xFF
)

// Telemetry status flags.
const (
	FlagCharging    uint8 = 1 << 0
	FlagLowBattery  uint8 = 1 << 1
	FlagCalibrating uint8 = 1 << 2
	FlagMagEnabled  uint8 = 1 << 3
	FlagIMUError    uint8 = 1 << 4
	FlagRFLost      uint8 = 1 << 5
	FlagStationary  uint8 = 1 << 6
	FlagError       uint8 = 1 << 7
)

var (
	// ErrShortPacket is returned when a buffer is too small for its declared type
	ErrShortPacket = errors.New("short packet")

	// ErrBadCRC is returned when the trailing checksum does not validate
	ErrBadCRC = errors.New("crc mismatch")

	// ErrUnknownType is returned for an unrecognized packet type byte
	ErrUnknownType = errors.New("unknown packet type")
)

// MAC is a 6-byte radio hardware address.
type MAC [6]byte

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// Packet is implemented by every decodable on-air packet.
type Packet interface {
	Type() uint8
	Encode() []byte
}

// Beacon is the receiver's once-per-superframe broadcast. FrameNum is the
// low byte of the receiver's 16-bit frame counter; trackers reconstruct the
// full counter locally from consecutive beacons.
type Beacon struct {
	FrameNum      uint8
	NetworkKey    uint32
	HopSequence   [HopSequenceLen]uint8
	TrackerBitmap uint32 // low 24 bits, one per tracker slot
	Reserved      uint8
}

func (b *Beacon) Type() uint8 { return TypeBeacon }

func (b *Beacon) Encode() []byte {
	buf := make([]byte, 0, BeaconSize)
	buf = append(buf, TypeBeacon, b.FrameNum)
	buf = binary.LittleEndian.AppendUint32(buf, b.NetworkKey)
	buf = append(buf, b.HopSequence[:]...)
	buf = append(buf, uint8(b.TrackerBitmap), uint8(b.TrackerBitmap>>8), uint8(b.TrackerBitmap>>16))
	buf = append(buf, b.Reserved)
	return appendCRC(buf)
}

// Telemetry is one tracker's per-slot payload. Quaternion components are
// Q15 fixed point, acceleration is milli-g.
type Telemetry struct {
	TrackerID uint8
	Sequence  uint8
	QuatW     int16
	QuatX     int16
	QuatY     int16
	QuatZ     int16
	AccelX    int16
	Battery   uint8
	Flags     uint8
}

func (t *Telemetry) Type() uint8 { return TypeTelemetry }

func (t *Telemetry) Encode() []byte {
	buf := make([]byte, 0, TelemetrySize)
	buf = append(buf, TypeTelemetry, t.TrackerID, t.Sequence)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.QuatW))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.QuatX))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.QuatY))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.QuatZ))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.AccelX))
	buf = append(buf, t.Battery, t.Flags)
	return appendCRC(buf)
}

// Ack acknowledges one Telemetry packet and may carry a command for the
// tracker to execute (CmdNone when idle).
type Ack struct {
	TrackerID    uint8
	Status       uint8
	FrameNumEcho uint8
	Command      uint8
	CommandParam uint8
}

func (a *Ack) Type() uint8 { return TypeAck }

func (a *Ack) Encode() []byte {
	buf := make([]byte, 0, AckSize)
	buf = append(buf, TypeAck, a.TrackerID, a.Status, a.FrameNumEcho, a.Command, a.CommandParam)
	return appendCRC(buf)
}

// PairRequest opens the 3-way pairing handshake (tracker to receiver).
type PairRequest struct {
	MAC        MAC
	DeviceType uint8
	FwMajor    uint8
	FwMinor    uint8
}

func (p *PairRequest) Type() uint8 { return TypePairRequest }

func (p *PairRequest) Encode() []byte {
	buf := make([]byte, 0, PairRequestSize)
	buf = append(buf, TypePairRequest)
	buf = append(buf, p.MAC[:]...)
	buf = append(buf, p.DeviceType, p.FwMajor, p.FwMinor)
	return appendCRC(buf)
}

// PairResponse assigns a tracker ID and hands over the network key
// (receiver to tracker). MAC addresses the requesting tracker so other
// listeners on the pairing channel can ignore the response.
type PairResponse struct {
	MAC         MAC
	AssignedID  uint8
	ReceiverMAC MAC
	NetworkKey  uint32
}

func (p *PairResponse) Type() uint8 { return TypePairResponse }

func (p *PairResponse) Encode() []byte {
	buf := make([]byte, 0, PairResponseSize)
	buf = append(buf, TypePairResponse)
	buf = append(buf, p.MAC[:]...)
	buf = append(buf, p.AssignedID)
	buf = append(buf, p.ReceiverMAC[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, p.NetworkKey)
	return appendCRC(buf)
}

// PairConfirm closes the handshake (tracker to receiver). Status 0 means
// the tracker accepted the assignment.
type PairConfirm struct {
	TrackerID uint8
	MAC       MAC
	Status    uint8
}

func (p *PairConfirm) Type() uint8 { return TypePairConfirm }

func (p *PairConfirm) Encode() []byte {
	buf := make([]byte, 0, PairConfirmSize)
	buf = append(buf, TypePairConfirm, p.TrackerID)
	buf = append(buf, p.MAC[:]...)
	buf = append(buf, p.Status)
	return appendCRC(buf)
}

// Decode parses one on-air packet. The checksum is validated before any
// field is read; a packet that fails validation is returned as an error
// and must not mutate protocol state beyond an error counter.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < 1 {
		return nil, ErrShortPacket
	}

	var want int
	switch buf[0] {
	case TypeBeacon:
		want = BeaconSize
	case TypeTelemetry:
		want = TelemetrySize
	case TypeAck:
		want = AckSize
	case TypePairRequest:
		want = PairRequestSize
	case TypePairResponse:
		want = PairResponseSize
	case TypePairConfirm:
		want = PairConfirmSize
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownType, buf[0])
	}

	if len(buf) < want {
		return nil, fmt.Errorf("%w: type 0x%02X needs %d bytes, got %d", ErrShortPacket, buf[0], want, len(buf))
	}
	buf = buf[:want]

	if got, sum := binary.LittleEndian.Uint16(buf[want-2:]), CRC16(buf[:want-2]); got != sum {
		return nil, fmt.Errorf("%w: got 0x%04X, computed 0x%04X", ErrBadCRC, got, sum)
	}

	switch buf[0] {
	case TypeBeacon:
		b := Beacon{
			FrameNum:   buf[1],
			NetworkKey: binary.LittleEndian.Uint32(buf[2:6]),
			Reserved:   buf[17],
		}
		copy(b.HopSequence[:], buf[6:14])
		b.TrackerBitmap = uint32(buf[14]) | uint32(buf[15])<<8 | uint32(buf[16])<<16
		return &b, nil

	case TypeTelemetry:
		return &Telemetry{
			TrackerID: buf[1],
			Sequence:  buf[2],
			QuatW:     int16(binary.LittleEndian.Uint16(buf[3:5])),
			QuatX:     int16(binary.LittleEndian.Uint16(buf[5:7])),
			QuatY:     int16(binary.LittleEndian.Uint16(buf[7:9])),
			QuatZ:     int16(binary.LittleEndian.Uint16(buf[9:11])),
			AccelX:    int16(binary.LittleEndian.Uint16(buf[11:13])),
			Battery:   buf[13],
			Flags:     buf[14],
		}, nil

	case TypeAck:
		return &Ack{
			TrackerID:    buf[1],
			Status:       buf[2],
			FrameNumEcho: buf[3],
			Command:      buf[4],
			CommandParam: buf[5],
		}, nil

	case TypePairRequest:
		p := PairRequest{DeviceType: buf[7], FwMajor: buf[8], FwMinor: buf[9]}
		copy(p.MAC[:], buf[1:7])
		return &p, nil

	case TypePairResponse:
		p := PairResponse{
			AssignedID: buf[7],
			NetworkKey: binary.LittleEndian.Uint32(buf[14:18]),
		}
		copy(p.MAC[:], buf[1:7])
		copy(p.ReceiverMAC[:], buf[8:14])
		return &p, nil

	default: // TypePairConfirm
		p := PairConfirm{TrackerID: buf[1], Status: buf[8]}
		copy(p.MAC[:], buf[2:8])
		return &p, nil
	}
}

func appendCRC(buf []byte) []byte {
	return binary.LittleEndian.AppendUint16(buf, CRC16(buf))
}
