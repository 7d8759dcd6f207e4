package nvs

import (
	"encoding/binary"
	"fmt"

	"github.com/mingyuefenglou/slimerf/internal/wire"
)

// Record magics. A mismatch means the region was never written or belongs
// to an older layout; either way there is no pairing to restore.
const (
	ReceiverMagic uint32 = 0x0052584E // "RXN"
	TrackerMagic  uint32 = 0x534C494D // "SLIM"
)

// Encoded record sizes.
const (
	ReceiverRecordSize = 4 + 4 + 1 + wire.MaxTrackers*7 + 2
	TrackerRecordSize  = 4 + 1 + 4 + 6 + 2
)

// Binding is one persisted MAC-to-ID assignment.
type Binding struct {
	MAC       wire.MAC
	TrackerID uint8
}

// ReceiverRecord is the receiver's persisted state: the network key and
// every tracker binding. The encoded form always reserves space for
// wire.MaxTrackers bindings so the record's flash footprint is stable.
type ReceiverRecord struct {
	NetworkKey uint32
	Bindings   []Binding
}

// Encode serializes the record with its trailing checksum.
func (r *ReceiverRecord) Encode() []byte {
	buf := make([]byte, 0, ReceiverRecordSize)
	buf = binary.LittleEndian.AppendUint32(buf, ReceiverMagic)
	buf = binary.LittleEndian.AppendUint32(buf, r.NetworkKey)
	buf = append(buf, uint8(len(r.Bindings)))

	for _, b := range r.Bindings {
		buf = append(buf, b.MAC[:]...)
		buf = append(buf, b.TrackerID)
	}
	for i := len(r.Bindings); i < wire.MaxTrackers; i++ {
		buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF) // unused entry
	}

	return binary.LittleEndian.AppendUint16(buf, wire.CRC16(buf))
}

// DecodeReceiverRecord validates and parses a persisted receiver record.
func DecodeReceiverRecord(buf []byte) (*ReceiverRecord, error) {
	if len(buf) < ReceiverRecordSize {
		return nil, fmt.Errorf("%w: short receiver record (%d bytes)", ErrNoRecord, len(buf))
	}
	buf = buf[:ReceiverRecordSize]

	if binary.LittleEndian.Uint32(buf[0:4]) != ReceiverMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrNoRecord)
	}
	if got, sum := binary.LittleEndian.Uint16(buf[ReceiverRecordSize-2:]), wire.CRC16(buf[:ReceiverRecordSize-2]); got != sum {
		return nil, fmt.Errorf("%w: bad checksum", ErrNoRecord)
	}

	count := int(buf[8])
	if count > wire.MaxTrackers {
		return nil, fmt.Errorf("%w: impossible tracker count %d", ErrNoRecord, count)
	}

	r := ReceiverRecord{NetworkKey: binary.LittleEndian.Uint32(buf[4:8])}
	for i := 0; i < count; i++ {
		off := 9 + i*7
		var b Binding
		copy(b.MAC[:], buf[off:off+6])
		b.TrackerID = buf[off+6]
		r.Bindings = append(r.Bindings, b)
	}
	return &r, nil
}

// TrackerRecord is a tracker's persisted half of a pairing.
type TrackerRecord struct {
	TrackerID   uint8
	NetworkKey  uint32
	ReceiverMAC wire.MAC
}

// Encode serializes the record with its trailing checksum.
func (r *TrackerRecord) Encode() []byte {
	buf := make([]byte, 0, TrackerRecordSize)
	buf = binary.LittleEndian.AppendUint32(buf, TrackerMagic)
	buf = append(buf, r.TrackerID)
	buf = binary.LittleEndian.AppendUint32(buf, r.NetworkKey)
	buf = append(buf, r.ReceiverMAC[:]...)
	return binary.LittleEndian.AppendUint16(buf, wire.CRC16(buf))
}

// DecodeTrackerRecord validates and parses a persisted tracker record.
func DecodeTrackerRecord(buf []byte) (*TrackerRecord, error) {
	if len(buf) < TrackerRecordSize {
		return nil, fmt.Errorf("%w: short tracker record (%d bytes)", ErrNoRecord, len(buf))
	}
	buf = buf[:TrackerRecordSize]

	if binary.LittleEndian.Uint32(buf[0:4]) != TrackerMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrNoRecord)
	}
	if got, sum := binary.LittleEndian.Uint16(buf[TrackerRecordSize-2:]), wire.CRC16(buf[:TrackerRecordSize-2]); got != sum {
		return nil, fmt.Errorf("%w: bad checksum", ErrNoRecord)
	}

	r := TrackerRecord{
		TrackerID:  buf[4],
		NetworkKey: binary.LittleEndian.Uint32(buf[5:9]),
	}
	copy(r.ReceiverMAC[:], buf[9:15])
	return &r, nil
}
