package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCRC16Modbus(t *testing.T) {
	// Reference value for the classic Modbus check string.
	if got := CRC16([]byte("123456789")); got != 0x4B37 {
		t.Fatalf("CRC16(\"123456789\") = 0x%04X, want 0x4B37", got)
	}
	if got := CRC16(nil); got != 0xFFFF {
		t.Fatalf("CRC16(nil) = 0x%04X, want initial value 0xFFFF", got)
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	pkt := Telemetry{
		TrackerID: 3,
		Sequence:  42,
		QuatW:     32767,
		QuatX:     -12000,
		AccelX:    -980,
		Battery:   80,
	}
	good := pkt.Encode()
	require.Len(t, good, TelemetrySize)

	if _, err := Decode(good); err != nil {
		t.Fatalf("valid packet rejected: %v", err)
	}

	// Flipping any single byte must fail CRC validation (or, for the type
	// byte, fail type/size resolution).
	for i := range good {
		bad := make([]byte, len(good))
		copy(bad, good)
		bad[i] ^= 0x5A

		if _, err := Decode(bad); err == nil {
			t.Errorf("corruption at byte %d went undetected", i)
		}
	}
}

func TestDecodeShortAndUnknown(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"truncated beacon", []byte{TypeBeacon, 1, 2, 3}, ErrShortPacket},
		{"unknown type", append([]byte{0x7F}, make([]byte, 20)...), ErrUnknownType},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.buf)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPacketRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var mac, rmac MAC
		copy(mac[:], rapid.SliceOfN(rapid.Byte(), 6, 6).Draw(t, "mac"))
		copy(rmac[:], rapid.SliceOfN(rapid.Byte(), 6, 6).Draw(t, "rmac"))

		var hop [HopSequenceLen]uint8
		for i := range hop {
			hop[i] = rapid.Uint8Range(0, 39).Draw(t, "hop")
		}

		packets := []Packet{
			&Beacon{
				FrameNum:      rapid.Uint8().Draw(t, "frame"),
				NetworkKey:    rapid.Uint32().Draw(t, "key"),
				HopSequence:   hop,
				TrackerBitmap: rapid.Uint32Range(0, 1<<24-1).Draw(t, "bitmap"),
			},
			&Telemetry{
				TrackerID: rapid.Uint8Range(0, MaxTrackers-1).Draw(t, "id"),
				Sequence:  rapid.Uint8().Draw(t, "seq"),
				QuatW:     rapid.Int16().Draw(t, "qw"),
				QuatX:     rapid.Int16().Draw(t, "qx"),
				QuatY:     rapid.Int16().Draw(t, "qy"),
				QuatZ:     rapid.Int16().Draw(t, "qz"),
				AccelX:    rapid.Int16().Draw(t, "ax"),
				Battery:   rapid.Uint8Range(0, 100).Draw(t, "bat"),
				Flags:     rapid.Uint8().Draw(t, "flags"),
			},
			&Ack{
				TrackerID:    rapid.Uint8().Draw(t, "aid"),
				Status:       rapid.Uint8Range(0, 2).Draw(t, "status"),
				FrameNumEcho: rapid.Uint8().Draw(t, "echo"),
				Command:      rapid.Uint8().Draw(t, "cmd"),
				CommandParam: rapid.Uint8().Draw(t, "param"),
			},
			&PairRequest{MAC: mac, DeviceType: rapid.Uint8().Draw(t, "dt"), FwMajor: 0, FwMinor: 6},
			&PairResponse{MAC: mac, AssignedID: rapid.Uint8Range(0, MaxTrackers-1).Draw(t, "aid2"), ReceiverMAC: rmac, NetworkKey: rapid.Uint32().Draw(t, "key2")},
			&PairConfirm{TrackerID: rapid.Uint8().Draw(t, "cid"), MAC: mac, Status: 0},
		}

		for _, p := range packets {
			decoded, err := Decode(p.Encode())
			require.NoError(t, err)
			require.Equal(t, p, decoded)
		}
	})
}

func TestMACString(t *testing.T) {
	m := MAC{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}
	assert.Equal(t, "de:ad:be:ef:00:01", m.String())
}
