// Package host defines the boundary between the link layer and whatever
// transports tracker data onward (USB HID, BLE, or the simulation's
// recorder). The receiver pushes accepted telemetry through a Sink and
// takes pairing commands back through its command mailbox.
package host

// Update is one accepted telemetry record.
type Update struct {
	TrackerID  uint8
	Quat       [4]float32 // unit quaternion w, x, y, z
	AccelX     float32    // g
	Battery    uint8      // percent
	Flags      uint8
	RSSI       int8
	FrameNum   uint16
	ReceivedUS int64
}

// Sink consumes tracker updates on the protocol goroutine; implementations
// must not block.
type Sink interface {
	OnTrackerUpdate(u Update)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(u Update)

func (f SinkFunc) OnTrackerUpdate(u Update) { f(u) }

// TrackerStatus is the host-visible view of one tracker slot.
type TrackerStatus struct {
	ID         uint8     `json:"id"`
	MAC        string    `json:"mac"`
	Paired     bool      `json:"paired"`
	Active     bool      `json:"active"`
	Online     bool      `json:"online"`
	LastSeenUS int64     `json:"last_seen_us"`
	Battery    uint8     `json:"battery"`
	Flags      uint8     `json:"flags"`
	RSSI       int8      `json:"rssi"`
	Quat       [4]int16  `json:"quat_q15"`
	Stats      LinkStats `json:"stats"`
}

// LinkStats are per-tracker link counters.
type LinkStats struct {
	TotalPackets uint32 `json:"total_packets"`
	LostPackets  uint32 `json:"lost_packets"`
	LossRatePct  uint8  `json:"loss_rate_pct"`
}

// ReceiverStatus is the receiver's published snapshot.
type ReceiverStatus struct {
	State       string          `json:"state"`
	FrameNumber uint16          `json:"frame_number"`
	Channel     uint8           `json:"channel"`
	Pairing     bool            `json:"pairing"`
	PairedCount int             `json:"paired_count"`
	CRCErrors   uint32          `json:"crc_errors"`
	Trackers    []TrackerStatus `json:"trackers"`
}

// Controller is the command surface the receiver exposes to host
// transports. Calls are asynchronous: they enqueue into the receiver's
// mailbox and take effect on its next step.
type Controller interface {
	StartPairing() error
	StopPairing() error
	Unpair(trackerID uint8) error
	UnpairAll() error
	SendCommand(trackerID, command, param uint8) error
	Status() ReceiverStatus
}
