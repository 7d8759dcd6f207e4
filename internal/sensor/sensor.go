// Package sensor defines the interface to the orientation-fusion engine.
// The link layer pulls one sample per transmit slot and only ever
// serializes it; fusion itself lives outside this module.
package sensor

// Quaternion is a unit orientation, components in [-1, 1].
type Quaternion struct {
	W, X, Y, Z float32
}

// Sample is one fused sensor reading.
type Sample struct {
	Orientation Quaternion
	Accel       [3]float32 // linear acceleration, g
	Battery     uint8      // percent
	Charging    bool
	Stationary  bool
}

// Provider supplies fused samples to a tracker's link layer.
type Provider interface {
	Sample() Sample
}

// ToQ15 converts a unit-range component to Q15 fixed point for the wire.
func ToQ15(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

// FromQ15 converts a wire Q15 component back to float.
func FromQ15(v int16) float32 {
	return float32(v) / 32767
}

// ToMilliG converts an acceleration in g to the wire's milli-g int16.
func ToMilliG(g float32) int16 {
	mg := g * 1000
	if mg > 32767 {
		mg = 32767
	} else if mg < -32768 {
		mg = -32768
	}
	return int16(mg)
}
