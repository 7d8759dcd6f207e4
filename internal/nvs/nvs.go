// Package nvs abstracts the non-volatile storage both sides of the link
// persist their pairing state to, and defines the CRC-protected records
// written there.
package nvs

import "errors"

var (
	// ErrOutOfRange is returned when an access falls outside the store
	ErrOutOfRange = errors.New("nvs: access out of range")

	// ErrNoRecord is returned when a record's magic or checksum does not
	// validate; callers treat it as "no stored pairing"
	ErrNoRecord = errors.New("nvs: no valid record")
)

// Storage is the raw byte-range interface over a persistence device. Erase
// restores the erased-flash pattern (0xFF) over the range.
type Storage interface {
	Load(offset int, buf []byte) error
	Write(offset int, buf []byte) error
	Erase(offset, length int) error
}
