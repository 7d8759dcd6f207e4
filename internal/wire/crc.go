package wire

// CRC16 computes the CRC-16/Modbus checksum (polynomial 0xA001 reflected,
// initial value 0xFFFF) over data. Both ends of the link compute it over
// every byte preceding the checksum field, the type byte included.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
