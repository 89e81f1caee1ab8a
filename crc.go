package modbus

// CRC16 calculates the Modbus CRC16 checksum (polynomial 0xA001, initial
// value 0xFFFF). The low byte of the result is transmitted first on the wire.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if (crc & 0x0001) != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// crc16Table is the lookup table used by the RTU framer, which recomputes a
// CRC for every candidate frame.
var crc16Table = makeCRC16Table()

func makeCRC16Table() *[256]uint16 {
	const polynomial = 0xA001
	var table [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ polynomial
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return &table
}

// crc16Fast is the table-driven equivalent of CRC16.
func crc16Fast(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[uint8(crc)^b]
	}
	return crc
}
