package protocol

import "encoding/binary"

// CRCSize is the length of the little-endian CRC trailer.
const CRCSize = 2

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF, no reflection).
func CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF

	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}

// AppendCRC appends the little-endian CRC of buf to buf.
func AppendCRC(buf []byte) []byte {
	return binary.LittleEndian.AppendUint16(buf, CRC16(buf))
}

// VerifyCRC reports whether the last two bytes of msg hold the CRC of the
// bytes before them.
func VerifyCRC(msg []byte) bool {
	if len(msg) < CRCSize {
		return false
	}
	n := len(msg) - CRCSize
	return binary.LittleEndian.Uint16(msg[n:]) == CRC16(msg[:n])
}
