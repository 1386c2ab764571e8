package codec

import (
	"encoding/binary"
	"fmt"
)

// CRC16IBM es el CRC-16/IBM (poly 0xA001 reflejado) que usa Teltonika sobre
// el campo de datos, desde el codec id hasta Qty2 inclusive.
func CRC16IBM(b []byte) uint16 {
	var crc uint16
	for _, v := range b {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// VerifyCRC compara el CRC declarado en los últimos 4 bytes con el calculado.
// Es un chequeo aparte: el decoder confía en la estructura declarada.
func VerifyCRC(frame []byte) (bool, error) {
	if len(frame) < frameHeaderLen+4 {
		return false, fmt.Errorf("frame too short for crc: %d", len(frame))
	}
	dataLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if 8+dataLen+4 != len(frame) {
		return false, fmt.Errorf("data field length %d does not match frame size %d", dataLen, len(frame))
	}
	declared := binary.BigEndian.Uint32(frame[len(frame)-4:])
	return uint32(CRC16IBM(frame[8:len(frame)-4])) == declared, nil
}
