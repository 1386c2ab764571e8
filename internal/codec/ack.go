package codec

import "encoding/binary"

// Respuestas del handshake.
const (
	IdentityReject byte = 0x00
	IdentityAccept byte = 0x01
)

// BuildAcknowledgement codifica la cantidad de registros en 4 bytes big-endian.
func BuildAcknowledgement(count uint32) []byte {
	return binary.BigEndian.AppendUint32(make([]byte, 0, 4), count)
}

// EncodeDataFrame arma un paquete completo (preámbulo, largo, CRC) con
// trailers IO vacíos. Se usa para simular equipos en pruebas.
func EncodeDataFrame(codecID byte, records []Record) []byte {
	layout, ok := trailerLayouts[VariantOf(codecID)]
	if !ok {
		layout = trailerLayouts[VariantStandard]
	}

	payload := []byte{codecID, byte(len(records))}
	for _, r := range records {
		payload = appendRecordFixed(payload, r)
		trailer := layout.eventID + layout.total + len(ioValueWidths)*layout.count
		if layout.variable {
			trailer += layout.count
		}
		payload = append(payload, make([]byte, trailer)...)
	}
	payload = append(payload, byte(len(records)))

	out := make([]byte, 8, 8+len(payload)+4)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(payload)))
	out = append(out, payload...)
	return binary.BigEndian.AppendUint32(out, uint32(CRC16IBM(payload)))
}

func appendRecordFixed(b []byte, r Record) []byte {
	b = binary.BigEndian.AppendUint64(b, r.TimestampMs)
	b = append(b, r.Priority)
	b = binary.BigEndian.AppendUint32(b, uint32(int32(roundCoord(r.Longitude))))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(roundCoord(r.Latitude))))
	b = binary.BigEndian.AppendUint16(b, uint16(r.Altitude))
	b = binary.BigEndian.AppendUint16(b, r.Angle)
	b = append(b, r.Satellites)
	return binary.BigEndian.AppendUint16(b, r.Speed)
}

func roundCoord(deg float64) int64 {
	v := deg * coordPrecision
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}
