package codec

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// preámbulo(4) + data field length(4) + codec id(1) + qty1(1)
	frameHeaderLen = 10
	offsetCodecID  = 8
	offsetQty1     = 9

	// ts(8) + prio(1) + lon(4) + lat(4) + alt(2) + angle(2) + sats(1) + speed(2)
	recordFixedLen = 24

	coordPrecision = 10000000.0

	// 10000-01-01T00:00:00Z en ms
	maxTimestampMs = 253402300800000
)

// trailerLayout describe los anchos del bloque IO de cada variante.
// El contenido nunca se interpreta, solo se recorre para llegar al siguiente registro.
type trailerLayout struct {
	eventID  int
	total    int
	count    int
	id       int
	variable bool // grupo NX (id + len + valor), solo 8E
}

var trailerLayouts = map[Variant]trailerLayout{
	VariantStandard: {eventID: 1, total: 1, count: 1, id: 1},
	VariantExtended: {eventID: 2, total: 2, count: 2, id: 2, variable: true},
}

// grupos 1B, 2B, 4B, 8B
var ioValueWidths = [...]int{1, 2, 4, 8}

// safeRead evita panic si el offset excede el buffer.
func safeRead(data []byte, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > len(data) {
		return nil, fmt.Errorf("buffer overflow: tried to read %d bytes at offset %d (len=%d)", length, offset, len(data))
	}
	return data[offset : offset+length], nil
}

func readUint(data []byte, offset, width int) (int, error) {
	b, err := safeRead(data, offset, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return int(b[0]), nil
	case 2:
		return int(binary.BigEndian.Uint16(b)), nil
	default:
		return 0, fmt.Errorf("unsupported field width %d", width)
	}
}

// DeclaredRecordCount devuelve el Qty1 del frame sin decodificar nada más.
func DeclaredRecordCount(data []byte) uint8 {
	if len(data) < frameHeaderLen {
		return 0
	}
	return data[offsetQty1]
}

// DecodeDataFrame decodifica un paquete Codec 8 / 8E.
// Nunca falla: ante cualquier inconsistencia corta y devuelve lo decodificado hasta ahí.
// CRC y Qty2 no se validan (ver VerifyCRC).
func DecodeDataFrame(data []byte) DataFrame {
	if len(data) < frameHeaderLen {
		return DataFrame{}
	}
	frame := DataFrame{
		CodecID:  data[offsetCodecID],
		Variant:  VariantOf(data[offsetCodecID]),
		Declared: data[offsetQty1],
	}
	layout, ok := trailerLayouts[frame.Variant]
	if !ok {
		return frame
	}

	frame.Records = make([]Record, 0, frame.Declared)
	offset := frameHeaderLen
	for i := 0; i < int(frame.Declared); i++ {
		rec, next, err := decodeRecord(data, offset, layout)
		if err != nil {
			frame.Truncated = true
			break
		}
		frame.Records = append(frame.Records, rec)
		offset = next
	}
	return frame
}

// decodeRecord lee los campos fijos y salta el trailer IO.
// Devuelve el offset del siguiente registro.
func decodeRecord(data []byte, offset int, layout trailerLayout) (Record, int, error) {
	b, err := safeRead(data, offset, recordFixedLen)
	if err != nil {
		return Record{}, 0, err
	}

	// el timestamp llega como dos u32: alto y bajo
	hi := binary.BigEndian.Uint32(b[0:4])
	lo := binary.BigEndian.Uint32(b[4:8])
	ms := uint64(hi)<<32 | uint64(lo)

	rec := Record{
		TimestampMs: ms,
		Priority:    b[8],
		Longitude:   float64(int32(binary.BigEndian.Uint32(b[9:13]))) / coordPrecision,
		Latitude:    float64(int32(binary.BigEndian.Uint32(b[13:17]))) / coordPrecision,
		Altitude:    int16(binary.BigEndian.Uint16(b[17:19])),
		Angle:       binary.BigEndian.Uint16(b[19:21]),
		Satellites:  b[21],
		Speed:       binary.BigEndian.Uint16(b[22:24]),
	}
	// fuera de 0..9999 time.Time no se puede serializar; queda solo TimestampMs
	if ms < maxTimestampMs {
		rec.Timestamp = time.UnixMilli(int64(ms)).UTC()
	}

	next, err := skipTrailer(data, offset+recordFixedLen, layout)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, next, nil
}

// skipTrailer recorre el bloque IO: event id, total, grupos 1B/2B/4B/8B y,
// en 8E, el grupo de largo variable.
func skipTrailer(data []byte, offset int, layout trailerLayout) (int, error) {
	if _, err := safeRead(data, offset, layout.eventID+layout.total); err != nil {
		return 0, err
	}
	offset += layout.eventID + layout.total

	for _, width := range ioValueWidths {
		count, err := readUint(data, offset, layout.count)
		if err != nil {
			return 0, err
		}
		offset += layout.count + count*(layout.id+width)
	}

	if layout.variable {
		count, err := readUint(data, offset, layout.count)
		if err != nil {
			return 0, err
		}
		offset += layout.count
		for i := 0; i < count; i++ {
			size, err := readUint(data, offset+layout.id, 2)
			if err != nil {
				return 0, err
			}
			offset += layout.id + 2 + size
		}
	}

	if offset > len(data) {
		return 0, fmt.Errorf("io trailer overflow: ends at %d (len=%d)", offset, len(data))
	}
	return offset, nil
}
