package codec

import "time"

// Variant identifica el layout del trailer IO de cada registro.
type Variant uint8

const (
	VariantUnsupported Variant = iota
	VariantStandard            // Codec 8 (0x08)
	VariantExtended            // Codec 8 Extended (0x8E)
)

const (
	CodecIDStandard byte = 0x08
	CodecIDExtended byte = 0x8E
)

// VariantOf mapea el codec id del frame a su variante.
func VariantOf(codecID byte) Variant {
	switch codecID {
	case CodecIDStandard:
		return VariantStandard
	case CodecIDExtended:
		return VariantExtended
	default:
		return VariantUnsupported
	}
}

func (v Variant) String() string {
	switch v {
	case VariantStandard:
		return "codec8"
	case VariantExtended:
		return "codec8e"
	default:
		return "unsupported"
	}
}

// Record es una muestra de posición. No lleva IMEI: lo agrega la sesión.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	TimestampMs uint64    `json:"timestamp_ms"`
	Priority    uint8     `json:"priority"`
	Longitude   float64   `json:"longitude"`
	Latitude    float64   `json:"latitude"`
	Altitude    int16     `json:"altitude"`
	Angle       uint16    `json:"angle"`
	Satellites  uint8     `json:"satellites"`
	Speed       uint16    `json:"speed"`
}

// DataFrame es el resultado de decodificar un paquete AVL.
// Declared es lo que el equipo dice que manda y es lo que se confirma en el ACK,
// aunque Records tenga menos elementos.
type DataFrame struct {
	CodecID   byte     `json:"codec_id"`
	Variant   Variant  `json:"variant"`
	Declared  uint8    `json:"declared"`
	Records   []Record `json:"records"`
	Truncated bool     `json:"truncated"`
}
