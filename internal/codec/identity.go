package codec

import (
	"encoding/binary"
	"regexp"
)

var reIMEI = regexp.MustCompile(`^[0-9]{15,17}$`)

// DecodeIdentity lee el frame de handshake: longitud (2B) + IMEI en ASCII.
// Devuelve ok=false si faltan bytes o si no son 15-17 dígitos.
func DecodeIdentity(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	raw, err := safeRead(data, 2, n)
	if err != nil {
		return "", false
	}
	imei := string(raw)
	if !reIMEI.MatchString(imei) {
		return "", false
	}
	return imei, true
}

// EncodeIdentity arma el frame de handshake tal como lo manda el equipo.
func EncodeIdentity(imei string) []byte {
	out := make([]byte, 2, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	return append(out, imei...)
}
