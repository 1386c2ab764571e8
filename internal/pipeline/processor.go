package pipeline

import (
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/session"
)

// liveWindow: un registro más viejo que esto se considera de buffer.
const liveWindow = 120 * time.Second

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

func DecideMsgType(isBatch bool, ts, now time.Time) int {
	if isBatch {
		return 0
	}
	if !ts.IsZero() && now.Sub(ts) > liveWindow {
		return 0
	}
	return 1
}

// BuildTracking arma el objeto que se reenvía a los destinos externos.
// isBatch = el frame traía más de un registro.
func BuildTracking(imei string, rec codec.Record, raw session.RawHandle, isBatch bool, now time.Time) *TrackingObject {
	sats := int(rec.Satellites)
	return &TrackingObject{
		IMEI:     imei,
		Datetime: rec.Timestamp.UTC().Format(time.RFC3339),
		Lat:      rec.Latitude,
		Lon:      rec.Longitude,
		Alt:      int(rec.Altitude),
		Spd:      int(rec.Speed),
		Crs:      int(rec.Angle),
		Sats:     sats,
		Prio:     int(rec.Priority),
		MsgType:  DecideMsgType(isBatch, rec.Timestamp, now),
		Fix:      CalcFix(sats, rec.Latitude, rec.Longitude),
		Raw:      string(raw),
	}
}

// BuildBatch convierte todos los registros de un frame.
func BuildBatch(imei string, records []codec.Record, raw session.RawHandle, now time.Time) []*TrackingObject {
	out := make([]*TrackingObject, 0, len(records))
	for _, rec := range records {
		out = append(out, BuildTracking(imei, rec, raw, len(records) > 1, now))
	}
	return out
}
