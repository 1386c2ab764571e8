package session

import (
	"context"

	"avl-svr/internal/codec"
)

// RawHandle identifica un frame crudo ya persistido (id de stream, clave, etc).
type RawHandle string

// Registrar hace upsert del dispositivo tras el handshake.
type Registrar interface {
	RegisterDevice(ctx context.Context, imei, remoteAddr string) error
}

// RawStore guarda el frame tal cual llegó. Tiene que ser durable antes del ACK.
type RawStore interface {
	PersistRawChunk(ctx context.Context, imei, remoteAddr string, data []byte) (RawHandle, error)
}

// RecordStore guarda los registros decodificados. Best effort.
type RecordStore interface {
	PersistRecords(ctx context.Context, imei string, records []codec.Record, raw RawHandle) error
}

// Store es todo lo que una sesión necesita de la persistencia.
// Las implementaciones se comparten entre conexiones: deben ser seguras para uso concurrente.
type Store interface {
	Registrar
	RawStore
	RecordStore
}

// Presence es opcional: el servidor la usa al cerrar la conexión si el store la implementa.
type Presence interface {
	DeviceDisconnected(ctx context.Context, imei string) error
}
