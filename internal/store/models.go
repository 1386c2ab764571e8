package store

import (
	"time"

	"avl-svr/internal/codec"
	"avl-svr/internal/session"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device es la ficha que se mantiene por IMEI.
type Device struct {
	IMEI       string    `json:"imei"`
	Status     string    `json:"status"`
	RemoteAddr string    `json:"remote_addr"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

// RawChunk es un frame tal como llegó del equipo.
type RawChunk struct {
	Handle     session.RawHandle `json:"handle"`
	IMEI       string            `json:"imei"`
	RemoteAddr string            `json:"remote_addr"`
	ReceivedAt time.Time         `json:"received_at"`
	Data       []byte            `json:"data"`
}

// StoredRecord es un registro decodificado ya atribuido a su IMEI y a su frame crudo.
type StoredRecord struct {
	IMEI string            `json:"imei"`
	Raw  session.RawHandle `json:"raw"`
	codec.Record
}
