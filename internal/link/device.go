package link

import (
	"net"
	"strconv"
)

// DeviceState es el tipo de evento de presencia que viaja al proxy.
type DeviceState int

const (
	DeviceStateUnknown DeviceState = iota
	DeviceStateConnect             // device_connect: true
	DeviceStateDisconnect          // device_disconnect: true
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateConnect:
		return "connect"
	case DeviceStateDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// DeviceInfo es lo que sabemos del equipo al momento del evento.
type DeviceInfo struct {
	IMEI       string
	RemoteIP   string
	RemotePort int
	State      DeviceState
}

func newDeviceInfo(imei, remoteAddr string, state DeviceState) DeviceInfo {
	info := DeviceInfo{IMEI: imei, State: state}
	if remoteAddr == "" {
		return info
	}
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		info.RemoteIP = remoteAddr
		return info
	}
	info.RemoteIP = host
	info.RemotePort, _ = strconv.Atoi(port)
	return info
}

type devicePayload struct {
	DeviceConnect    bool   `json:"device_connect,omitempty"`
	DeviceDisconnect bool   `json:"device_disconnect,omitempty"`
	IMEI             string `json:"imei"`
	RemoteIP         string `json:"remote_ip,omitempty"`
	RemotePort       int    `json:"remote_port,omitempty"`
}

func (d DeviceInfo) payload() devicePayload {
	return devicePayload{
		DeviceConnect:    d.State == DeviceStateConnect,
		DeviceDisconnect: d.State == DeviceStateDisconnect,
		IMEI:             d.IMEI,
		RemoteIP:         d.RemoteIP,
		RemotePort:       d.RemotePort,
	}
}
