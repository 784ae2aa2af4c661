package models

import "slices"

// DeviceType is the advisory device category announced in identity packets.
type DeviceType string

const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeTV      DeviceType = "tv"
)

// DeviceIdentity describes a device as announced on the wire.
type DeviceIdentity struct {
	DeviceID             string     `json:"deviceId"`
	DeviceName           string     `json:"deviceName"`
	DeviceType           DeviceType `json:"deviceType"`
	ProtocolVersion      int        `json:"protocolVersion"`
	IncomingCapabilities []string   `json:"incomingCapabilities"`
	OutgoingCapabilities []string   `json:"outgoingCapabilities"`
	TCPPort              int        `json:"tcpPort,omitempty"`
}

// CanReceive reports whether the device declared packetType as incoming.
func (d DeviceIdentity) CanReceive(packetType string) bool {
	return slices.Contains(d.IncomingCapabilities, packetType)
}

// CanProduce reports whether the device declared packetType as outgoing.
func (d DeviceIdentity) CanProduce(packetType string) bool {
	return slices.Contains(d.OutgoingCapabilities, packetType)
}

// Clone returns a deep copy so callers can hand identities across goroutines.
func (d DeviceIdentity) Clone() DeviceIdentity {
	out := d
	out.IncomingCapabilities = slices.Clone(d.IncomingCapabilities)
	out.OutgoingCapabilities = slices.Clone(d.OutgoingCapabilities)
	return out
}
