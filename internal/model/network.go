package model

import (
	"encoding/json"
	"fmt"
)

// NetworkMode names a NetworkConfig variant.
type NetworkMode string

const (
	NetworkUser NetworkMode = "user"
	NetworkTap  NetworkMode = "tap"
	NetworkVnic NetworkMode = "vnic"
	NetworkNone NetworkMode = "none"
)

// NetworkConfig is a tagged union over the four network modes a VM can be
// given: user-mode NAT with port forwarding, a TAP device on a named host
// bridge, a named VNIC (illumos), or no network at all. The zero value
// is not valid on its own; use the New* constructors.
type NetworkConfig struct {
	Mode   NetworkMode
	Bridge string // set when Mode == NetworkTap; defaults to "br0"
	Vnic   string // set when Mode == NetworkVnic
}

// NewUserNetwork returns the default user-mode NAT network config.
func NewUserNetwork() NetworkConfig { return NetworkConfig{Mode: NetworkUser} }

// NewTapNetwork returns a TAP network config attached to the given bridge.
func NewTapNetwork(bridge string) NetworkConfig {
	if bridge == "" {
		bridge = "br0"
	}
	return NetworkConfig{Mode: NetworkTap, Bridge: bridge}
}

// NewVnicNetwork returns a named-VNIC network config.
func NewVnicNetwork(name string) NetworkConfig {
	return NetworkConfig{Mode: NetworkVnic, Vnic: name}
}

// NewNoNetwork returns the no-network config.
func NewNoNetwork() NetworkConfig { return NetworkConfig{Mode: NetworkNone} }

type networkConfigWire struct {
	Type   string `json:"type"`
	Bridge string `json:"bridge,omitempty"`
	Name   string `json:"name,omitempty"`
}

// MarshalJSON serializes NetworkConfig as an externally-tagged object,
// e.g. {"type":"tap","bridge":"br0"}.
func (n NetworkConfig) MarshalJSON() ([]byte, error) {
	wire := networkConfigWire{Type: string(n.Mode)}
	switch n.Mode {
	case NetworkTap:
		wire.Bridge = n.Bridge
	case NetworkVnic:
		wire.Name = n.Vnic
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses an externally-tagged network config. A missing or
// empty "type" field defaults to user-mode networking per the handle
// backward-compatibility invariant.
func (n *NetworkConfig) UnmarshalJSON(data []byte) error {
	var wire networkConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch NetworkMode(wire.Type) {
	case "", NetworkUser:
		*n = NewUserNetwork()
	case NetworkTap:
		*n = NewTapNetwork(wire.Bridge)
	case NetworkVnic:
		*n = NewVnicNetwork(wire.Name)
	case NetworkNone:
		*n = NewNoNetwork()
	default:
		return fmt.Errorf("model: unknown network mode %q", wire.Type)
	}
	return nil
}
