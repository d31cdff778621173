// Package zigbee defines the adapter facade consumed by the gateway and a
// serial-backed implementation speaking line-delimited JSON to an external
// NCP bridge process. The radio protocol's binary encoding lives in that
// process, not here.
package zigbee

import (
	"context"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

// StartResult reports how the network came up.
type StartResult int

const (
	// StartNormal means the existing network was resumed.
	StartNormal StartResult = iota
	// StartReset means the network was re-created (factory reset or first
	// start), orphaning previously paired devices.
	StartReset
)

// Stack is the abstract radio-network adapter.
type Stack interface {
	// Start brings the network up. There is no timeout on the attempt
	// itself; callers cancel via ctx.
	Start(ctx context.Context) (StartResult, error)
	// Stop shuts the adapter down.
	Stop() error
	// PermitJoin opens or closes the network for joining. An empty device
	// id targets the whole network.
	PermitJoin(ctx context.Context, enable bool, device string, seconds uint32) error
	// ResolveEntity looks up a device by IEEE address or friendly name.
	ResolveEntity(id string) (entity.Entity, bool)
	// Devices returns all joined devices.
	Devices() []*entity.Device
	// Groups returns all known groups.
	Groups() []*entity.Group
	// RemoveDevice asks the device to leave the network. With force, the
	// device is dropped from the adapter tables without a network round trip.
	RemoveDevice(ctx context.Context, id string, force bool) error
	// Write sends an attribute/command payload to a device or group.
	Write(ctx context.Context, id string, payload map[string]any) error
	// OnEvent registers the handler receiving adapter events (joins,
	// leaves, announces, attribute reports, last-seen updates).
	OnEvent(fn func(eventbus.Event))
	// OnDisconnect registers the handler for unrecoverable link failure.
	OnDisconnect(fn func())
}
