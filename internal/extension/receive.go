// Package extension contains the concrete behavior modules plugged into the
// gateway, and the catalog mapping extension-kind tags to constructors.
package extension

import (
	"context"
	"log/slog"
	"time"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
)

const blockedRemoveTimeout = 10 * time.Second

// Extension kind tags. The catalog is the closed set of known kinds.
const (
	KindReceive       = "receive"
	KindBridge        = "bridge"
	KindFrontend      = "frontend"
	KindHomeAssistant = "homeassistant"
	KindLegacyBridge  = "legacybridge"
	KindConverters    = "converters"
	KindSoftReset     = "softreset"
)

// Catalog returns the fixed registry of all known extension kinds.
func Catalog() map[string]gateway.Factory {
	return map[string]gateway.Factory{
		KindReceive:       NewReceive,
		KindBridge:        NewBridge,
		KindFrontend:      NewFrontend,
		KindHomeAssistant: NewHomeAssistant,
		KindLegacyBridge:  NewLegacyBridge,
		KindConverters:    NewConverters,
		KindSoftReset:     NewSoftReset,
	}
}

// Receive turns adapter-reported events into entity-state publications and
// keeps the cache consistent with network membership.
type Receive struct {
	args   gateway.Args
	key    string
	logger *slog.Logger
}

// NewReceive constructs the receive extension.
func NewReceive(args gateway.Args) gateway.Extension {
	return &Receive{
		args:   args,
		key:    gateway.SubscriberKey(KindReceive),
		logger: args.Logger.With("extension", KindReceive),
	}
}

func (r *Receive) Start() error {
	r.args.Bus.Subscribe(eventbus.KindDeviceMessage, r.key, func(ev eventbus.Event) error {
		msg := ev.(eventbus.DeviceMessage)
		return r.args.PublishEntityState(msg.Device, msg.Payload, "deviceMessage")
	})
	r.args.Bus.Subscribe(eventbus.KindDeviceJoined, r.key, func(ev eventbus.Event) error {
		dev := ev.(eventbus.DeviceJoined).Device
		if blocked, err := r.args.Store.IsBlocked(dev.IEEEAddress); err == nil && blocked {
			r.rejectBlocked(dev.IEEEAddress)
			return nil
		}
		r.logger.Info("device joined", "ieee", dev.IEEEAddress, "name", dev.Name())
		return nil
	})
	r.args.Bus.Subscribe(eventbus.KindDeviceAnnounce, r.key, func(ev eventbus.Event) error {
		dev := ev.(eventbus.DeviceAnnounce).Device
		r.logger.Debug("device announced", "ieee", dev.IEEEAddress)
		return nil
	})
	r.args.Bus.Subscribe(eventbus.KindDeviceLeave, r.key, func(ev eventbus.Event) error {
		leave := ev.(eventbus.DeviceLeave)
		r.args.State.Remove(leave.ID)
		r.args.Bus.Emit(eventbus.EntityRemoved{ID: leave.ID, Kind: entity.KindDevice})
		r.logger.Info("device left", "ieee", leave.ID)
		return nil
	})
	return nil
}

// rejectBlocked removes a block-listed device that re-paired. Removal is
// best-effort; the block entry keeps refusing it on the next join.
func (r *Receive) rejectBlocked(ieee string) {
	r.logger.Warn("blocked device joined, removing", "ieee", ieee)
	ctx, cancel := context.WithTimeout(context.Background(), blockedRemoveTimeout)
	defer cancel()
	if err := r.args.Stack.RemoveDevice(ctx, ieee, false); err != nil {
		r.logger.Error("remove blocked device", "ieee", ieee, "err", err)
	}
}

func (r *Receive) Stop() error {
	r.args.Bus.RemoveAll(r.key)
	return nil
}
