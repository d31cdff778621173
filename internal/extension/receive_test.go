package extension

import (
	"testing"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

func TestReceivePublishesDeviceMessages(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	env := newTestEnv(newFakeStack(dev))
	startExtension(t, NewReceive(env.args()))

	env.bus.Emit(eventbus.DeviceMessage{Device: dev, Payload: map[string]any{"temperature": 21.5}})

	calls := env.publishCalls()
	if len(calls) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(calls))
	}
	if calls[0].reason != "deviceMessage" || calls[0].payload["temperature"] != 21.5 {
		t.Fatalf("publish call = %+v", calls[0])
	}
}

func TestReceiveRemovesBlockedDeviceOnJoin(t *testing.T) {
	blocked := &entity.Device{IEEEAddress: "0x01"}
	allowed := &entity.Device{IEEEAddress: "0x02"}
	stack := newFakeStack(blocked, allowed)
	env := newTestEnv(stack)
	env.store.AddBlock("0x01")
	startExtension(t, NewReceive(env.args()))

	env.bus.Emit(eventbus.DeviceJoined{Device: blocked})
	env.bus.Emit(eventbus.DeviceJoined{Device: allowed})

	if len(stack.removed) != 1 || stack.removed[0].id != "0x01" {
		t.Fatalf("removed = %v", stack.removed)
	}
	if _, ok := stack.ResolveEntity("0x02"); !ok {
		t.Fatal("unblocked device removed on join")
	}
}

func TestReceiveDeviceLeaveCleansState(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	env := newTestEnv(newFakeStack(dev))
	env.state.Set(dev, map[string]any{"state": "ON"}, "")
	startExtension(t, NewReceive(env.args()))

	var removed []eventbus.EntityRemoved
	env.bus.Subscribe(eventbus.KindEntityRemoved, "test", func(ev eventbus.Event) error {
		removed = append(removed, ev.(eventbus.EntityRemoved))
		return nil
	})

	env.bus.Emit(eventbus.DeviceLeave{ID: "0x01", Device: dev})

	if env.state.Exists(dev) {
		t.Fatal("cached state survived device leave")
	}
	if len(removed) != 1 || removed[0].ID != "0x01" {
		t.Fatalf("entity-removed events = %v", removed)
	}
}

func TestReceiveStopDetachesHandlers(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	env := newTestEnv(newFakeStack(dev))
	r := NewReceive(env.args())
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	env.bus.Emit(eventbus.DeviceMessage{Device: dev, Payload: map[string]any{"state": "ON"}})

	if calls := env.publishCalls(); len(calls) != 0 {
		t.Fatalf("publish calls after Stop = %v", calls)
	}
}
