package extension

import (
	"encoding/json"
	"log/slog"
	"testing"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

func TestLegacyBridgePermitJoin(t *testing.T) {
	env := newTestEnv(newFakeStack())
	startExtension(t, NewLegacyBridge(env.args()))

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/permit_join", Payload: []byte("true")})

	if len(env.stack.permits) != 1 || !env.stack.permits[0].enable {
		t.Fatalf("permit calls = %v", env.stack.permits)
	}

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/permit_join", Payload: []byte("banana")})
	if len(env.stack.permits) != 1 {
		t.Fatal("invalid payload reached the adapter")
	}
}

func TestLegacyBridgeLogLevel(t *testing.T) {
	env := newTestEnv(newFakeStack())
	args := env.args()
	startExtension(t, NewLegacyBridge(args))

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/log_level", Payload: []byte("debug")})
	if args.LogLevel.Level() != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", args.LogLevel.Level())
	}

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/log_level", Payload: []byte("chatty")})
	if args.LogLevel.Level() != slog.LevelDebug {
		t.Fatal("invalid level changed the log level")
	}
}

func TestLegacyBridgeDeviceList(t *testing.T) {
	env := newTestEnv(newFakeStack(&entity.Device{
		IEEEAddress:    "0x01",
		NetworkAddress: 0x1234,
		FriendlyName:   "lamp",
		Definition:     &entity.Definition{Model: "LED1623G12", Vendor: "IKEA"},
	}))
	startExtension(t, NewLegacyBridge(env.args()))

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/devices", Payload: nil})

	msgs := env.broker.onTopic("meshbridge/bridge/config/devices")
	if len(msgs) != 1 {
		t.Fatalf("device list publications = %d, want 1", len(msgs))
	}
	var views []map[string]any
	if err := json.Unmarshal(msgs[0].payload, &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("views = %v", views)
	}
	view := views[0]
	if view["ieeeAddr"] != "0x01" || view["friendlyName"] != "lamp" || view["model"] != "LED1623G12" {
		t.Fatalf("view = %v", view)
	}
}

func TestLegacyBridgeRemove(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01", FriendlyName: "lamp"}
	env := newTestEnv(newFakeStack(dev))
	env.state.Set(dev, map[string]any{"state": "ON"}, "")
	startExtension(t, NewLegacyBridge(env.args()))

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/remove", Payload: []byte("lamp")})

	if len(env.stack.removed) != 1 || env.stack.removed[0].id != "0x01" {
		t.Fatalf("removed = %v", env.stack.removed)
	}
	if env.state.Exists(dev) {
		t.Fatal("cached state survived legacy removal")
	}

	logs := env.broker.onTopic("meshbridge/bridge/log")
	if len(logs) != 1 {
		t.Fatalf("log publications = %d, want 1", len(logs))
	}
	var entry map[string]string
	if err := json.Unmarshal(logs[0].payload, &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["type"] != "device_removed" || entry["message"] != "lamp" {
		t.Fatalf("log entry = %v", entry)
	}
}

func TestLegacyBridgeRemoveUnknownLogsFailure(t *testing.T) {
	env := newTestEnv(newFakeStack())
	startExtension(t, NewLegacyBridge(env.args()))

	env.bus.Emit(eventbus.MQTTMessage{Topic: "meshbridge/bridge/config/remove", Payload: []byte("ghost")})

	logs := env.broker.onTopic("meshbridge/bridge/log")
	if len(logs) != 1 {
		t.Fatalf("log publications = %d, want 1", len(logs))
	}
	var entry map[string]string
	json.Unmarshal(logs[0].payload, &entry)
	if entry["type"] != "device_removed_failed" {
		t.Fatalf("log entry = %v", entry)
	}
}

func TestLegacyBridgeRename(t *testing.T) {
	env := newTestEnv(newFakeStack(&entity.Device{IEEEAddress: "0x01", FriendlyName: "lamp"}))
	startExtension(t, NewLegacyBridge(env.args()))

	env.bus.Emit(eventbus.MQTTMessage{
		Topic:   "meshbridge/bridge/config/rename",
		Payload: []byte(`{"old":"lamp","new":"hall_lamp"}`),
	})

	if name, _ := env.cfg.FriendlyNameFor("0x01"); name != "hall_lamp" {
		t.Fatalf("friendly name = %q", name)
	}
	if alias, _ := env.store.Alias("0x01"); alias != "hall_lamp" {
		t.Fatalf("stored alias = %q", alias)
	}
}

func TestLegacyBridgePublishesRetainedConfig(t *testing.T) {
	env := newTestEnv(newFakeStack())
	startExtension(t, NewLegacyBridge(env.args()))

	msgs := env.broker.onTopic("meshbridge/bridge/config")
	if len(msgs) != 1 || !msgs[0].opts.Retain {
		t.Fatalf("config publications = %v", msgs)
	}
	var cfg map[string]any
	if err := json.Unmarshal(msgs[0].payload, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg["log_level"] != "info" {
		t.Fatalf("config = %v", cfg)
	}
}
