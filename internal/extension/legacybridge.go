package extension

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
	"meshbridge/internal/mqtt"
)

// LegacyBridge serves the pre-request/response management topics under
// <base>/bridge/config for clients that predate the structured bridge API.
// It is disabled automatically when the adapter starts from a factory reset.
type LegacyBridge struct {
	args   gateway.Args
	key    string
	logger *slog.Logger
}

// NewLegacyBridge constructs the legacy compatibility extension.
func NewLegacyBridge(args gateway.Args) gateway.Extension {
	return &LegacyBridge{
		args:   args,
		key:    gateway.SubscriberKey(KindLegacyBridge),
		logger: args.Logger.With("extension", KindLegacyBridge),
	}
}

func (l *LegacyBridge) Start() error {
	base := l.args.Config.MQTT.BaseTopic
	if err := l.args.MQTT.Subscribe(base + "/bridge/config/+"); err != nil {
		return err
	}
	l.args.Bus.Subscribe(eventbus.KindMQTTMessage, l.key, func(ev eventbus.Event) error {
		msg := ev.(eventbus.MQTTMessage)
		if op, ok := strings.CutPrefix(msg.Topic, base+"/bridge/config/"); ok {
			l.handleConfig(op, msg.Payload)
		}
		return nil
	})
	l.publishConfig()
	return nil
}

func (l *LegacyBridge) Stop() error {
	l.args.Bus.RemoveAll(l.key)
	return nil
}

func (l *LegacyBridge) handleConfig(op string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch op {
	case "permit_join":
		enable, err := strconv.ParseBool(strings.TrimSpace(string(payload)))
		if err != nil {
			l.logger.Warn("invalid permit_join payload", "payload", string(payload))
			return
		}
		if err := l.args.Stack.PermitJoin(ctx, enable, "", 0); err != nil {
			l.logger.Error("permit join", "err", err)
			return
		}
		l.args.Bus.Emit(eventbus.PermitJoinChanged{Enabled: enable})
		l.publishConfig()

	case "log_level":
		level := strings.TrimSpace(string(payload))
		switch level {
		case "debug", "info", "warn", "error":
			l.args.LogLevel.Set(parseSlogLevel(level))
			l.publishConfig()
		default:
			l.logger.Warn("invalid log_level payload", "payload", level)
		}

	case "devices":
		l.publishDeviceList()

	case "remove":
		name := strings.TrimSpace(string(payload))
		ent, ok := l.args.ResolveEntity(name)
		if !ok {
			l.publishLog("device_removed_failed", name)
			return
		}
		if err := l.args.Stack.RemoveDevice(ctx, ent.ID(), false); err != nil {
			l.logger.Error("remove device", "id", ent.ID(), "err", err)
			l.publishLog("device_removed_failed", name)
			return
		}
		l.args.State.Remove(ent.ID())
		l.args.Config.RemoveDeviceSettings(ent.ID())
		l.args.Bus.Emit(eventbus.EntityRemoved{ID: ent.ID(), Kind: entity.KindDevice})
		l.publishLog("device_removed", name)

	case "rename":
		var req struct {
			Old string `json:"old"`
			New string `json:"new"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			l.logger.Warn("invalid rename payload", "err", err)
			return
		}
		ent, ok := l.args.ResolveEntity(req.Old)
		if !ok {
			l.publishLog("device_renamed_failed", req.Old)
			return
		}
		l.args.Config.SetDeviceFriendlyName(ent.ID(), req.New)
		if err := l.args.Store.SetAlias(ent.ID(), req.New); err != nil {
			l.logger.Error("persist alias", "id", ent.ID(), "err", err)
		}
		l.publishLog("device_renamed", req.New)

	default:
		l.logger.Debug("ignoring legacy config topic", "op", op)
	}
}

func (l *LegacyBridge) publishConfig() {
	config := map[string]any{
		"log_level":   levelString(l.args.LogLevel.Level()),
		"permit_join": l.args.Config.PermitJoin,
	}
	data, err := json.Marshal(config)
	if err != nil {
		return
	}
	topic := l.args.Config.MQTT.BaseTopic + "/bridge/config"
	if err := l.args.MQTT.Publish(topic, data, mqtt.Options{Retain: true}); err != nil {
		l.logger.Error("publish config", "err", err)
	}
}

func (l *LegacyBridge) publishDeviceList() {
	devices := l.args.Stack.Devices()
	views := make([]map[string]any, 0, len(devices))
	for _, dev := range devices {
		view := map[string]any{
			"ieeeAddr":     dev.IEEEAddress,
			"networkAddr":  dev.NetworkAddress,
			"friendlyName": dev.Name(),
		}
		if dev.Definition != nil {
			view["model"] = dev.Definition.Model
			view["manufacturer"] = dev.Definition.Vendor
		}
		views = append(views, view)
	}
	data, err := json.Marshal(views)
	if err != nil {
		return
	}
	topic := l.args.Config.MQTT.BaseTopic + "/bridge/config/devices"
	if err := l.args.MQTT.Publish(topic, data, mqtt.Options{}); err != nil {
		l.logger.Error("publish device list", "err", err)
	}
}

// publishLog emits a legacy-format log message onto the bridge log topic.
func (l *LegacyBridge) publishLog(logType, message string) {
	data, err := json.Marshal(map[string]string{"type": logType, "message": message})
	if err != nil {
		return
	}
	topic := l.args.Config.MQTT.BaseTopic + "/bridge/log"
	if err := l.args.MQTT.Publish(topic, data, mqtt.Options{}); err != nil {
		l.logger.Error("publish log", "err", err)
	}
}

func parseSlogLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelString(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}
