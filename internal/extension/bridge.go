package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
	"meshbridge/internal/mqtt"
)

const bridgeRequestTimeout = 10 * time.Second

// Bridge exposes gateway management over broker request/response topics and
// translates entity set/get commands into adapter operations.
type Bridge struct {
	args   gateway.Args
	key    string
	logger *slog.Logger

	// Live join-permission window, fed by the permit-join-changed stream.
	// The configured policy is only the initial value; the window closing
	// does not touch the configuration.
	mu         sync.Mutex
	permitJoin bool
	permitTime uint32
}

// NewBridge constructs the bridge extension.
func NewBridge(args gateway.Args) gateway.Extension {
	return &Bridge{
		args:       args,
		key:        gateway.SubscriberKey(KindBridge),
		logger:     args.Logger.With("extension", KindBridge),
		permitJoin: args.Config.PermitJoin,
	}
}

func (b *Bridge) Start() error {
	base := b.args.Config.MQTT.BaseTopic
	if err := b.args.MQTT.Subscribe(base + "/bridge/request/#"); err != nil {
		return err
	}
	for _, filter := range []string{base + "/+/set", base + "/+/set/+", base + "/+/get"} {
		if err := b.args.MQTT.Subscribe(filter); err != nil {
			return err
		}
	}

	b.args.Bus.Subscribe(eventbus.KindMQTTMessage, b.key, func(ev eventbus.Event) error {
		msg := ev.(eventbus.MQTTMessage)
		return b.handleMessage(msg.Topic, msg.Payload)
	})
	b.args.Bus.Subscribe(eventbus.KindDeviceJoined, b.key, func(ev eventbus.Event) error {
		dev := ev.(eventbus.DeviceJoined).Device
		b.publishEvent("deviceJoined", map[string]any{"ieee_address": dev.IEEEAddress, "friendly_name": dev.Name()})
		b.publishDevices()
		return nil
	})
	b.args.Bus.Subscribe(eventbus.KindDeviceLeave, b.key, func(ev eventbus.Event) error {
		leave := ev.(eventbus.DeviceLeave)
		b.publishEvent("deviceLeave", map[string]any{"ieee_address": leave.ID})
		b.publishDevices()
		return nil
	})
	b.args.Bus.Subscribe(eventbus.KindPermitJoinChanged, b.key, func(ev eventbus.Event) error {
		pj := ev.(eventbus.PermitJoinChanged)
		b.mu.Lock()
		b.permitJoin = pj.Enabled
		b.permitTime = pj.Seconds
		b.mu.Unlock()
		b.publishEvent("permitJoinChanged", map[string]any{"permit_join": pj.Enabled, "time": pj.Seconds})
		b.publishInfo()
		return nil
	})

	b.publishRetained("bridge/state", []byte("online"))
	b.publishInfo()
	b.publishDevices()
	b.publishGroups()
	return nil
}

func (b *Bridge) Stop() error {
	b.publishRetained("bridge/state", []byte("offline"))
	b.args.Bus.RemoveAll(b.key)
	return nil
}

func (b *Bridge) handleMessage(topic string, payload []byte) error {
	base := b.args.Config.MQTT.BaseTopic
	if op, ok := strings.CutPrefix(topic, base+"/bridge/request/"); ok {
		b.handleRequest(op, payload)
		return nil
	}
	rest, ok := strings.CutPrefix(topic, base+"/")
	if !ok {
		return nil
	}
	if name, attr, ok := splitCommand(rest, "/set"); ok {
		return b.handleSet(name, attr, payload)
	}
	if name, _, ok := splitCommand(rest, "/get"); ok {
		return b.handleGet(name)
	}
	return nil
}

// splitCommand recognizes "<name><verb>" and "<name><verb>/<attr>" topics.
func splitCommand(topic, verb string) (name, attr string, ok bool) {
	if strings.HasSuffix(topic, verb) {
		return strings.TrimSuffix(topic, verb), "", true
	}
	if i := strings.LastIndex(topic, verb+"/"); i >= 0 {
		return topic[:i], topic[i+len(verb)+1:], true
	}
	return "", "", false
}

// bridgeRequest is the request envelope; plain payloads without an envelope
// are treated as the value itself.
type bridgeRequest struct {
	ID          string          `json:"id,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	Time        uint32          `json:"time,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Force       bool            `json:"force,omitempty"`
	Transaction string          `json:"transaction,omitempty"`
}

func (b *Bridge) handleRequest(op string, payload []byte) {
	var req bridgeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.respondError(op, "", fmt.Sprintf("invalid request: %v", err))
			return
		}
	}
	if req.Transaction == "" {
		req.Transaction = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), bridgeRequestTimeout)
	defer cancel()

	switch op {
	case "permit_join":
		var enable bool
		if err := json.Unmarshal(req.Value, &enable); err != nil {
			b.respondError(op, req.Transaction, "value must be a boolean")
			return
		}
		if err := b.args.Stack.PermitJoin(ctx, enable, req.ID, req.Time); err != nil {
			b.respondError(op, req.Transaction, err.Error())
			return
		}
		b.args.Bus.Emit(eventbus.PermitJoinChanged{Enabled: enable, Seconds: req.Time})
		b.respondOK(op, req.Transaction, map[string]any{"value": enable, "time": req.Time})

	case "device/remove":
		id := req.ID
		if id == "" {
			_ = json.Unmarshal(req.Value, &id)
		}
		ent, ok := b.args.ResolveEntity(id)
		if !ok {
			b.respondError(op, req.Transaction, fmt.Sprintf("device '%s' does not exist", id))
			return
		}
		if err := b.args.Stack.RemoveDevice(ctx, ent.ID(), req.Force); err != nil {
			b.respondError(op, req.Transaction, err.Error())
			return
		}
		b.args.State.Remove(ent.ID())
		b.args.Config.RemoveDeviceSettings(ent.ID())
		if err := b.args.Store.DeleteAlias(ent.ID()); err != nil {
			b.logger.Error("delete alias", "id", ent.ID(), "err", err)
		}
		b.args.Bus.Emit(eventbus.EntityRemoved{ID: ent.ID(), Kind: entity.KindDevice})
		b.publishDevices()
		b.respondOK(op, req.Transaction, map[string]any{"id": id, "force": req.Force})

	case "device/rename":
		ent, ok := b.args.ResolveEntity(req.From)
		if !ok {
			b.respondError(op, req.Transaction, fmt.Sprintf("device '%s' does not exist", req.From))
			return
		}
		b.args.Config.SetDeviceFriendlyName(ent.ID(), req.To)
		if err := b.args.Store.SetAlias(ent.ID(), req.To); err != nil {
			b.logger.Error("persist alias", "id", ent.ID(), "err", err)
		}
		b.publishDevices()
		b.respondOK(op, req.Transaction, map[string]any{"from": req.From, "to": req.To})

	case "options":
		b.respondOK(op, req.Transaction, b.optionsView())

	case "restart":
		b.respondOK(op, req.Transaction, map[string]any{})
		b.args.RequestRestart(gateway.ReasonRestart)

	case "health_check":
		b.respondOK(op, req.Transaction, map[string]any{"healthy": b.args.Status() == gateway.StatusStarted})

	case "extension/enable":
		var kind string
		if err := json.Unmarshal(req.Value, &kind); err != nil {
			b.respondError(op, req.Transaction, "value must be an extension name")
			return
		}
		if err := b.args.EnableExtension(kind); err != nil {
			b.respondError(op, req.Transaction, err.Error())
			return
		}
		b.respondOK(op, req.Transaction, map[string]any{"value": kind})

	case "extension/disable":
		var kind string
		if err := json.Unmarshal(req.Value, &kind); err != nil {
			b.respondError(op, req.Transaction, "value must be an extension name")
			return
		}
		if err := b.args.DisableExtension(kind); err != nil {
			b.respondError(op, req.Transaction, err.Error())
			return
		}
		b.respondOK(op, req.Transaction, map[string]any{"value": kind})

	default:
		b.respondError(op, req.Transaction, fmt.Sprintf("unknown request '%s'", op))
	}
}

// handleSet applies an entity command. A non-empty attr addresses a single
// attribute with a raw value payload.
func (b *Bridge) handleSet(name, attr string, payload []byte) error {
	ent, ok := b.args.ResolveEntity(name)
	if !ok {
		b.logger.Warn("command for unknown entity", "entity", name)
		return nil
	}

	var cmd map[string]any
	if attr != "" {
		cmd = map[string]any{attr: parseScalar(payload)}
	} else if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command payload", "entity", name, "err", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), bridgeRequestTimeout)
	defer cancel()
	if err := b.args.Stack.Write(ctx, ent.ID(), cmd); err != nil {
		b.logger.Warn("command failed", "entity", name, "err", err)
		return nil
	}
	return b.args.PublishEntityState(ent, cmd, "commandFeedback")
}

func (b *Bridge) handleGet(name string) error {
	ent, ok := b.args.ResolveEntity(name)
	if !ok {
		return nil
	}
	bag, err := b.args.State.Get(ent)
	if err != nil {
		return nil // nothing cached yet
	}
	return b.args.PublishEntityState(ent, bag, "stateRequest")
}

func (b *Bridge) respondOK(op, transaction string, data map[string]any) {
	b.respond(op, map[string]any{"data": data, "status": "ok", "transaction": transaction})
}

func (b *Bridge) respondError(op, transaction, message string) {
	b.respond(op, map[string]any{"data": map[string]any{}, "status": "error", "error": message, "transaction": transaction})
}

func (b *Bridge) respond(op string, body map[string]any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	topic := b.args.Config.MQTT.BaseTopic + "/bridge/response/" + op
	if err := b.args.MQTT.Publish(topic, data, mqtt.Options{}); err != nil {
		b.logger.Error("publish response", "topic", topic, "err", err)
	}
}

func (b *Bridge) publishEvent(eventType string, data map[string]any) {
	body, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		return
	}
	topic := b.args.Config.MQTT.BaseTopic + "/bridge/event"
	if err := b.args.MQTT.Publish(topic, body, mqtt.Options{}); err != nil {
		b.logger.Error("publish event", "err", err)
	}
}

func (b *Bridge) publishInfo() {
	enabled, _ := b.permitState()
	info := map[string]any{
		"permit_join": enabled,
		"log_level":   b.args.LogLevel.Level().String(),
		"config":      b.optionsView(),
	}
	b.publishRetainedJSON("bridge/info", info)
}

func (b *Bridge) permitState() (bool, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.permitJoin, b.permitTime
}

func (b *Bridge) publishDevices() {
	devices := b.args.Stack.Devices()
	views := make([]map[string]any, 0, len(devices))
	for _, dev := range devices {
		view := map[string]any{
			"ieee_address":        dev.IEEEAddress,
			"network_address":     dev.NetworkAddress,
			"friendly_name":       b.friendlyName(dev),
			"interview_completed": dev.InterviewCompleted,
			"supported":           dev.Supported,
		}
		if dev.Definition != nil {
			view["definition"] = dev.Definition
		}
		views = append(views, view)
	}
	b.publishRetainedJSON("bridge/devices", views)
}

func (b *Bridge) publishGroups() {
	groups := b.args.Stack.Groups()
	views := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		members := make([]string, len(g.Members))
		for i, m := range g.Members {
			members[i] = m.IEEEAddress
		}
		views = append(views, map[string]any{
			"id":            g.GroupID,
			"friendly_name": g.FriendlyName,
			"members":       members,
		})
	}
	b.publishRetainedJSON("bridge/groups", views)
}

func (b *Bridge) optionsView() map[string]any {
	settings := b.args.Config.MQTTSettings()
	enabled, _ := b.permitState()
	return map[string]any{
		"mqtt": map[string]any{
			"server":     settings.Server,
			"base_topic": settings.BaseTopic,
		},
		"permit_join": enabled,
		"advanced": map[string]any{
			"output":    b.args.Config.Advanced.Output,
			"last_seen": b.args.Config.Advanced.LastSeen,
		},
	}
}

func (b *Bridge) friendlyName(dev *entity.Device) string {
	if name, ok := b.args.Config.FriendlyNameFor(dev.IEEEAddress); ok {
		return name
	}
	return dev.Name()
}

func (b *Bridge) publishRetainedJSON(suffix string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.publishRetained(suffix, data)
}

func (b *Bridge) publishRetained(suffix string, payload []byte) {
	topic := b.args.Config.MQTT.BaseTopic + "/" + suffix
	if err := b.args.MQTT.Publish(topic, payload, mqtt.Options{Retain: true}); err != nil {
		b.logger.Error("publish", "topic", topic, "err", err)
	}
}

// parseScalar interprets a raw single-attribute payload: JSON when it parses,
// the literal string otherwise.
func parseScalar(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
