package extension

import (
	"encoding/json"
	"log/slog"
	"slices"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
	"meshbridge/internal/mqtt"
)

const discoveryPrefix = "homeassistant"

// HomeAssistant publishes MQTT discovery configs so devices appear in Home
// Assistant automatically. Configs are retained; removal clears them with an
// empty retained payload.
type HomeAssistant struct {
	args   gateway.Args
	key    string
	logger *slog.Logger
}

// NewHomeAssistant constructs the discovery extension.
func NewHomeAssistant(args gateway.Args) gateway.Extension {
	return &HomeAssistant{
		args:   args,
		key:    gateway.SubscriberKey(KindHomeAssistant),
		logger: args.Logger.With("extension", KindHomeAssistant),
	}
}

func (h *HomeAssistant) Start() error {
	h.args.Bus.Subscribe(eventbus.KindDeviceJoined, h.key, func(ev eventbus.Event) error {
		h.publishDiscovery(ev.(eventbus.DeviceJoined).Device)
		return nil
	})
	h.args.Bus.Subscribe(eventbus.KindEntityRemoved, h.key, func(ev eventbus.Event) error {
		removed := ev.(eventbus.EntityRemoved)
		if removed.Kind == entity.KindDevice {
			h.clearDiscovery(removed.ID)
		}
		return nil
	})

	for _, dev := range h.args.Stack.Devices() {
		h.publishDiscovery(dev)
	}
	return nil
}

func (h *HomeAssistant) Stop() error {
	h.args.Bus.RemoveAll(h.key)
	return nil
}

// discoveryEntry is one HA entity derived from a device exposure.
type discoveryEntry struct {
	component string
	objectID  string
	config    map[string]any
}

func (h *HomeAssistant) publishDiscovery(dev *entity.Device) {
	if dev.Definition == nil || !dev.InterviewCompleted {
		return
	}
	name := h.friendlyName(dev)
	stateTopic := h.args.Config.MQTT.BaseTopic + "/" + name

	deviceBlock := map[string]any{
		"identifiers":  []string{"meshbridge_" + dev.IEEEAddress},
		"name":         name,
		"model":        dev.Definition.Model,
		"manufacturer": dev.Definition.Vendor,
	}

	for _, entry := range discoveryEntries(dev, stateTopic) {
		entry.config["device"] = deviceBlock
		entry.config["unique_id"] = dev.IEEEAddress + "_" + entry.objectID
		entry.config["name"] = name + " " + entry.objectID
		data, err := json.Marshal(entry.config)
		if err != nil {
			continue
		}
		topic := discoveryPrefix + "/" + entry.component + "/" + dev.IEEEAddress + "/" + entry.objectID + "/config"
		if err := h.args.MQTT.Publish(topic, data, mqtt.Options{Retain: true}); err != nil {
			h.logger.Error("publish discovery", "topic", topic, "err", err)
		}
	}
}

// clearDiscovery retracts every possible config topic for a removed device.
func (h *HomeAssistant) clearDiscovery(ieee string) {
	for _, component := range []string{"light", "switch", "sensor", "binary_sensor"} {
		for _, objectID := range []string{"state", "temperature", "humidity", "pressure", "illuminance", "battery", "linkquality", "contact", "occupancy"} {
			topic := discoveryPrefix + "/" + component + "/" + ieee + "/" + objectID + "/config"
			if err := h.args.MQTT.Publish(topic, nil, mqtt.Options{Retain: true}); err != nil {
				h.logger.Debug("clear discovery", "topic", topic, "err", err)
			}
		}
	}
}

func discoveryEntries(dev *entity.Device, stateTopic string) []discoveryEntry {
	exposes := dev.Definition.Exposes
	var entries []discoveryEntry

	if slices.Contains(exposes, "state") {
		component := "switch"
		config := map[string]any{
			"state_topic":    stateTopic,
			"command_topic":  stateTopic + "/set",
			"value_template": "{{ value_json.state }}",
			"payload_on":     "ON",
			"payload_off":    "OFF",
		}
		if slices.Contains(exposes, "brightness") {
			component = "light"
			config["schema"] = "json"
			config["brightness"] = true
			delete(config, "value_template")
			delete(config, "payload_on")
			delete(config, "payload_off")
		}
		entries = append(entries, discoveryEntry{component, "state", config})
	}

	sensors := map[string][2]string{
		"temperature": {"temperature", "°C"},
		"humidity":    {"humidity", "%"},
		"pressure":    {"pressure", "hPa"},
		"illuminance": {"illuminance", "lx"},
		"battery":     {"battery", "%"},
		"linkquality": {"", "lqi"},
	}
	for attr, meta := range sensors {
		if !slices.Contains(exposes, attr) && attr != "linkquality" {
			continue
		}
		config := map[string]any{
			"state_topic":         stateTopic,
			"value_template":      "{{ value_json." + attr + " }}",
			"unit_of_measurement": meta[1],
		}
		if meta[0] != "" {
			config["device_class"] = meta[0]
		}
		entries = append(entries, discoveryEntry{"sensor", attr, config})
	}

	binary := map[string]string{
		"contact":   "door",
		"occupancy": "occupancy",
	}
	for attr, class := range binary {
		if !slices.Contains(exposes, attr) {
			continue
		}
		config := map[string]any{
			"state_topic":    stateTopic,
			"value_template": "{{ value_json." + attr + " }}",
			"device_class":   class,
			"payload_on":     true,
			"payload_off":    false,
		}
		entries = append(entries, discoveryEntry{"binary_sensor", attr, config})
	}

	return entries
}

func (h *HomeAssistant) friendlyName(dev *entity.Device) string {
	if name, ok := h.args.Config.FriendlyNameFor(dev.IEEEAddress); ok {
		return name
	}
	return dev.Name()
}
