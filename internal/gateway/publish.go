package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"meshbridge/internal/config"
	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/mqtt"
)

// PublishEntityState runs the publication pipeline for one logical state
// change: cache merge, enrichment, filtering, extension adjust hooks, wire
// output, and the publish-entity-state event. The pipeline is synchronous,
// so two changes for the same entity never interleave.
func (c *Controller) PublishEntityState(e entity.Entity, payload map[string]any, reason string) error {
	full := c.state.Set(e, payload, reason)

	var message map[string]any
	if c.cfg.Advanced.CacheState {
		message = full // Set already returned a copy
	} else {
		message = make(map[string]any, len(payload))
		for k, v := range payload {
			message[k] = v
		}
	}

	settings := c.cfg.SettingsFor(e)
	opts := mqtt.Options{
		Retain:        settings.Retain,
		QoS:           settings.QoS,
		MessageExpiry: settings.Retention,
	}

	if dev, ok := e.(*entity.Device); ok {
		if c.cfg.MQTT.IncludeDeviceInformation {
			message["device"] = deviceInformation(dev, settings.FriendlyName)
		}
		if c.cfg.Advanced.LastSeen != config.LastSeenDisable && !dev.LastSeen.IsZero() {
			message["last_seen"] = formatLastSeen(dev.LastSeen, c.cfg.Advanced.LastSeen)
		}
		if dev.LinkQuality != nil {
			message["linkquality"] = *dev.LinkQuality
		}
	}

	for _, name := range settings.FilteredAttributes {
		delete(message, name)
	}

	c.mu.Lock()
	exts := append([]activeExtension(nil), c.exts...)
	c.mu.Unlock()
	for _, ae := range exts {
		if adj, ok := ae.ext.(MessageAdjuster); ok {
			adj.AdjustMessage(e, message)
		}
	}

	var pubErr error
	if len(message) > 0 {
		topic := c.cfg.MQTT.BaseTopic + "/" + settings.FriendlyName
		mode := c.cfg.Advanced.Output
		if mode == config.OutputJSON || mode == config.OutputAttributeAndJSON {
			if err := c.publish(topic, mustJSON(message), opts); err != nil {
				pubErr = err
			}
		}
		if mode == config.OutputAttribute || mode == config.OutputAttributeAndJSON {
			for _, leaf := range flattenMessage(message) {
				if err := c.publish(topic+"/"+leaf.path, []byte(leaf.value), opts); err != nil {
					pubErr = err
				}
			}
		}
	}

	// Step 10: subscribers observe every state transition even when wire
	// output is suppressed by configuration.
	c.bus.Emit(eventbus.PublishEntityState{Entity: e, Message: message, Reason: reason})
	return pubErr
}

// publish sends one broker message and mirrors it onto the bus.
func (c *Controller) publish(topic string, payload []byte, opts mqtt.Options) error {
	if err := c.broker.Publish(topic, payload, opts); err != nil {
		return err
	}
	c.bus.Emit(eventbus.MQTTPublished{Topic: topic, Payload: payload, Retain: opts.Retain, QoS: opts.QoS})
	return nil
}

// deviceInformation is the nested metadata block attached when
// mqtt.include_device_information is enabled.
func deviceInformation(dev *entity.Device, friendlyName string) map[string]any {
	info := map[string]any{
		"friendlyName":    friendlyName,
		"ieeeAddr":        dev.IEEEAddress,
		"networkAddress":  dev.NetworkAddress,
		"powerSource":     dev.PowerSource,
		"zclVersion":      dev.ZCLVersion,
		"stackVersion":    dev.StackVersion,
		"hardwareVersion": dev.HardwareVersion,
		"softwareBuildID": dev.SoftwareBuildID,
		"dateCode":        dev.DateCode,
	}
	if dev.Definition != nil {
		info["model"] = dev.Definition.Model
		info["manufacturerName"] = dev.Definition.Vendor
	}
	return info
}

func formatLastSeen(t time.Time, policy string) any {
	switch policy {
	case config.LastSeenISO8601:
		return t.UTC().Format(time.RFC3339)
	case config.LastSeenISO8601Local:
		return t.Format(time.RFC3339)
	case config.LastSeenEpoch:
		return t.UnixMilli()
	default:
		return t.UTC().Format(time.RFC3339)
	}
}

// leaf is one flattened attribute message.
type leaf struct {
	path  string
	value string
}

// flattenMessage decomposes a message into one entry per leaf attribute.
// Key order is sorted for deterministic output.
func flattenMessage(message map[string]any) []leaf {
	keys := make([]string, 0, len(message))
	for k := range message {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var leaves []leaf
	for _, k := range keys {
		leaves = append(leaves, flattenValue(k, message[k])...)
	}
	return leaves
}

// flattenValue applies the flattening rules: an {r,g,b} color object becomes
// a comma-joined triple, arrays become comma-joined elements, nested objects
// recurse with a hyphen-joined key path, nil becomes an empty string, and
// everything else is stringified.
func flattenValue(path string, v any) []leaf {
	switch t := v.(type) {
	case nil:
		return []leaf{{path, ""}}
	case map[string]any:
		if r, g, b, ok := colorTriple(t); ok {
			return []leaf{{path, fmt.Sprintf("%s,%s,%s", stringify(r), stringify(g), stringify(b))}}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var leaves []leaf
		for _, k := range keys {
			leaves = append(leaves, flattenValue(path+"-"+k, t[k])...)
		}
		return leaves
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = stringify(el)
		}
		joined := ""
		for i, p := range parts {
			if i > 0 {
				joined += ","
			}
			joined += p
		}
		return []leaf{{path, joined}}
	default:
		return []leaf{{path, stringify(v)}}
	}
}

// colorTriple recognizes a three-component {r,g,b} object.
func colorTriple(m map[string]any) (r, g, b any, ok bool) {
	if len(m) != 3 {
		return nil, nil, nil, false
	}
	r, rok := m["r"]
	g, gok := m["g"]
	b, bok := m["b"]
	if !rok || !gok || !bok {
		return nil, nil, nil, false
	}
	return r, g, b, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	default:
		return string(mustJSON(v))
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
