package gateway

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"meshbridge/internal/config"
	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

func startedController(t *testing.T, mutate func(*testEnv), opts func(*Options)) (*Controller, *testEnv) {
	t.Helper()
	c, env := newTestController(t, mutate, opts)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Discard startup traffic so assertions see only pipeline output.
	env.broker.mu.Lock()
	env.broker.messages = nil
	env.broker.mu.Unlock()
	return c, env
}

func TestPublishFilteredAttributeNeverEmitted(t *testing.T) {
	modes := []string{config.OutputJSON, config.OutputAttribute, config.OutputAttributeAndJSON}
	for _, mode := range modes {
		t.Run(mode, func(t *testing.T) {
			dev := &entity.Device{IEEEAddress: "0x01"}
			c, env := startedController(t, func(env *testEnv) {
				env.cfg.Advanced.Output = mode
				env.cfg.Devices = map[string]config.EntitySettings{
					"0x01": {FilteredAttributes: []string{"battery"}},
				}
			}, nil)

			var observed map[string]any
			env.bus.Subscribe(eventbus.KindPublishEntityState, "test", func(ev eventbus.Event) error {
				observed = ev.(eventbus.PublishEntityState).Message
				return nil
			})

			if err := c.PublishEntityState(dev, map[string]any{"battery": 80, "state": "ON"}, "deviceMessage"); err != nil {
				t.Fatalf("PublishEntityState: %v", err)
			}

			for _, msg := range env.broker.published() {
				if msg.topic == "meshbridge/0x01" {
					var body map[string]any
					if err := json.Unmarshal(msg.payload, &body); err != nil {
						t.Fatalf("unmarshal: %v", err)
					}
					if _, ok := body["battery"]; ok {
						t.Fatal("battery leaked into the json message")
					}
				}
				if msg.topic == "meshbridge/0x01/battery" {
					t.Fatal("battery leaked as an attribute leaf")
				}
			}
			if _, ok := observed["battery"]; ok {
				t.Fatal("battery leaked into the publish-entity-state event")
			}
		})
	}
}

func TestPublishAttributeFlattening(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	c, env := startedController(t, func(env *testEnv) {
		env.cfg.Advanced.Output = config.OutputAttribute
	}, nil)

	payload := map[string]any{
		"color": map[string]any{"r": 10, "g": 20, "b": 30},
		"state": "ON",
	}
	if err := c.PublishEntityState(dev, payload, "deviceMessage"); err != nil {
		t.Fatalf("PublishEntityState: %v", err)
	}

	got := make(map[string]string)
	for _, msg := range env.broker.published() {
		got[msg.topic] = string(msg.payload)
	}
	want := map[string]string{
		"meshbridge/0x01/color": "10,20,30",
		"meshbridge/0x01/state": "ON",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("leaves = %v, want %v", got, want)
	}
}

func TestPublishOutputModes(t *testing.T) {
	tests := []struct {
		mode      string
		wantJSON  bool
		wantLeaves bool
	}{
		{config.OutputJSON, true, false},
		{config.OutputAttribute, false, true},
		{config.OutputAttributeAndJSON, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			dev := &entity.Device{IEEEAddress: "0x01"}
			c, env := startedController(t, func(env *testEnv) {
				env.cfg.Advanced.Output = tt.mode
			}, nil)

			if err := c.PublishEntityState(dev, map[string]any{"state": "ON"}, "deviceMessage"); err != nil {
				t.Fatalf("PublishEntityState: %v", err)
			}

			var gotJSON, gotLeaf bool
			for _, msg := range env.broker.published() {
				switch msg.topic {
				case "meshbridge/0x01":
					gotJSON = true
				case "meshbridge/0x01/state":
					gotLeaf = true
				}
			}
			if gotJSON != tt.wantJSON || gotLeaf != tt.wantLeaves {
				t.Fatalf("json=%v leaves=%v, want json=%v leaves=%v", gotJSON, gotLeaf, tt.wantJSON, tt.wantLeaves)
			}
		})
	}
}

func TestPublishEventAlwaysEmitted(t *testing.T) {
	// Fully filtered message: nothing is sent on the wire, the event fires anyway.
	dev := &entity.Device{IEEEAddress: "0x01"}
	c, env := startedController(t, func(env *testEnv) {
		env.cfg.Devices = map[string]config.EntitySettings{
			"0x01": {FilteredAttributes: []string{"state"}},
		}
	}, nil)

	var events int
	env.bus.Subscribe(eventbus.KindPublishEntityState, "test", func(ev eventbus.Event) error {
		events++
		return nil
	})

	if err := c.PublishEntityState(dev, map[string]any{"state": "ON"}, "deviceMessage"); err != nil {
		t.Fatalf("PublishEntityState: %v", err)
	}
	if len(env.broker.published()) != 0 {
		t.Fatal("empty message was published to the broker")
	}
	if events != 1 {
		t.Fatalf("publish-entity-state events = %d, want 1", events)
	}
}

func TestPublishCacheStateMergesPriorKeys(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	c, env := startedController(t, nil, nil)

	if err := c.PublishEntityState(dev, map[string]any{"state": "ON", "brightness": 100}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}
	env.broker.mu.Lock()
	env.broker.messages = nil
	env.broker.mu.Unlock()
	if err := c.PublishEntityState(dev, map[string]any{"brightness": 50}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}

	msgs := env.broker.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["state"] != "ON" {
		t.Fatal("cached key missing from cache-state message")
	}
	if body["brightness"] != float64(50) {
		t.Fatalf("brightness = %v, want 50", body["brightness"])
	}
}

func TestPublishWithoutCacheStateSendsPayloadOnly(t *testing.T) {
	dev := &entity.Device{IEEEAddress: "0x01"}
	c, env := startedController(t, func(env *testEnv) {
		env.cfg.Advanced.CacheState = false
	}, nil)

	if err := c.PublishEntityState(dev, map[string]any{"state": "ON"}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}
	env.broker.mu.Lock()
	env.broker.messages = nil
	env.broker.mu.Unlock()
	if err := c.PublishEntityState(dev, map[string]any{"brightness": 50}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}

	msgs := env.broker.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := body["state"]; ok {
		t.Fatal("prior key included without cache-state")
	}
}

func TestPublishDeviceEnrichment(t *testing.T) {
	lq := uint8(120)
	dev := &entity.Device{
		IEEEAddress:    "0x01",
		NetworkAddress: 0x1234,
		PowerSource:    "Battery",
		LastSeen:       time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		LinkQuality:    &lq,
		Definition:     &entity.Definition{Model: "WSDCGQ11LM", Vendor: "Aqara"},
	}
	c, env := startedController(t, func(env *testEnv) {
		env.cfg.MQTT.IncludeDeviceInformation = true
		env.cfg.Advanced.LastSeen = config.LastSeenEpoch
	}, nil)

	if err := c.PublishEntityState(dev, map[string]any{"temperature": 21.5}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}

	msgs := env.broker.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	info, ok := body["device"].(map[string]any)
	if !ok {
		t.Fatalf("device block missing: %v", body)
	}
	if info["ieeeAddr"] != "0x01" || info["model"] != "WSDCGQ11LM" {
		t.Fatalf("device block = %v", info)
	}
	if body["last_seen"] != float64(dev.LastSeen.UnixMilli()) {
		t.Fatalf("last_seen = %v", body["last_seen"])
	}
	if body["linkquality"] != float64(120) {
		t.Fatalf("linkquality = %v", body["linkquality"])
	}
}

func TestPublishRetainAndQoSFromSettings(t *testing.T) {
	retain := true
	qos := byte(1)
	dev := &entity.Device{IEEEAddress: "0x01"}
	c, env := startedController(t, func(env *testEnv) {
		env.cfg.Devices = map[string]config.EntitySettings{
			"0x01": {FriendlyName: "kitchen_light", Retain: &retain, QoS: &qos},
		}
	}, nil)

	if err := c.PublishEntityState(dev, map[string]any{"state": "ON"}, "deviceMessage"); err != nil {
		t.Fatal(err)
	}

	msgs := env.broker.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "meshbridge/kitchen_light" {
		t.Fatalf("topic = %q", msgs[0].topic)
	}
	if !msgs[0].opts.Retain || msgs[0].opts.QoS != 1 {
		t.Fatalf("opts = %+v", msgs[0].opts)
	}
}

func TestFlattenValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []leaf
	}{
		{"nil", nil, []leaf{{"x", ""}}},
		{"string", "ON", []leaf{{"x", "ON"}}},
		{"bool", true, []leaf{{"x", "true"}}},
		{"float", 21.5, []leaf{{"x", "21.5"}}},
		{"int", 42, []leaf{{"x", "42"}}},
		{
			"color triple",
			map[string]any{"r": 10, "g": 20, "b": 30},
			[]leaf{{"x", "10,20,30"}},
		},
		{
			"nested map",
			map[string]any{"inner": map[string]any{"value": 1}},
			[]leaf{{"x-inner-value", "1"}},
		},
		{
			"array",
			[]any{1, "two", true},
			[]leaf{{"x", "1,two,true"}},
		},
		{
			"non-color three-key map",
			map[string]any{"a": 1, "b": 2, "c": 3},
			[]leaf{{"x-a", "1"}, {"x-b", "2"}, {"x-c", "3"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := flattenValue("x", tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("flattenValue = %v, want %v", got, tt.want)
			}
		})
	}
}
