// Package config loads and validates the gateway configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"meshbridge/internal/entity"
)

// Last-seen format policies.
const (
	LastSeenDisable      = "disable"
	LastSeenISO8601      = "ISO_8601"
	LastSeenISO8601Local = "ISO_8601_local"
	LastSeenEpoch        = "epoch"
)

// Output modes for the publication pipeline.
const (
	OutputJSON             = "json"
	OutputAttribute        = "attribute"
	OutputAttributeAndJSON = "attribute_and_json"
)

// MQTT holds broker connection settings. Credentials may be updated at
// runtime through the management surface; updates take effect on the next
// (re)connect.
type MQTT struct {
	Server                   string `yaml:"server"`
	User                     string `yaml:"user"`
	Password                 string `yaml:"password"`
	ClientID                 string `yaml:"client_id"`
	BaseTopic                string `yaml:"base_topic"`
	IncludeDeviceInformation bool   `yaml:"include_device_information"`
}

// Serial holds the adapter transport settings.
type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Frontend holds the HTTP+WebSocket mirror settings.
type Frontend struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Advanced holds tuning knobs that rarely need changing.
type Advanced struct {
	CacheState              bool   `yaml:"cache_state"`
	CacheStatePersistent    bool   `yaml:"cache_state_persistent"`
	CacheStateSendOnStartup bool   `yaml:"cache_state_send_on_startup"`
	LastSeen                string `yaml:"last_seen"`
	Output                  string `yaml:"output"`
	LogLevel                string `yaml:"log_level"`
	LogFormat               string `yaml:"log_format"`
	LogDir                  string `yaml:"log_dir"`
	SoftResetTimeout        int    `yaml:"soft_reset_timeout"` // seconds of adapter silence before restart, 0 disables
	LegacyAPI               bool   `yaml:"legacy_api"`
}

// EntitySettings are per-entity overrides for publication options.
type EntitySettings struct {
	FriendlyName       string   `yaml:"friendly_name"`
	Retain             *bool    `yaml:"retain"`
	QoS                *byte    `yaml:"qos"`
	Retention          *uint32  `yaml:"retention"`
	FilteredAttributes []string `yaml:"filtered_attributes"`
}

// Config is the full gateway configuration.
type Config struct {
	MQTT               MQTT                      `yaml:"mqtt"`
	Serial             Serial                    `yaml:"serial"`
	Frontend           Frontend                  `yaml:"frontend"`
	PermitJoin         bool                      `yaml:"permit_join"`
	PermitJoinTimeout  int                       `yaml:"permit_join_timeout"` // seconds until auto-close, 0 = no timer
	HomeAssistant      bool                      `yaml:"homeassistant"`
	ExternalConverters string                    `yaml:"external_converters"` // directory of Lua scripts
	Devices            map[string]EntitySettings `yaml:"devices"`
	Groups             map[string]EntitySettings `yaml:"groups"`
	Retain             bool                      `yaml:"retain"` // global default
	QoS                byte                      `yaml:"qos"`    // global default
	DataDir            string                    `yaml:"data_dir"`
	Advanced           Advanced                  `yaml:"advanced"`

	mu sync.Mutex
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "meshbridge"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "meshbridge"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if c.Frontend.Listen == "" {
		c.Frontend.Listen = "127.0.0.1:8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Advanced.LastSeen == "" {
		c.Advanced.LastSeen = LastSeenDisable
	}
	if c.Advanced.Output == "" {
		c.Advanced.Output = OutputJSON
	}
	if c.Advanced.LogLevel == "" {
		c.Advanced.LogLevel = "info"
	}
	if c.Advanced.LogFormat == "" {
		c.Advanced.LogFormat = "text"
	}
	if c.Advanced.LogDir == "" {
		c.Advanced.LogDir = "log"
	}
}

// Validate checks the configuration and returns every error found, not just
// the first, so an operator can fix them all in one pass.
func (c *Config) Validate() error {
	var errs []error
	if c.MQTT.Server == "" {
		errs = append(errs, errors.New("mqtt.server is required"))
	}
	if c.Serial.Port == "" {
		errs = append(errs, errors.New("serial.port is required"))
	}
	if c.QoS > 2 {
		errs = append(errs, fmt.Errorf("qos must be 0-2, got %d", c.QoS))
	}
	switch c.Advanced.LastSeen {
	case LastSeenDisable, LastSeenISO8601, LastSeenISO8601Local, LastSeenEpoch:
	default:
		errs = append(errs, fmt.Errorf("advanced.last_seen must be one of disable, ISO_8601, ISO_8601_local, epoch; got %q", c.Advanced.LastSeen))
	}
	switch c.Advanced.Output {
	case OutputJSON, OutputAttribute, OutputAttributeAndJSON:
	default:
		errs = append(errs, fmt.Errorf("advanced.output must be one of json, attribute, attribute_and_json; got %q", c.Advanced.Output))
	}
	switch c.Advanced.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("advanced.log_level must be one of debug, info, warn, error; got %q", c.Advanced.LogLevel))
	}
	if c.PermitJoinTimeout < 0 {
		errs = append(errs, fmt.Errorf("permit_join_timeout must not be negative, got %d", c.PermitJoinTimeout))
	}
	if c.Advanced.SoftResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("advanced.soft_reset_timeout must not be negative, got %d", c.Advanced.SoftResetTimeout))
	}
	for id, s := range c.Devices {
		if s.QoS != nil && *s.QoS > 2 {
			errs = append(errs, fmt.Errorf("devices.%s.qos must be 0-2, got %d", id, *s.QoS))
		}
	}
	for id, s := range c.Groups {
		if s.QoS != nil && *s.QoS > 2 {
			errs = append(errs, fmt.Errorf("groups.%s.qos must be 0-2, got %d", id, *s.QoS))
		}
	}
	return errors.Join(errs...)
}

// SettingsFor resolves the publication settings for an entity: per-entity
// overrides layered over the global defaults.
func (c *Config) SettingsFor(e entity.Entity) entity.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := entity.Settings{
		FriendlyName: e.Name(),
		Retain:       c.Retain,
		QoS:          c.QoS,
	}
	var override EntitySettings
	var ok bool
	switch e.EntityKind() {
	case entity.KindDevice:
		override, ok = c.Devices[e.ID()]
	case entity.KindGroup:
		override, ok = c.Groups[e.ID()]
	}
	if !ok {
		return s
	}
	if override.FriendlyName != "" {
		s.FriendlyName = override.FriendlyName
	}
	if override.Retain != nil {
		s.Retain = *override.Retain
	}
	if override.QoS != nil {
		s.QoS = *override.QoS
	}
	if override.Retention != nil {
		s.Retention = *override.Retention
	}
	s.FilteredAttributes = append(s.FilteredAttributes, override.FilteredAttributes...)
	return s
}

// FriendlyNameFor returns the configured friendly name for a device identity.
func (c *Config) FriendlyNameFor(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.Devices[id]
	if !ok || s.FriendlyName == "" {
		return "", false
	}
	return s.FriendlyName, true
}

// DeviceIDByFriendlyName reverse-maps a configured friendly name to the
// device identity.
func (c *Config) DeviceIDByFriendlyName(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.Devices {
		if s.FriendlyName == name {
			return id, true
		}
	}
	return "", false
}

// SetDeviceFriendlyName records an operator-assigned friendly name.
func (c *Config) SetDeviceFriendlyName(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Devices == nil {
		c.Devices = make(map[string]EntitySettings)
	}
	s := c.Devices[id]
	s.FriendlyName = name
	c.Devices[id] = s
}

// RemoveDeviceSettings drops per-device overrides, used on device removal.
func (c *Config) RemoveDeviceSettings(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Devices, id)
}

// MQTTSettings returns a copy of the broker connection settings.
func (c *Config) MQTTSettings() MQTT {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.MQTT
}

// UpdateMQTTSettings replaces the broker URI and credentials. The new values
// apply on the next (re)connect.
func (c *Config) UpdateMQTTSettings(server, user, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if server != "" {
		c.MQTT.Server = server
	}
	c.MQTT.User = user
	c.MQTT.Password = password
}

// DisableLegacyAPI force-disables the legacy compatibility options, used
// when the adapter reports a factory-reset outcome at startup.
func (c *Config) DisableLegacyAPI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Advanced.LegacyAPI = false
}

// LegacyAPIEnabled reports whether legacy compatibility is on.
func (c *Config) LegacyAPIEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Advanced.LegacyAPI
}
