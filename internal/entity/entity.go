package entity

import "time"

// Kind discriminates the entity variants addressable on the bridge.
type Kind string

const (
	KindDevice Kind = "device"
	KindGroup  Kind = "group"
)

// Entity is a device or group addressable on the bridge.
type Entity interface {
	// EntityKind returns the variant tag.
	EntityKind() Kind
	// ID returns the stable identity (IEEE address for devices, name for groups).
	ID() string
	// Name returns the human-facing name used in topics.
	Name() string
}

// Definition describes a device's capability model, resolved from the
// manufacturer/model pair reported during interview.
type Definition struct {
	Model       string   `json:"model"`
	Vendor      string   `json:"vendor"`
	Description string   `json:"description,omitempty"`
	Exposes     []string `json:"exposes,omitempty"`
}

// Device is a joined Zigbee device.
type Device struct {
	IEEEAddress        string      `json:"ieee_address"`
	NetworkAddress     uint16      `json:"network_address"`
	FriendlyName       string      `json:"friendly_name,omitempty"`
	Definition         *Definition `json:"definition,omitempty"`
	InterviewCompleted bool        `json:"interview_completed"`
	Supported          bool        `json:"supported"`
	PowerSource        string      `json:"power_source,omitempty"`
	ZCLVersion         uint8       `json:"zcl_version,omitempty"`
	StackVersion       uint8       `json:"stack_version,omitempty"`
	HardwareVersion    uint8       `json:"hardware_version,omitempty"`
	SoftwareBuildID    string      `json:"software_build_id,omitempty"`
	DateCode           string      `json:"date_code,omitempty"`
	LastSeen           time.Time   `json:"last_seen,omitempty"`
	LinkQuality        *uint8      `json:"linkquality,omitempty"`
}

func (d *Device) EntityKind() Kind { return KindDevice }

func (d *Device) ID() string { return d.IEEEAddress }

// Name returns the friendly name, falling back to the IEEE address.
func (d *Device) Name() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	return d.IEEEAddress
}

// Group is a named collection of devices with a numeric network id.
type Group struct {
	GroupID      uint16    `json:"group_id"`
	FriendlyName string    `json:"friendly_name"`
	Members      []*Device `json:"members,omitempty"`
}

func (g *Group) EntityKind() Kind { return KindGroup }

func (g *Group) ID() string { return g.FriendlyName }

func (g *Group) Name() string { return g.FriendlyName }

// Settings is the resolved per-entity publication policy: entity overrides
// from configuration layered over the global defaults.
type Settings struct {
	FriendlyName       string
	Retain             bool
	QoS                byte
	Retention          uint32 // message expiry in seconds, 0 = none
	FilteredAttributes []string
}
