package eventbus

import "meshbridge/internal/entity"

// Kind identifies an event variant for subscription routing.
type Kind string

const (
	KindDeviceJoined        Kind = "device_joined"
	KindDeviceLeave         Kind = "device_leave"
	KindDeviceAnnounce      Kind = "device_announce"
	KindDeviceMessage       Kind = "device_message"
	KindAdapterDisconnected Kind = "adapter_disconnected"
	KindMQTTMessage         Kind = "mqtt_message"
	KindMQTTPublished       Kind = "mqtt_published"
	KindEntityRemoved       Kind = "entity_removed"
	KindLastSeenChanged     Kind = "last_seen_changed"
	KindPublishEntityState  Kind = "publish_entity_state"
	KindStateChange         Kind = "state_change"
	KindPermitJoinChanged   Kind = "permit_join_changed"
)

// Event is a domain occurrence. Events are immutable once constructed.
type Event interface {
	EventKind() Kind
}

// DeviceJoined is emitted when the adapter reports a new device on the network.
type DeviceJoined struct {
	Device *entity.Device
}

func (DeviceJoined) EventKind() Kind { return KindDeviceJoined }

// DeviceLeave is emitted when a device leaves the network.
type DeviceLeave struct {
	ID     string
	Device *entity.Device // nil when the device was never interviewed
}

func (DeviceLeave) EventKind() Kind { return KindDeviceLeave }

// DeviceAnnounce is emitted when a known device re-announces itself.
type DeviceAnnounce struct {
	Device *entity.Device
}

func (DeviceAnnounce) EventKind() Kind { return KindDeviceAnnounce }

// DeviceMessage carries an attribute payload reported by a device.
type DeviceMessage struct {
	Device  *entity.Device
	Payload map[string]any
}

func (DeviceMessage) EventKind() Kind { return KindDeviceMessage }

// AdapterDisconnected signals an unrecoverable radio-link failure.
type AdapterDisconnected struct{}

func (AdapterDisconnected) EventKind() Kind { return KindAdapterDisconnected }

// MQTTMessage is an inbound broker message.
type MQTTMessage struct {
	Topic   string
	Payload []byte
}

func (MQTTMessage) EventKind() Kind { return KindMQTTMessage }

// MQTTPublished mirrors every outbound broker message.
type MQTTPublished struct {
	Topic   string
	Payload []byte
	Retain  bool
	QoS     byte
}

func (MQTTPublished) EventKind() Kind { return KindMQTTPublished }

// EntityRemoved is emitted after a device or group has been removed.
type EntityRemoved struct {
	ID   string
	Kind entity.Kind
}

func (EntityRemoved) EventKind() Kind { return KindEntityRemoved }

// LastSeenChanged is emitted when device traffic updates its last-seen
// timestamp without an accompanying attribute payload.
type LastSeenChanged struct {
	Device *entity.Device
}

func (LastSeenChanged) EventKind() Kind { return KindLastSeenChanged }

// PublishEntityState is emitted after the publication pipeline has run for an
// entity, whether or not a wire message was sent.
type PublishEntityState struct {
	Entity  entity.Entity
	Message map[string]any
	Reason  string
}

func (PublishEntityState) EventKind() Kind { return KindPublishEntityState }

// StateChange is emitted by the state cache on every merge.
type StateChange struct {
	Entity entity.Entity
	Update map[string]any
	State  map[string]any
	Reason string
}

func (StateChange) EventKind() Kind { return KindStateChange }

// PermitJoinChanged reflects the current network join policy.
type PermitJoinChanged struct {
	Enabled bool
	Seconds uint32
}

func (PermitJoinChanged) EventKind() Kind { return KindPermitJoinChanged }

// AllKinds lists every event kind, for subscribers that mirror the whole stream.
func AllKinds() []Kind {
	return []Kind{
		KindDeviceJoined, KindDeviceLeave, KindDeviceAnnounce, KindDeviceMessage,
		KindAdapterDisconnected, KindMQTTMessage, KindMQTTPublished,
		KindEntityRemoved, KindLastSeenChanged, KindPublishEntityState,
		KindStateChange, KindPermitJoinChanged,
	}
}
