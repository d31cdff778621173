package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"meshbridge/internal/config"
	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/mqtt"
	"meshbridge/internal/state"
	"meshbridge/internal/store"
	"meshbridge/internal/zigbee"
)

// ErrExtensionUnknown is returned when an operator-supplied extension name is
// not in the catalog. This is a fatal configuration error.
var ErrExtensionUnknown = errors.New("unknown extension")

// Extension is a pluggable behavior module. Start and Stop are invoked by
// the controller in list order; failures are isolated per extension.
type Extension interface {
	Start() error
	Stop() error
}

// MessageAdjuster is the optional hook letting an extension mutate an
// outbound message in place before it is published. Adjusters run in
// extension-list order and see each other's mutations.
type MessageAdjuster interface {
	AdjustMessage(e entity.Entity, message map[string]any)
}

// Broker is the broker-client capability the gateway consumes.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	IsFirstConnectionAttempt() bool
	Publish(topic string, payload []byte, opts mqtt.Options) error
	Subscribe(topic string) error
	OnMessage(fn func(topic string, payload []byte))
}

// PublishEntityState runs the publication pipeline for an entity.
type PublishEntityState func(e entity.Entity, payload map[string]any, reason string) error

// Args are the shared handles passed to every extension constructor.
// Extensions receive non-owning references and must not assume exclusive
// access.
type Args struct {
	Stack  zigbee.Stack
	MQTT   Broker
	State  *state.State
	Bus    *eventbus.Bus
	Config *config.Config
	Store  store.Store
	Logger *slog.Logger

	PublishEntityState PublishEntityState
	// EnableExtension activates a cataloged extension by kind tag.
	EnableExtension func(kind string) error
	// DisableExtension stops and removes the active instance of a kind.
	DisableExtension func(kind string) error
	// AddExtension registers a brand-new extension instance at runtime.
	AddExtension func(kind string, ext Extension) error
	// RequestRestart asks the supervisor for a full gateway restart.
	RequestRestart func(reason string)
	// Status reports the controller's lifecycle status.
	Status func() Status
	// ResolveEntity looks up a device or group by identity or friendly name.
	ResolveEntity func(id string) (entity.Entity, bool)
	// LogLevel is the process-wide dynamic log level.
	LogLevel *slog.LevelVar
}

// Factory constructs an extension instance from the shared handles.
type Factory func(Args) Extension

type activeExtension struct {
	kind string
	ext  Extension
}

// callExtensions invokes a lifecycle action across extensions sequentially,
// isolating each call: an error or panic is logged with the extension's kind
// and does not abort the loop.
func callExtensions(logger *slog.Logger, action string, exts []activeExtension, fn func(Extension) error) {
	for _, ae := range exts {
		callIsolated(logger, action, ae.kind, func() error { return fn(ae.ext) })
	}
}

// callIsolated runs one best-effort call, logging and swallowing any error
// or panic.
func callIsolated(logger *slog.Logger, action, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("extension panic", "action", action, "extension", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		logger.Error(fmt.Sprintf("extension %s failed", action), "extension", name, "err", err)
	}
}
