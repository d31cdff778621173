// Package gateway contains the orchestration core: the controller lifecycle
// state machine, the extension framework, and the entity-state publication
// pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshbridge/internal/config"
	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/state"
	"meshbridge/internal/store"
	"meshbridge/internal/zigbee"
)

// Status is the controller lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusStarted  Status = "started"
	StatusStopping Status = "stopping"
)

// Restart reason passed to the exit callback when a full restart is wanted.
const ReasonRestart = "restart"

// busKeyController identifies the controller's own bus subscriptions.
const busKeyController = "controller"

// SubscriberKey is the bus subscriber key convention for extensions, so the
// controller can detach an extension's handlers when disabling it.
func SubscriberKey(kind string) string {
	return "extension:" + kind
}

var errStartAborted = errors.New("startup aborted by stop request")

// defaultRetryBackoff is the fixed wait between connection attempts.
const defaultRetryBackoff = 10 * time.Second

// Controller owns the event bus, the state cache, the adapter and broker
// handles, and the ordered collection of active extensions.
type Controller struct {
	cfg      *config.Config
	stack    zigbee.Stack
	broker   Broker
	state    *state.State
	bus      *eventbus.Bus
	store    store.Store
	catalog  map[string]Factory
	onExit   func(code int, reason string)
	logger   *slog.Logger
	logLevel *slog.LevelVar

	mu          sync.Mutex
	status      Status
	exts        []activeExtension
	permitTimer *time.Timer

	// retryBackoff is fixed at 10s in production; tests shorten it.
	retryBackoff time.Duration
}

// Options bundles the controller's collaborators.
type Options struct {
	Config   *config.Config
	Stack    zigbee.Stack
	Broker   Broker
	State    *state.State
	Bus      *eventbus.Bus
	Store    store.Store
	Catalog  map[string]Factory
	// InitialExtensions is the fixed set plus any configuration-enabled
	// optional set, in dispatch order.
	InitialExtensions []string
	OnExit            func(code int, reason string)
	Logger            *slog.Logger
	LogLevel          *slog.LevelVar
}

// New creates a controller and constructs the initial extension set. Unknown
// extension names are fatal configuration errors.
func New(opts Options) (*Controller, error) {
	c := &Controller{
		cfg:          opts.Config,
		stack:        opts.Stack,
		broker:       opts.Broker,
		state:        opts.State,
		bus:          opts.Bus,
		store:        opts.Store,
		catalog:      opts.Catalog,
		onExit:       opts.OnExit,
		logger:       opts.Logger.With("component", "controller"),
		logLevel:     opts.LogLevel,
		status:       StatusStopped,
		retryBackoff: defaultRetryBackoff,
	}
	if c.onExit == nil {
		c.onExit = func(int, string) {}
	}

	// Adapter events flow onto the bus; inbound broker messages likewise.
	c.stack.OnEvent(func(ev eventbus.Event) { c.bus.Emit(ev) })
	c.broker.OnMessage(func(topic string, payload []byte) {
		c.bus.Emit(eventbus.MQTTMessage{Topic: topic, Payload: payload})
	})

	for _, kind := range opts.InitialExtensions {
		factory, ok := c.catalog[kind]
		if !ok {
			return nil, fmt.Errorf("extension %q: %w", kind, ErrExtensionUnknown)
		}
		c.exts = append(c.exts, activeExtension{kind: kind, ext: factory(c.extensionArgs())})
	}
	return c, nil
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Start drives the startup sequence. A start request while not stopped is a
// no-op. A concurrent stop request aborts the sequence at its next
// cancellation point.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusStopped {
		c.mu.Unlock()
		c.logger.Debug("start ignored", "status", string(c.status))
		return nil
	}
	c.status = StatusStarting
	c.mu.Unlock()

	if err := c.state.Start(); err != nil {
		c.setStatus(StatusStopped)
		return fmt.Errorf("start state cache: %w", err)
	}

	// Adapter, with unbounded retry.
	var result zigbee.StartResult
	err := c.retryUntilStarting(ctx, "adapter", func() error {
		var err error
		result, err = c.stack.Start(ctx)
		return err
	})
	if err != nil {
		return nil // stop request won the race; Stop owns the teardown
	}

	c.stack.OnDisconnect(func() {
		c.logger.Error("adapter disconnected, requesting restart")
		c.bus.Emit(eventbus.AdapterDisconnected{})
		go c.Stop(ReasonRestart)
	})

	if result == zigbee.StartReset {
		// The network was re-created: old retained legacy topics would
		// reference orphaned devices.
		c.logger.Warn("network was re-created, disabling legacy compatibility")
		c.cfg.DisableLegacyAPI()
		if err := c.DisableExtension("legacybridge"); err != nil {
			c.logger.Error("disable legacy bridge", "err", err)
		}
	}

	if c.aborted() {
		return nil
	}

	devices := c.stack.Devices()
	c.logger.Info(fmt.Sprintf("currently %d devices are joined", len(devices)))
	for _, dev := range devices {
		c.annotateDevice(dev)
		c.logger.Info(fmt.Sprintf("%s (%s)", dev.Name(), deviceModel(dev)))
	}

	if c.aborted() {
		return nil
	}
	c.applyPermitJoinPolicy(ctx)

	if c.aborted() {
		return nil
	}

	// Broker, with the same retry discipline. A repeat attempt disconnects
	// the stale session first.
	err = c.retryUntilStarting(ctx, "broker", func() error {
		if !c.broker.IsFirstConnectionAttempt() {
			c.broker.Disconnect()
		}
		return c.broker.Connect(ctx)
	})
	if err != nil {
		return nil
	}

	c.mu.Lock()
	exts := append([]activeExtension(nil), c.exts...)
	c.mu.Unlock()
	callExtensions(c.logger, "start", exts, func(e Extension) error { return e.Start() })

	c.setStatus(StatusStarted)
	c.logger.Info("gateway started")

	if c.cfg.Advanced.CacheState && c.cfg.Advanced.CacheStateSendOnStartup {
		c.replayCachedState()
	}

	if c.cfg.Advanced.LastSeen != config.LastSeenDisable {
		c.bus.Subscribe(eventbus.KindLastSeenChanged, busKeyController, func(ev eventbus.Event) error {
			lsc := ev.(eventbus.LastSeenChanged)
			if !c.state.Exists(lsc.Device) {
				return nil
			}
			return c.PublishEntityState(lsc.Device, map[string]any{}, "lastSeenChanged")
		})
	}
	return nil
}

// Stop drives the shutdown sequence and invokes the exit callback with the
// original reason. A stop request while already stopping or stopped is a
// no-op.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.status == StatusStopping || c.status == StatusStopped {
		c.mu.Unlock()
		return
	}
	c.status = StatusStopping
	exts := append([]activeExtension(nil), c.exts...)
	timer := c.permitTimer
	c.permitTimer = nil
	c.mu.Unlock()

	c.logger.Info("stopping", "reason", reason)
	code := 0

	callExtensions(c.logger, "stop", exts, func(e Extension) error { return e.Stop() })
	c.bus.RemoveAll(busKeyController)
	if timer != nil {
		timer.Stop()
	}

	if err := c.state.Stop(); err != nil {
		c.logger.Error("stop state cache", "err", err)
		code = 1
	}

	// Best-effort: shutdown always completes.
	callIsolated(c.logger, "disconnect", "broker", func() error {
		c.broker.Disconnect()
		return nil
	})

	if err := c.stack.Stop(); err != nil {
		c.logger.Error("stop adapter", "err", err)
		code = 1
	}

	c.setStatus(StatusStopped)
	c.logger.Info("stopped", "reason", reason)
	c.onExit(code, reason)
}

// aborted is the cooperative cancellation check between startup steps.
func (c *Controller) aborted() bool {
	return c.Status() != StatusStarting
}

// retryUntilStarting retries fn with a fixed backoff until it succeeds or a
// concurrent stop request flips the status away from starting. Identical
// consecutive failures are logged only once.
func (c *Controller) retryUntilStarting(ctx context.Context, target string, fn func() error) error {
	var lastErr string
	for {
		if c.aborted() {
			return errStartAborted
		}
		err := fn()
		if err == nil {
			if lastErr != "" {
				c.logger.Info("connected after retries", "target", target)
			}
			return nil
		}
		if msg := err.Error(); msg != lastErr {
			c.logger.Error("connection failed, retrying", "target", target, "err", err)
			lastErr = msg
		}
		select {
		case <-time.After(c.retryBackoff):
		case <-ctx.Done():
			return errStartAborted
		}
	}
}

// applyPermitJoinPolicy applies the configured network-join policy. Failure
// is logged and non-fatal.
func (c *Controller) applyPermitJoinPolicy(ctx context.Context) {
	seconds := uint32(0)
	if c.cfg.PermitJoin {
		seconds = uint32(c.cfg.PermitJoinTimeout)
	}
	if err := c.stack.PermitJoin(ctx, c.cfg.PermitJoin, "", seconds); err != nil {
		c.logger.Error("apply permit join policy", "err", err)
		return
	}
	c.bus.Emit(eventbus.PermitJoinChanged{Enabled: c.cfg.PermitJoin, Seconds: seconds})
	if c.cfg.PermitJoin {
		c.logger.Warn("permit_join is enabled: any device can join the network")
		if seconds > 0 {
			c.mu.Lock()
			c.permitTimer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
				c.bus.Emit(eventbus.PermitJoinChanged{Enabled: false})
				c.logger.Info("permit join window closed")
			})
			c.mu.Unlock()
		}
	}
}

// PermitJoin changes the join policy at runtime, on behalf of the bridge and
// management extensions.
func (c *Controller) PermitJoin(ctx context.Context, enable bool, device string, seconds uint32) error {
	if err := c.stack.PermitJoin(ctx, enable, device, seconds); err != nil {
		return err
	}
	c.bus.Emit(eventbus.PermitJoinChanged{Enabled: enable, Seconds: seconds})
	return nil
}

func (c *Controller) replayCachedState() {
	for _, dev := range c.stack.Devices() {
		if !c.state.Exists(dev) {
			continue
		}
		bag, err := c.state.Get(dev)
		if err != nil {
			continue
		}
		if err := c.PublishEntityState(dev, bag, "cacheReplay"); err != nil {
			c.logger.Error("replay cached state", "entity", dev.ID(), "err", err)
		}
	}
	for _, g := range c.stack.Groups() {
		if !c.state.Exists(g) {
			continue
		}
		bag, err := c.state.Get(g)
		if err != nil {
			continue
		}
		if err := c.PublishEntityState(g, bag, "cacheReplay"); err != nil {
			c.logger.Error("replay cached state", "entity", g.ID(), "err", err)
		}
	}
}

// EnableExtension constructs and starts the cataloged extension of the given
// kind. Enabling an already-active kind is a no-op; an unknown kind is a
// fatal configuration error.
func (c *Controller) EnableExtension(kind string) error {
	factory, ok := c.catalog[kind]
	if !ok {
		return fmt.Errorf("extension %q: %w", kind, ErrExtensionUnknown)
	}
	c.mu.Lock()
	for _, ae := range c.exts {
		if ae.kind == kind {
			c.mu.Unlock()
			return nil
		}
	}
	ext := factory(c.extensionArgs())
	c.exts = append(c.exts, activeExtension{kind: kind, ext: ext})
	c.mu.Unlock()

	callIsolated(c.logger, "start", kind, ext.Start)
	return nil
}

// DisableExtension stops the active instance of the given kind, removes it
// from the active list, and detaches its bus subscriptions. Disabling an
// inactive kind is a no-op.
func (c *Controller) DisableExtension(kind string) error {
	c.mu.Lock()
	idx := -1
	for i, ae := range c.exts {
		if ae.kind == kind {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return nil
	}
	ae := c.exts[idx]
	c.exts = append(c.exts[:idx], c.exts[idx+1:]...)
	c.mu.Unlock()

	callIsolated(c.logger, "stop", kind, ae.ext.Stop)
	c.bus.RemoveAll(SubscriberKey(kind))
	return nil
}

// AddExtension registers a brand-new extension instance at runtime and starts
// it. The kind must not collide with an active one.
func (c *Controller) AddExtension(kind string, ext Extension) error {
	c.mu.Lock()
	for _, ae := range c.exts {
		if ae.kind == kind {
			c.mu.Unlock()
			return fmt.Errorf("extension %q already active", kind)
		}
	}
	c.exts = append(c.exts, activeExtension{kind: kind, ext: ext})
	c.mu.Unlock()

	callIsolated(c.logger, "start", kind, ext.Start)
	return nil
}

// ActiveExtensions returns the kinds of the active extensions in dispatch
// order.
func (c *Controller) ActiveExtensions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, len(c.exts))
	for i, ae := range c.exts {
		kinds[i] = ae.kind
	}
	return kinds
}

// ResolveEntity looks up a device or group by identity or configured
// friendly name.
func (c *Controller) ResolveEntity(id string) (entity.Entity, bool) {
	if e, ok := c.stack.ResolveEntity(id); ok {
		if dev, isDev := e.(*entity.Device); isDev {
			c.annotateDevice(dev)
		}
		return e, true
	}
	if devID, ok := c.cfg.DeviceIDByFriendlyName(id); ok {
		if e, ok := c.stack.ResolveEntity(devID); ok {
			if dev, isDev := e.(*entity.Device); isDev {
				c.annotateDevice(dev)
			}
			return e, true
		}
	}
	return nil, false
}

// annotateDevice applies the configured friendly name to an adapter-reported
// device.
func (c *Controller) annotateDevice(dev *entity.Device) {
	if name, ok := c.cfg.FriendlyNameFor(dev.IEEEAddress); ok {
		dev.FriendlyName = name
	}
}

func (c *Controller) extensionArgs() Args {
	return Args{
		Stack:              c.stack,
		MQTT:               c.broker,
		State:              c.state,
		Bus:                c.bus,
		Config:             c.cfg,
		Store:              c.store,
		Logger:             c.logger,
		PublishEntityState: c.PublishEntityState,
		EnableExtension:    c.EnableExtension,
		DisableExtension:   c.DisableExtension,
		AddExtension:       c.AddExtension,
		RequestRestart:     func(reason string) { go c.Stop(reason) },
		Status:             c.Status,
		ResolveEntity:      c.ResolveEntity,
		LogLevel:           c.logLevel,
	}
}

func deviceModel(dev *entity.Device) string {
	if dev.Definition != nil && dev.Definition.Model != "" {
		return dev.Definition.Model
	}
	return "unsupported"
}
