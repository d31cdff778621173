package extension

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"meshbridge/internal/config"
	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
	"meshbridge/internal/mqtt"
	"meshbridge/internal/state"
	"meshbridge/internal/store"
	"meshbridge/internal/zigbee"
)

type permitCall struct {
	enable  bool
	device  string
	seconds uint32
}

type writeCall struct {
	id      string
	payload map[string]any
}

type removeCall struct {
	id    string
	force bool
}

type fakeStack struct {
	mu       sync.Mutex
	devices  map[string]*entity.Device
	groups   []*entity.Group
	permits  []permitCall
	writes   []writeCall
	removed  []removeCall
	writeErr error
}

func newFakeStack(devices ...*entity.Device) *fakeStack {
	s := &fakeStack{devices: make(map[string]*entity.Device)}
	for _, dev := range devices {
		s.devices[dev.IEEEAddress] = dev
	}
	return s
}

func (s *fakeStack) Start(context.Context) (zigbee.StartResult, error) {
	return zigbee.StartNormal, nil
}

func (s *fakeStack) Stop() error { return nil }

func (s *fakeStack) PermitJoin(_ context.Context, enable bool, device string, seconds uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permits = append(s.permits, permitCall{enable, device, seconds})
	return nil
}

func (s *fakeStack) ResolveEntity(id string) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dev, ok := s.devices[id]; ok {
		return dev, true
	}
	for _, dev := range s.devices {
		if dev.FriendlyName == id {
			return dev, true
		}
	}
	for _, g := range s.groups {
		if g.FriendlyName == id {
			return g, true
		}
	}
	return nil, false
}

func (s *fakeStack) Devices() []*entity.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev)
	}
	return out
}

func (s *fakeStack) Groups() []*entity.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups
}

func (s *fakeStack) RemoveDevice(_ context.Context, id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, removeCall{id, force})
	delete(s.devices, id)
	return nil
}

func (s *fakeStack) Write(_ context.Context, id string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, writeCall{id, payload})
	return nil
}

func (s *fakeStack) OnEvent(func(eventbus.Event)) {}
func (s *fakeStack) OnDisconnect(func())          {}

type published struct {
	topic   string
	payload []byte
	opts    mqtt.Options
}

type fakeBroker struct {
	mu            sync.Mutex
	messages      []published
	subscriptions []string
}

func (b *fakeBroker) Connect(context.Context) error  { return nil }
func (b *fakeBroker) Disconnect()                    {}
func (b *fakeBroker) IsConnected() bool              { return true }
func (b *fakeBroker) IsFirstConnectionAttempt() bool { return true }
func (b *fakeBroker) OnMessage(func(string, []byte)) {}

func (b *fakeBroker) Publish(topic string, payload []byte, opts mqtt.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, published{topic, payload, opts})
	return nil
}

func (b *fakeBroker) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = append(b.subscriptions, topic)
	return nil
}

func (b *fakeBroker) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.messages...)
}

// onTopic returns the publications made on one topic, most recent last.
func (b *fakeBroker) onTopic(topic string) []published {
	var out []published
	for _, msg := range b.published() {
		if msg.topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

type memStore struct {
	mu      sync.Mutex
	bags    map[string]map[string]any
	aliases map[string]string
	blocks  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		bags:    make(map[string]map[string]any),
		aliases: make(map[string]string),
		blocks:  make(map[string]bool),
	}
}

func (m *memStore) SaveState(bags map[string]map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bags = bags
	return nil
}

func (m *memStore) LoadState() (map[string]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bags, nil
}

func (m *memStore) DeleteState(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bags, id)
	return nil
}

func (m *memStore) SetAlias(id, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases[id] = alias
	return nil
}

func (m *memStore) Alias(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alias, ok := m.aliases[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return alias, nil
}

func (m *memStore) Aliases() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) DeleteAlias(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aliases, id)
	return nil
}

func (m *memStore) AddBlock(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[id] = true
	return nil
}

func (m *memStore) RemoveBlock(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, id)
	return nil
}

func (m *memStore) Blocklist() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blocks))
	for id := range m.blocks {
		out = append(out, id)
	}
	return out, nil
}

func (m *memStore) IsBlocked(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[id], nil
}

func (m *memStore) Close() error { return nil }

// testEnv bundles the fakes behind one set of extension args.
type testEnv struct {
	stack  *fakeStack
	broker *fakeBroker
	bus    *eventbus.Bus
	cfg    *config.Config
	store  *memStore
	state  *state.State

	mu        sync.Mutex
	publishes []publishCall
	restarts  []string
	enabled   []string
	disabled  []string
}

type publishCall struct {
	entity  entity.Entity
	payload map[string]any
	reason  string
}

func newTestEnv(stack *fakeStack) *testEnv {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	st := newMemStore()
	env := &testEnv{
		stack:  stack,
		broker: &fakeBroker{},
		bus:    bus,
		store:  st,
		state:  state.New(st, bus, false, logger),
		cfg: &config.Config{
			MQTT: config.MQTT{Server: "tcp://localhost:1883", BaseTopic: "meshbridge"},
		},
	}
	return env
}

func (env *testEnv) args() gateway.Args {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	level := new(slog.LevelVar)
	return gateway.Args{
		Stack:  env.stack,
		MQTT:   env.broker,
		State:  env.state,
		Bus:    env.bus,
		Config: env.cfg,
		Store:  env.store,
		Logger: logger,
		PublishEntityState: func(e entity.Entity, payload map[string]any, reason string) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.publishes = append(env.publishes, publishCall{e, payload, reason})
			return nil
		},
		EnableExtension: func(kind string) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.enabled = append(env.enabled, kind)
			return nil
		},
		DisableExtension: func(kind string) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.disabled = append(env.disabled, kind)
			return nil
		},
		AddExtension: func(string, gateway.Extension) error { return nil },
		RequestRestart: func(reason string) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.restarts = append(env.restarts, reason)
		},
		Status: func() gateway.Status { return gateway.StatusStarted },
		ResolveEntity: func(id string) (entity.Entity, bool) {
			if ent, ok := env.stack.ResolveEntity(id); ok {
				return ent, true
			}
			if devID, ok := env.cfg.DeviceIDByFriendlyName(id); ok {
				return env.stack.ResolveEntity(devID)
			}
			return nil, false
		},
		LogLevel: level,
	}
}

func (env *testEnv) publishCalls() []publishCall {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]publishCall(nil), env.publishes...)
}

func (env *testEnv) restartReasons() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.restarts...)
}

func startExtension(t *testing.T, ext gateway.Extension) {
	t.Helper()
	if err := ext.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { ext.Stop() })
}
