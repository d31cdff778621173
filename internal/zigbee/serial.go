package zigbee

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

// frame is one line-delimited JSON message exchanged with the NCP bridge.
type frame struct {
	Type    string          `json:"type"`
	Reset   bool            `json:"reset,omitempty"`
	Enable  bool            `json:"enable,omitempty"`
	Device  string          `json:"device,omitempty"`
	Seconds uint32          `json:"seconds,omitempty"`
	Force   bool            `json:"force,omitempty"`
	Entity  *deviceRecord   `json:"entity,omitempty"`
	Devices []deviceRecord  `json:"devices,omitempty"`
	Groups  []groupRecord   `json:"groups,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// deviceRecord mirrors entity.Device on the wire.
type deviceRecord struct {
	IEEEAddress        string             `json:"ieee_address"`
	NetworkAddress     uint16             `json:"network_address"`
	InterviewCompleted bool               `json:"interview_completed"`
	Supported          bool               `json:"supported"`
	PowerSource        string             `json:"power_source,omitempty"`
	ZCLVersion         uint8              `json:"zcl_version,omitempty"`
	StackVersion       uint8              `json:"stack_version,omitempty"`
	HardwareVersion    uint8              `json:"hardware_version,omitempty"`
	SoftwareBuildID    string             `json:"software_build_id,omitempty"`
	DateCode           string             `json:"date_code,omitempty"`
	LinkQuality        *uint8             `json:"linkquality,omitempty"`
	Definition         *entity.Definition `json:"definition,omitempty"`
}

type groupRecord struct {
	GroupID      uint16   `json:"group_id"`
	FriendlyName string   `json:"friendly_name"`
	Members      []string `json:"members,omitempty"`
}

// Transport abstracts the serial port so tests can inject a pipe.
type Transport io.ReadWriteCloser

// OpenTransport opens a connection to the NCP bridge. The default
// implementation opens a serial port.
type OpenTransport func() (Transport, error)

// SerialConfig holds the serial transport settings.
type SerialConfig struct {
	Port string
	Baud int
}

// SerialStack implements Stack over a line-delimited JSON serial link.
type SerialStack struct {
	open   OpenTransport
	logger *slog.Logger

	mu           sync.Mutex
	transport    Transport
	writer       *bufio.Writer
	devices      map[string]*entity.Device // by IEEE address
	groups       map[string]*entity.Group  // by name
	pending      map[string]chan frame     // by response frame type
	onEvent      func(eventbus.Event)
	onDisconnect func()
	running      bool
}

// NewSerialStack creates a stack speaking to the NCP bridge on the given
// serial port.
func NewSerialStack(cfg SerialConfig, logger *slog.Logger) *SerialStack {
	return &SerialStack{
		open: func() (Transport, error) {
			mode := &serial.Mode{
				BaudRate: cfg.Baud,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			}
			port, err := serial.Open(cfg.Port, mode)
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
			}
			_ = port.SetDTR(true)
			_ = port.SetRTS(true)
			return port, nil
		},
		logger:  logger.With("component", "zigbee"),
		devices: make(map[string]*entity.Device),
		groups:  make(map[string]*entity.Group),
		pending: make(map[string]chan frame),
	}
}

// NewSerialStackWithTransport creates a stack with a custom transport opener,
// used by tests.
func NewSerialStackWithTransport(open OpenTransport, logger *slog.Logger) *SerialStack {
	s := NewSerialStack(SerialConfig{}, logger)
	s.open = open
	return s
}

func (s *SerialStack) OnEvent(fn func(eventbus.Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

func (s *SerialStack) OnDisconnect(fn func()) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

// Start opens the transport and asks the bridge to bring the network up.
// Blocks until the bridge answers or ctx is cancelled.
func (s *SerialStack) Start(ctx context.Context) (StartResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return StartNormal, fmt.Errorf("already started")
	}
	s.mu.Unlock()

	transport, err := s.open()
	if err != nil {
		return StartNormal, fmt.Errorf("adapter transport: %w", err)
	}

	s.mu.Lock()
	s.transport = transport
	s.writer = bufio.NewWriter(transport)
	s.running = true
	s.mu.Unlock()

	go s.readLoop(transport)

	resp, err := s.request(ctx, frame{Type: "start"}, "started")
	if err != nil {
		s.teardown(false)
		return StartNormal, fmt.Errorf("start network: %w", err)
	}

	s.mu.Lock()
	s.devices = make(map[string]*entity.Device)
	for i := range resp.Devices {
		dev := recordToDevice(&resp.Devices[i])
		s.devices[dev.IEEEAddress] = dev
	}
	s.groups = make(map[string]*entity.Group)
	for i := range resp.Groups {
		s.groups[resp.Groups[i].FriendlyName] = s.recordToGroupLocked(&resp.Groups[i])
	}
	s.mu.Unlock()

	if resp.Reset {
		return StartReset, nil
	}
	return StartNormal, nil
}

// Stop closes the transport without firing the disconnect handler.
func (s *SerialStack) Stop() error {
	s.teardown(false)
	return nil
}

func (s *SerialStack) teardown(notify bool) {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.writer = nil
	running := s.running
	s.running = false
	notifyFn := s.onDisconnect
	for key, ch := range s.pending {
		close(ch)
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	if notify && running && notifyFn != nil {
		notifyFn()
	}
}

func (s *SerialStack) PermitJoin(ctx context.Context, enable bool, device string, seconds uint32) error {
	_, err := s.request(ctx, frame{Type: "permit_join", Enable: enable, Device: device, Seconds: seconds}, "permit_join_done")
	if err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	return nil
}

func (s *SerialStack) ResolveEntity(id string) (entity.Entity, bool) {
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
	if g, ok := s.groups[id]; ok {
		return g, true
	}
	return nil, false
}

func (s *SerialStack) Devices() []*entity.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		out = append(out, dev)
	}
	return out
}

func (s *SerialStack) Groups() []*entity.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

func (s *SerialStack) RemoveDevice(ctx context.Context, id string, force bool) error {
	ent, ok := s.ResolveEntity(id)
	if !ok {
		return fmt.Errorf("remove device %s: unknown device", id)
	}
	dev, ok := ent.(*entity.Device)
	if !ok {
		return fmt.Errorf("remove device %s: not a device", id)
	}
	if !force {
		if _, err := s.request(ctx, frame{Type: "remove", Device: dev.IEEEAddress}, "remove_done"); err != nil {
			return fmt.Errorf("remove device %s: %w", id, err)
		}
	}
	s.mu.Lock()
	delete(s.devices, dev.IEEEAddress)
	s.mu.Unlock()
	return nil
}

func (s *SerialStack) Write(ctx context.Context, id string, payload map[string]any) error {
	ent, ok := s.ResolveEntity(id)
	if !ok {
		return fmt.Errorf("write %s: unknown entity", id)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	if _, err := s.request(ctx, frame{Type: "write", Device: ent.ID(), Payload: data}, "write_done"); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// request sends a frame and waits for the response frame type.
func (s *SerialStack) request(ctx context.Context, req frame, respType string) (frame, error) {
	ch := make(chan frame, 1)
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return frame{}, fmt.Errorf("adapter not started")
	}
	s.pending[respType] = ch
	writer := s.writer
	data, err := json.Marshal(req)
	if err != nil {
		delete(s.pending, respType)
		s.mu.Unlock()
		return frame{}, err
	}
	writer.Write(data)
	writer.WriteByte('\n')
	err = writer.Flush()
	s.mu.Unlock()
	if err != nil {
		return frame{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return frame{}, fmt.Errorf("adapter link closed")
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("adapter: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, respType)
		s.mu.Unlock()
		return frame{}, ctx.Err()
	}
}

func (s *SerialStack) readLoop(transport Transport) {
	scanner := bufio.NewScanner(transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			s.logger.Warn("malformed frame", "err", err)
			continue
		}
		s.handleFrame(f)
	}

	// Reader exit with the stack still marked running means the link died.
	s.mu.Lock()
	running := s.running && s.transport == transport
	s.mu.Unlock()
	if running {
		s.logger.Error("adapter link lost")
		s.teardown(true)
	}
}

func (s *SerialStack) handleFrame(f frame) {
	s.mu.Lock()
	if ch, ok := s.pending[f.Type]; ok {
		delete(s.pending, f.Type)
		s.mu.Unlock()
		ch <- f
		return
	}
	s.mu.Unlock()

	switch f.Type {
	case "device_joined":
		s.handleJoin(f)
	case "device_left":
		s.handleLeave(f)
	case "device_announce":
		s.handleAnnounce(f)
	case "attribute_report":
		s.handleReport(f)
	default:
		s.logger.Debug("unhandled frame", "type", f.Type)
	}
}

func (s *SerialStack) handleJoin(f frame) {
	if f.Entity == nil {
		return
	}
	dev := recordToDevice(f.Entity)
	dev.LastSeen = time.Now()
	s.mu.Lock()
	s.devices[dev.IEEEAddress] = dev
	s.mu.Unlock()
	s.emit(eventbus.DeviceJoined{Device: dev})
}

func (s *SerialStack) handleLeave(f frame) {
	s.mu.Lock()
	dev := s.devices[f.Device]
	delete(s.devices, f.Device)
	s.mu.Unlock()
	s.emit(eventbus.DeviceLeave{ID: f.Device, Device: dev})
}

func (s *SerialStack) handleAnnounce(f frame) {
	s.mu.Lock()
	dev, ok := s.devices[f.Device]
	if ok {
		dev.LastSeen = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(eventbus.DeviceAnnounce{Device: dev})
}

func (s *SerialStack) handleReport(f frame) {
	s.mu.Lock()
	dev, ok := s.devices[f.Device]
	if ok {
		dev.LastSeen = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if len(f.Payload) == 0 {
		// Traffic with no attribute payload still refreshes last-seen.
		s.emit(eventbus.LastSeenChanged{Device: dev})
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		s.logger.Warn("malformed report payload", "device", f.Device, "err", err)
		return
	}
	if lqi, ok := payload["linkquality"].(float64); ok {
		v := uint8(lqi)
		s.mu.Lock()
		dev.LinkQuality = &v
		s.mu.Unlock()
		delete(payload, "linkquality")
	}
	s.emit(eventbus.DeviceMessage{Device: dev, Payload: payload})
}

func (s *SerialStack) emit(ev eventbus.Event) {
	s.mu.Lock()
	fn := s.onEvent
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *SerialStack) recordToGroupLocked(rec *groupRecord) *entity.Group {
	g := &entity.Group{GroupID: rec.GroupID, FriendlyName: rec.FriendlyName}
	for _, member := range rec.Members {
		if dev, ok := s.devices[member]; ok {
			g.Members = append(g.Members, dev)
		}
	}
	return g
}

func recordToDevice(rec *deviceRecord) *entity.Device {
	return &entity.Device{
		IEEEAddress:        rec.IEEEAddress,
		NetworkAddress:     rec.NetworkAddress,
		InterviewCompleted: rec.InterviewCompleted,
		Supported:          rec.Supported,
		PowerSource:        rec.PowerSource,
		ZCLVersion:         rec.ZCLVersion,
		StackVersion:       rec.StackVersion,
		HardwareVersion:    rec.HardwareVersion,
		SoftwareBuildID:    rec.SoftwareBuildID,
		DateCode:           rec.DateCode,
		LinkQuality:        rec.LinkQuality,
		Definition:         rec.Definition,
	}
}
