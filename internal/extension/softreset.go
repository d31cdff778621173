package extension

import (
	"log/slog"
	"sync"
	"time"

	"meshbridge/internal/eventbus"
	"meshbridge/internal/gateway"
)

// SoftReset restarts the gateway when the adapter goes silent for longer
// than the configured timeout. Any adapter-originated event resets the timer.
type SoftReset struct {
	args   gateway.Args
	key    string
	logger *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewSoftReset constructs the soft-reset watchdog extension.
func NewSoftReset(args gateway.Args) gateway.Extension {
	return &SoftReset{
		args:   args,
		key:    gateway.SubscriberKey(KindSoftReset),
		logger: args.Logger.With("extension", KindSoftReset),
	}
}

func (s *SoftReset) timeout() time.Duration {
	return time.Duration(s.args.Config.Advanced.SoftResetTimeout) * time.Second
}

func (s *SoftReset) Start() error {
	if s.timeout() <= 0 {
		s.logger.Debug("disabled, timeout not configured")
		return nil
	}
	for _, kind := range []eventbus.Kind{
		eventbus.KindDeviceMessage, eventbus.KindDeviceJoined,
		eventbus.KindDeviceAnnounce, eventbus.KindLastSeenChanged,
	} {
		s.args.Bus.Subscribe(kind, s.key, func(eventbus.Event) error {
			s.reset()
			return nil
		})
	}
	s.arm()
	s.logger.Info("watchdog armed", "timeout", s.timeout())
	return nil
}

func (s *SoftReset) Stop() error {
	s.args.Bus.RemoveAll(s.key)
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *SoftReset) arm() {
	s.mu.Lock()
	s.timer = time.AfterFunc(s.timeout(), s.fire)
	s.mu.Unlock()
}

func (s *SoftReset) reset() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Reset(s.timeout())
	}
	s.mu.Unlock()
}

func (s *SoftReset) fire() {
	s.logger.Warn("no adapter traffic within timeout, requesting restart", "timeout", s.timeout())
	s.args.RequestRestart(gateway.ReasonRestart)
}
