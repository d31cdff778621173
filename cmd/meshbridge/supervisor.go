package main

import (
	"context"
	"log/slog"

	"meshbridge/internal/gateway"
)

// exitEvent is what a stopped controller reports to the supervisor.
type exitEvent struct {
	code   int
	reason string
}

// runner is one built gateway: a started controller plus the cleanup that
// releases its transports.
type runner interface {
	Start(ctx context.Context) error
	Stop(reason string)
}

// buildFunc constructs a fresh gateway instance wired to report its exit.
type buildFunc func(onExit func(code int, reason string)) (runner, func(), error)

// supervisor owns the controller instance across restarts: a controller that
// exits with the restart reason is rebuilt and started again, any other exit
// terminates the process with the controller's code.
type supervisor struct {
	build  buildFunc
	logger *slog.Logger

	stop chan string // external shutdown request with reason
}

func newSupervisor(build buildFunc, logger *slog.Logger) *supervisor {
	return &supervisor{
		build:  build,
		logger: logger.With("component", "supervisor"),
		stop:   make(chan string, 1),
	}
}

// Shutdown requests a clean stop of the running controller. Safe to call from
// signal handlers; only the first request per run is acted on.
func (s *supervisor) Shutdown(reason string) {
	select {
	case s.stop <- reason:
	default:
	}
}

// Run builds and starts controllers until one exits for a reason other than
// restart, then returns that exit code.
func (s *supervisor) Run(ctx context.Context) int {
	for {
		exited := make(chan exitEvent, 1)
		ctrl, cleanup, err := s.build(func(code int, reason string) {
			exited <- exitEvent{code: code, reason: reason}
		})
		if err != nil {
			s.logger.Error("build gateway", "err", err)
			return 1
		}

		// Start in the background: startup may block in a retry loop, and a
		// shutdown request must still be able to abort it.
		go func() {
			if err := ctrl.Start(ctx); err != nil {
				s.logger.Error("start gateway", "err", err)
				exited <- exitEvent{code: 1, reason: "start-failed"}
			}
		}()

		ev := s.wait(ctrl, exited)
		cleanup()

		if ev.reason == gateway.ReasonRestart && ev.code == 0 {
			s.logger.Info("restarting gateway")
			continue
		}
		return ev.code
	}
}

// wait blocks until the controller exits, forwarding at most one external
// shutdown request to it.
func (s *supervisor) wait(ctrl runner, exited <-chan exitEvent) exitEvent {
	for {
		select {
		case reason := <-s.stop:
			go ctrl.Stop(reason)
		case ev := <-exited:
			return ev
		}
	}
}
