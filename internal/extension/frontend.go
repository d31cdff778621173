package extension

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"meshbridge/internal/eventbus"
	"meshbridge/internal/frontend"
	"meshbridge/internal/gateway"
)

// Frontend runs the HTTP+WebSocket mirror: every gateway event is
// rebroadcast to connected sockets, and the management API operates on the
// shared gateway handles.
type Frontend struct {
	args   gateway.Args
	key    string
	logger *slog.Logger

	srv  *frontend.Server
	http *http.Server
	wg   sync.WaitGroup
}

// NewFrontend constructs the frontend extension.
func NewFrontend(args gateway.Args) gateway.Extension {
	return &Frontend{
		args:   args,
		key:    gateway.SubscriberKey(KindFrontend),
		logger: args.Logger.With("extension", KindFrontend),
	}
}

func (f *Frontend) Start() error {
	fcfg := f.args.Config.Frontend
	var opts []frontend.ServerOption
	if fcfg.APIKey != "" {
		opts = append(opts, frontend.WithAPIKey(fcfg.APIKey))
	}
	if len(fcfg.AllowedOrigins) > 0 {
		opts = append(opts, frontend.WithAllowedOrigins(fcfg.AllowedOrigins))
	}
	f.srv = frontend.NewServer(f.args, opts...)

	// Mirror every bus event onto the socket; the hub owns the envelope.
	for _, kind := range eventbus.AllKinds() {
		kind := kind
		f.args.Bus.Subscribe(kind, f.key, func(ev eventbus.Event) error {
			f.srv.Hub().Broadcast(string(kind), ev)
			if pj, ok := ev.(eventbus.PermitJoinChanged); ok {
				f.srv.UpdatePermitJoin(pj.Enabled, pj.Seconds)
			}
			return nil
		})
	}

	f.http = &http.Server{
		Addr:              fcfg.Listen,
		Handler:           f.srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("http server", "err", err)
		}
	}()
	f.logger.Info("listening", "addr", fcfg.Listen)
	return nil
}

func (f *Frontend) Stop() error {
	f.args.Bus.RemoveAll(f.key)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.http.Shutdown(ctx)
	f.srv.Hub().Close()
	f.wg.Wait()
	return err
}
