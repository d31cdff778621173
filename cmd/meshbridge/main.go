package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"meshbridge/internal/config"
	"meshbridge/internal/eventbus"
	"meshbridge/internal/extension"
	"meshbridge/internal/gateway"
	"meshbridge/internal/mqtt"
	"meshbridge/internal/state"
	"meshbridge/internal/store"
	"meshbridge/internal/zigbee"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "meshbridge",
		Short:         "Zigbee to MQTT gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	logLevel := new(slog.LevelVar)
	logger, closeLog, err := newLogger(cfg, logLevel)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("meshbridge starting", "version", version)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewBoltStore(filepath.Join(cfg.DataDir, "meshbridge.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := applyStoredAliases(cfg, db); err != nil {
		return err
	}

	build := func(onExit func(code int, reason string)) (runner, func(), error) {
		bus := eventbus.New(logger)
		stack := zigbee.NewSerialStack(zigbee.SerialConfig{
			Port: cfg.Serial.Port,
			Baud: cfg.Serial.Baud,
		}, logger)
		broker := mqtt.NewClient(cfg, logger)
		persistent := cfg.Advanced.CacheState && cfg.Advanced.CacheStatePersistent
		cache := state.New(db, bus, persistent, logger)

		ctrl, err := gateway.New(gateway.Options{
			Config:            cfg,
			Stack:             stack,
			Broker:            broker,
			State:             cache,
			Bus:               bus,
			Store:             db,
			Catalog:           extension.Catalog(),
			InitialExtensions: extension.InitialKinds(cfg),
			OnExit:            onExit,
			Logger:            logger,
			LogLevel:          logLevel,
		})
		if err != nil {
			return nil, nil, err
		}
		return ctrl, func() {}, nil
	}

	sup := newSupervisor(build, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		signal.Stop(sigCh)
		logger.Info("shutting down", "signal", sig.String())
		sup.Shutdown("signal")
	}()

	code := sup.Run(ctx)
	logger.Info("goodbye", "code", code)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// applyStoredAliases folds runtime-assigned friendly names from the store
// into the loaded configuration. A stored alias wins over the file.
func applyStoredAliases(cfg *config.Config, db store.Store) error {
	aliases, err := db.Aliases()
	if err != nil {
		return fmt.Errorf("load aliases: %w", err)
	}
	for id, alias := range aliases {
		cfg.SetDeviceFriendlyName(id, alias)
	}
	return nil
}

// newLogger builds the process logger: stdout plus a file in the log
// directory so the management surface can serve log bundles.
func newLogger(cfg *config.Config, level *slog.LevelVar) (*slog.Logger, func(), error) {
	switch strings.ToLower(cfg.Advanced.LogLevel) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	if err := os.MkdirAll(cfg.Advanced.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.Advanced.LogDir, "meshbridge.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	out := io.MultiWriter(os.Stdout, f)

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Advanced.LogFormat) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), func() { f.Close() }, nil
}
