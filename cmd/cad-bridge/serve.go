package main

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cad-bridge/cadhost"
	"cad-bridge/config"
	"cad-bridge/control"
	"cad-bridge/dispatcher"
	"cad-bridge/lifecycle"
	"cad-bridge/logger"
	"cad-bridge/metrics"
	"cad-bridge/middleware"
	"cad-bridge/registry"
	"cad-bridge/surface"
)

const version = "0.1.0"

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		autostart bool
		devLog    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a headless host with its bridge and control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel, devLog)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cfg, flags.addr, autostart, log)
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", true, "Start the bridge as soon as the host is up")
	cmd.Flags().BoolVar(&devLog, "dev-log", false, "Human-readable log output")
	return cmd
}

// serve owns the main goroutine: it becomes the host's owning thread and runs
// the event loop until a signal arrives.
func serve(cfg *config.Config, addrOverride string, autostart bool, log *zap.Logger) error {
	ctx, cancel := signalContext()
	defer cancel()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(promRegistry); err != nil {
		return errors.Annotate(err, "registering metrics")
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		reg = etcd
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log.Named("rpc"))}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	address := cfg.Addr()
	if addrOverride != "" {
		address = addrOverride
	}

	loop := dispatcher.NewEventLoop(clock.WallClock, log.Named("loop"))
	ctrl := lifecycle.New(lifecycle.Config{
		Address:       address,
		Surface:       surface.New(cadhost.NewMemory(cadhost.WithPartsDir(cfg.PartsDir))),
		Scheduler:     loop,
		Middlewares:   mws,
		TickInterval:  cfg.TickInterval,
		CallTimeout:   cfg.CallTimeout,
		JoinTimeout:   cfg.JoinTimeout,
		Registry:      reg,
		ServiceName:   cfg.ServiceName,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Version:       version,
		Logger:        log.Named("lifecycle"),
		Metrics:       m,
	})

	httpServer := &http.Server{
		Addr: cfg.ControlAddr,
		Handler: control.NewHandler(control.Config{
			Lifecycle: ctrl,
			Invoke:    loop.Call,
			Gatherer:  promRegistry,
			Logger:    log.Named("control"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("control surface listening", zap.String("addr", cfg.ControlAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control surface failed", zap.Error(err))
		}
	}()

	if autostart {
		loop.Post(func() {
			if msg, err := ctrl.Start(); err != nil {
				log.Error(msg, zap.Error(err))
			}
		})
	}

	// Runs until the signal; everything above is driven from here on.
	if err := loop.Run(ctx); err != nil {
		return err
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.JoinTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("closing control surface", zap.Error(err))
	}
	if ctrl.CanStop() {
		msg, _ := ctrl.Stop()
		log.Info(msg)
	}
	return nil
}
