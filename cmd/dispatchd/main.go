// Command dispatchd hosts the Arith contract over TCP.
//
//	dispatchd -config dispatchd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mini-dispatch/config"
	"mini-dispatch/dispatcher"
	"mini-dispatch/middleware"
	"mini-dispatch/registry"
	"mini-dispatch/server"
	"mini-dispatch/service"
)

func main() {
	path := flag.String("config", "", "path to the YAML config; defaults apply when empty")
	flag.Parse()

	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	log, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("dispatchd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := dispatcher.NewMetrics("dispatchd", promReg)
	if err != nil {
		return err
	}

	reg, closeReg, err := openRegistry(cfg.Registry, log)
	if err != nil {
		return err
	}
	defer closeReg()

	srv := server.New(
		server.WithLogger(log),
		server.WithDispatcherConfig(cfg.Dispatcher),
		server.WithMetrics(metrics),
		server.WithTTL(cfg.Server.TTL),
	)
	srv.Use(middleware.Logging(log))
	arith := &Arith{log: log}
	if err := srv.Register(arith, registerOptions(cfg.Service("Arith"), service.WithFaultFormatter(arithFaults()))...); err != nil {
		return err
	}
	if err := srv.Start(cfg.Server.Network, cfg.Server.Listen, cfg.Server.Advertise, reg); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		return srv.Shutdown(cfg.Server.ShutdownTimeout)
	})
	return g.Wait()
}

// registerOptions maps the per-service config onto server registration options.
func registerOptions(sc config.ServiceConfig, svcOpts ...service.Option) []server.RegisterOption {
	var mws []middleware.Middleware
	if sc.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(sc.RateLimit, sc.RateBurst))
	}
	if sc.Timeout > 0 {
		mws = append(mws, middleware.Timeout(sc.Timeout))
	}
	if len(mws) > 0 {
		svcOpts = append(svcOpts, service.WithMiddleware(mws...))
	}

	opts := []server.RegisterOption{server.WithServiceOptions(svcOpts...)}
	if sc.InstanceMode != nil {
		opts = append(opts, server.WithInstanceMode(*sc.InstanceMode))
	}
	if sc.ConcurrencyMode != nil {
		opts = append(opts, server.WithConcurrencyMode(*sc.ConcurrencyMode))
	}
	if sc.Weight > 0 {
		opts = append(opts, server.WithWeight(sc.Weight))
	}
	return opts
}

func openRegistry(rc config.RegistryConfig, log *zap.Logger) (registry.Registry, func(), error) {
	switch rc.Kind {
	case config.RegistryEtcd:
		reg, err := registry.NewEtcdRegistry(rc.Endpoints, rc.DialTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	case config.RegistryMemory:
		return registry.NewMemoryRegistry(), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}
